package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/autokb/faultmatch/internal/errors"
)

// HTTPConfig configures the cross-encoder endpoint client.
type HTTPConfig struct {
	// URL is the rerank endpoint, e.g. http://localhost:8080/rerank.
	URL string
	// Model is an optional model identifier forwarded to the endpoint.
	Model string
	// Timeout bounds one rerank round-trip (default 500ms: reranking sits
	// on the request path and must fail fast).
	Timeout time.Duration
}

// HTTPReranker calls a text-embeddings-inference style /rerank endpoint.
// The endpoint returns raw cross-encoder logits; scores pass through the
// sigmoid before they reach fusion.
type HTTPReranker struct {
	config  HTTPConfig
	client  *http.Client
	breaker *errors.CircuitBreaker
}

// NewHTTPReranker creates a reranker client for cfg.
func NewHTTPReranker(cfg HTTPConfig) (*HTTPReranker, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigError("reranker URL is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &HTTPReranker{
		config: cfg,
		// No client-level timeout: each request carries its own context
		// deadline.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: errors.NewCircuitBreaker("reranker"),
	}, nil
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
	// RawScores asks the endpoint for uncalibrated logits.
	RawScores bool `json:"raw_scores"`
}

type rerankResponseItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores documents against the query, sorted by score descending.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	if len(documents) == 0 {
		return []Result{}, nil
	}
	if !r.breaker.Allow() {
		return nil, errors.New(errors.ErrCodeRerankFailed, "reranker circuit open", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Texts:     documents,
		Model:     r.config.Model,
		RawScores: true,
	})
	if err != nil {
		return nil, errors.InternalError("encoding rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.InternalError("building rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.RecordFailure()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeNetworkTimeout, "rerank request timed out", err)
		}
		return nil, errors.NetworkError("rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.breaker.RecordFailure()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrCodeRerankFailed,
			fmt.Sprintf("rerank endpoint returned %d: %s", resp.StatusCode, payload), nil)
	}

	var items []rerankResponseItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		r.breaker.RecordFailure()
		return nil, errors.New(errors.ErrCodeRerankFailed, "decoding rerank response", err)
	}
	r.breaker.RecordSuccess()

	results := make([]Result, 0, len(items))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(documents) {
			return nil, errors.New(errors.ErrCodeRerankFailed,
				fmt.Sprintf("rerank endpoint returned out-of-range index %d", item.Index), nil)
		}
		results = append(results, Result{
			Index: item.Index,
			Score: sigmoid(item.Score),
			Raw:   item.Score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
	return results, nil
}

// Available probes the endpoint with a minimal request.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	_, err := r.Rerank(ctx, "ping", []string{"ping"})
	return err == nil
}

// Close shuts down idle connections.
func (r *HTTPReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// Verify interface implementation at compile time.
var _ Reranker = (*HTTPReranker)(nil)
