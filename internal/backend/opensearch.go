package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autokb/faultmatch/internal/errors"
)

// searchFields are the lexical match fields with their boosts. The fault
// description dominates; structured facets contribute smaller signals.
var searchFields = []string{
	"text^3",
	"tags^2",
	"system^1.5",
	"part^1.5",
	"vehicletype",
	"faultcode^2",
}

// OpenSearchConfig configures the remote backend client.
type OpenSearchConfig struct {
	// URL is the cluster root, e.g. https://localhost:9200.
	URL string
	// Index is the case index name.
	Index string
	// Username and Password enable basic auth when set.
	Username string
	Password string
	// Insecure skips TLS verification for self-signed dev clusters.
	Insecure bool
	// Timeout bounds one search round-trip (default 5s).
	Timeout time.Duration
	// Retries is the number of backoff retries for transient failures
	// (default 2). Negative disables retries.
	Retries int
	// VectorField is the stored dense-vector field (default "embedding").
	VectorField string
}

// OpenSearchClient talks to an OpenSearch-compatible cluster over its JSON
// API. The query DSL bodies are built by hand; no SDK is involved.
type OpenSearchClient struct {
	config  OpenSearchConfig
	client  *http.Client
	breaker *errors.CircuitBreaker
}

// NewOpenSearchClient creates a client for cfg.
func NewOpenSearchClient(cfg OpenSearchConfig) (*OpenSearchClient, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigError("opensearch URL is required", nil)
	}
	if cfg.Index == "" {
		return nil, errors.ConfigError("opensearch index is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.VectorField == "" {
		cfg.VectorField = "embedding"
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &OpenSearchClient{
		config: cfg,
		// No client-level timeout: each request carries its own context
		// deadline.
		client:  &http.Client{Transport: transport},
		breaker: errors.NewCircuitBreaker("opensearch"),
	}, nil
}

// Search runs one request against the cluster.
func (c *OpenSearchClient) Search(ctx context.Context, req Request) (*Result, error) {
	if !c.breaker.Allow() {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "opensearch circuit open", nil)
	}

	body := c.buildBody(req)
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/_search", c.config.Index), body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()

	return parseSearchResponse(raw)
}

// buildBody renders the query DSL for req.
func (c *OpenSearchClient) buildBody(req Request) map[string]any {
	var query map[string]any
	if req.Vector != nil {
		k := req.VectorK
		if k <= 0 {
			k = req.Size
		}
		query = map[string]any{
			"knn": map[string]any{
				c.config.VectorField: map[string]any{
					"vector": req.Vector,
					"k":      k,
				},
			},
		}
	} else {
		query = map[string]any{
			"multi_match": map[string]any{
				"query":                req.Query,
				"fields":               searchFields,
				"fuzziness":            "AUTO",
				"minimum_should_match": "75%",
			},
		}
	}

	if filters := buildFilters(req.Filters); len(filters) > 0 {
		query = map[string]any{
			"bool": map[string]any{
				"must":   []any{query},
				"filter": filters,
			},
		}
	}

	body := map[string]any{
		"query": query,
		"size":  req.Size,
	}
	if req.Highlight {
		body["highlight"] = map[string]any{
			"fields":    map[string]any{"text": map[string]any{}},
			"pre_tags":  []string{"<mark>"},
			"post_tags": []string{"</mark>"},
		}
	}
	return body
}

// buildFilters renders term filters for the non-empty facets. Facet
// fields are indexed as keyword sub-fields.
func buildFilters(f Filters) []any {
	var filters []any
	add := func(field, value string) {
		if value == "" {
			return
		}
		filters = append(filters, map[string]any{
			"term": map[string]any{field + ".keyword": value},
		})
	}
	add("system", f.System)
	add("part", f.Part)
	add("vehicletype", f.VehicleType)
	add("faultcode", f.FaultCode)
	return filters
}

// searchResponse mirrors the _search reply surface the client consumes.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    map[string]any      `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

func parseSearchResponse(raw []byte) (*Result, error) {
	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "decoding search response", err)
	}
	result := &Result{
		Total: resp.Hits.Total.Value,
		Hits:  make([]Hit, 0, len(resp.Hits.Hits)),
	}
	for _, h := range resp.Hits.Hits {
		result.Hits = append(result.Hits, Hit{
			ID:        h.ID,
			Score:     h.Score,
			Source:    h.Source,
			Highlight: h.Highlight,
		})
	}
	return result, nil
}

// Stats summarizes the indexed corpus via aggregations.
func (c *OpenSearchClient) Stats(ctx context.Context) (*Stats, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"systems":      map[string]any{"terms": map[string]any{"field": "system.keyword", "size": 50}},
			"vehicletypes": map[string]any{"terms": map[string]any{"field": "vehicletype.keyword", "size": 50}},
			"pop_avg":      map[string]any{"avg": map[string]any{"field": "popularity"}},
			"pop_max":      map[string]any{"max": map[string]any{"field": "popularity"}},
		},
	}
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/_search", c.config.Index), body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
		} `json:"hits"`
		Aggregations struct {
			Systems      termsAgg  `json:"systems"`
			VehicleTypes termsAgg  `json:"vehicletypes"`
			PopAvg       metricAgg `json:"pop_avg"`
			PopMax       metricAgg `json:"pop_max"`
		} `json:"aggregations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "decoding stats response", err)
	}

	return &Stats{
		DocCount:      resp.Hits.Total.Value,
		Systems:       resp.Aggregations.Systems.toMap(),
		VehicleTypes:  resp.Aggregations.VehicleTypes.toMap(),
		PopularityAvg: resp.Aggregations.PopAvg.Value,
		PopularityMax: resp.Aggregations.PopMax.Value,
	}, nil
}

type termsAgg struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int    `json:"doc_count"`
	} `json:"buckets"`
}

func (a termsAgg) toMap() map[string]int {
	m := make(map[string]int, len(a.Buckets))
	for _, b := range a.Buckets {
		m[b.Key] = b.DocCount
	}
	return m
}

type metricAgg struct {
	Value float64 `json:"value"`
}

// SupportsVector is true: kNN requests are forwarded to the cluster.
func (c *OpenSearchClient) SupportsVector() bool {
	return true
}

// Available checks cluster health.
func (c *OpenSearchClient) Available(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/_cluster/health", nil)
	return err == nil
}

// Close shuts down idle connections.
func (c *OpenSearchClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do issues a JSON request with backoff retries on transient failures.
func (c *OpenSearchClient) do(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	return errors.RetryWithResult(ctx, c.retryConfig(), func() ([]byte, error) {
		return c.doOnce(ctx, method, path, body)
	})
}

func (c *OpenSearchClient) retryConfig() errors.RetryConfig {
	retries := c.config.Retries
	if retries < 0 {
		retries = 0
	}
	return errors.RetryConfig{
		MaxRetries:   retries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      errors.IsRetryable,
	}
}

// doOnce issues one JSON request and returns the raw response body.
func (c *OpenSearchClient) doOnce(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.InternalError("encoding search request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := strings.TrimSuffix(c.config.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.InternalError("building search request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeNetworkTimeout, "search request timed out", err)
		}
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "search request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NetworkError("reading search response", err)
	}
	if resp.StatusCode != http.StatusOK {
		// 5xx is the cluster struggling and worth a retry; 4xx means the
		// request itself is wrong.
		code := errors.ErrCodeSearchFailed
		if resp.StatusCode >= http.StatusInternalServerError {
			code = errors.ErrCodeBackendUnavailable
		}
		return nil, errors.New(code,
			fmt.Sprintf("backend returned %d: %s", resp.StatusCode, truncateBody(raw)), nil)
	}
	return raw, nil
}

func truncateBody(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// Verify interface implementation at compile time.
var _ Searcher = (*OpenSearchClient)(nil)
