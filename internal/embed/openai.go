package embed

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/autokb/faultmatch/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible embedding client.
type OpenAIConfig struct {
	// BaseURL is the endpoint root; empty means the public OpenAI API.
	BaseURL string
	// APIKey authenticates requests.
	APIKey string
	// Model is the embedding model identifier.
	Model string
	// Dimensions is the expected output dimension. Zero means "learn it
	// from the first response".
	Dimensions int
	// BatchSize bounds one request (default 32).
	BatchSize int
	// Timeout bounds one request round-trip (default 30s).
	Timeout time.Duration
}

// OpenAIEmbedder encodes text through an OpenAI-compatible /embeddings
// endpoint. The underlying client keeps a pooled HTTP connection per
// (base URL, key) pair, so one embedder is shared process-wide.
type OpenAIEmbedder struct {
	client *openai.Client
	config OpenAIConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

// NewOpenAIEmbedder creates an embedding client for cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.ConfigError("embedding model is required", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		dims:   cfg.Dimensions,
	}, nil
}

// Embed generates the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting the input
// into requests of at most BatchSize.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := errors.RetryWithResult(ctx, embedRetryConfig, func() ([][]float32, error) {
			return e.embedOnce(ctx, texts[start:end])
		})
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

// embedRetryConfig bounds backoff for one batch. Only timeouts and
// overloaded-endpoint responses are retried.
var embedRetryConfig = errors.RetryConfig{
	MaxRetries:   2,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
	RetryIf:      errors.IsRetryable,
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeNetworkTimeout, "embedding request timed out", err)
		}
		if transientAPIError(err) {
			return nil, errors.New(errors.ErrCodeNetworkUnavailable, "embedding endpoint overloaded", err)
		}
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("endpoint returned %d embeddings for %d texts", len(resp.Data), len(texts)), nil)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errors.New(errors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("endpoint returned out-of-range index %d", d.Index), nil)
		}
		vectors[d.Index] = normalizeVector(d.Embedding)
	}

	e.mu.Lock()
	if e.dims == 0 && len(vectors) > 0 && vectors[0] != nil {
		e.dims = len(vectors[0])
	}
	e.mu.Unlock()

	return vectors, nil
}

// transientAPIError reports whether err is a rate limit or server-side
// failure from the endpoint.
func transientAPIError(err error) bool {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}

// Dimensions returns the embedding dimension, or 0 before the first
// successful request when it was not configured.
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the endpoint with a one-token request.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	_, err := e.Embed(ctx, "ping")
	return err == nil
}

// Close releases resources.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Verify interface implementation at compile time.
var _ Embedder = (*OpenAIEmbedder)(nil)
