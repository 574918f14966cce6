package embed

import (
	"log/slog"
	"time"
)

// FactoryConfig selects and configures the process-wide embedder.
type FactoryConfig struct {
	// Model is the embedding model identifier. "static" or empty selects
	// the offline deterministic embedder.
	Model string
	// BaseURL and APIKey configure the OpenAI-compatible endpoint for any
	// other model.
	BaseURL string
	APIKey  string
	// CacheSize bounds the query-embedding LRU cache.
	CacheSize int
	// Timeout bounds one embedding request.
	Timeout time.Duration
}

// NewEmbedder builds the embedder cfg selects and wraps it in the LRU
// cache. The encoder is loaded lazily by its client library; constructing
// it never touches the network.
func NewEmbedder(cfg FactoryConfig) (Embedder, error) {
	inner, err := newInner(cfg)
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

func newInner(cfg FactoryConfig) (Embedder, error) {
	if cfg.Model == "" || cfg.Model == "static" {
		slog.Debug("using static embedder")
		return NewStaticEmbedder(), nil
	}
	slog.Debug("using openai-compatible embedder",
		slog.String("model", cfg.Model),
		slog.String("base_url", cfg.BaseURL))
	return NewOpenAIEmbedder(OpenAIConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
}
