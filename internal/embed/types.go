// Package embed turns query and case texts into unit-norm vectors for the
// semantic retriever. The encoder is model-agnostic: an OpenAI-compatible
// endpoint when one is configured, a deterministic local embedder
// otherwise. A single process-wide encoder is created lazily on first use
// and shared read-only across requests.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize bounds one embedding request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds one embedding request round-trip.
	DefaultTimeout = 30 * time.Second
)

// Embedder generates vector embeddings for text. All implementations
// return L2-normalized vectors.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input,
	// in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors are
// returned as-is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
