package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// StaticDimensions is the embedding dimension of the static embedder.
const StaticDimensions = 256

// Feature weights for vector generation. Character bigrams carry most of
// the signal for Chinese fault descriptions; single characters smooth out
// queries too short to produce bigrams.
const (
	unigramWeight = 0.3
	bigramWeight  = 0.7
)

// StaticEmbedder generates embeddings by hashing character n-grams into a
// fixed-size vector. It needs no network and no model files, and identical
// inputs always produce identical vectors, which makes it the offline and
// test-time encoder. Semantic quality is reduced compared to a learned
// model: only surface overlap is captured.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates the embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

// generateVector hashes unigrams and bigrams of the significant runes into
// vector buckets.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	runes := significantRunes(text)
	for _, r := range runes {
		vector[hashToIndex(string(r), StaticDimensions)] += unigramWeight
	}
	for i := 0; i+2 <= len(runes); i++ {
		vector[hashToIndex(string(runes[i:i+2]), StaticDimensions)] += bigramWeight
	}
	return vector
}

// significantRunes lower-cases ASCII and drops everything that is neither
// letter nor digit, so punctuation and spacing do not shift the n-grams.
func significantRunes(text string) []rune {
	var runes []rune
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		runes = append(runes, r)
	}
	return runes
}

// hashToIndex maps a string to a vector bucket via FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static"
}

// Available reports readiness (always true until closed).
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Verify interface implementation at compile time.
var _ Embedder = (*StaticEmbedder)(nil)
