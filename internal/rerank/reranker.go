// Package rerank scores (query, candidate text) pairs with a cross-encoder
// model behind an HTTP endpoint. Cross-encoders jointly encode both texts
// and are markedly more accurate than the retrieval scores, at the price of
// one model call per pair, so only the top fused candidates are rescored.
package rerank

import (
	"context"
	"math"
)

// Result is one reranked candidate.
type Result struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the calibrated relevance in [0, 1]: the raw cross-encoder
	// logit passed through the sigmoid.
	Score float64
	// Raw is the model's raw logit.
	Raw float64
}

// Reranker rescores documents against a query.
type Reranker interface {
	// Rerank scores every document against the query and returns results
	// sorted by score descending. Identical inputs produce identical
	// scores modulo floating-point noise.
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)

	// Available checks if the reranker is usable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker returns documents in their original order with gently
// decreasing scores. Used when reranking is disabled or unavailable.
type NoOpReranker struct{}

// Rerank preserves the input order: 1.0, 0.99, 0.98, ...
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string) ([]Result, error) {
	results := make([]Result, len(documents))
	for i := range documents {
		results[i] = Result{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	return results, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error {
	return nil
}

// Verify interface implementation at compile time.
var _ Reranker = (*NoOpReranker)(nil)

// sigmoid is the logistic function, numerically stable for large |x|.
func sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}
