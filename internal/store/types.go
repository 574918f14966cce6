// Package store provides the persisted retrieval indexes built from the
// fault-case knowledge base: a char-n-gram TF-IDF keyword index and an HNSW
// vector index. Both are cached on disk and rebuilt when the cache is
// missing, corrupt, or older than the data file; after startup they are
// read-only.
package store

import (
	"context"
	"fmt"
	"os"
)

// Document is a retrievable unit: one fault case's id and searchable text.
type Document struct {
	ID   string
	Text string
}

// KeywordResult is a single keyword-index hit. Score is the raw TF-IDF
// cosine similarity scaled by the configured factor (unbounded above 0).
type KeywordResult struct {
	ID    string
	Score float64
}

// VectorResult is a single vector-index hit. Cosine is the raw cosine
// similarity in [-1, 1].
type VectorResult struct {
	ID     string
	Cosine float64
}

// KeywordIndex is the keyword retrieval contract.
type KeywordIndex interface {
	// Search returns at most k hits ordered by descending score.
	Search(ctx context.Context, query string, k int) ([]KeywordResult, error)

	// Count returns the number of indexed documents.
	Count() int

	// Persistence.
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorIndex is the semantic retrieval contract.
type VectorIndex interface {
	// Add inserts vectors with their IDs. An existing ID is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search returns at most k hits ordered by descending cosine.
	Search(ctx context.Context, query []float32, k int) ([]VectorResult, error)

	// Count returns the number of indexed vectors.
	Count() int

	// Persistence.
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch between the
// embedder and the index.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'faultmatch index --force')", e.Expected, e.Got)
}

// stale reports whether cachePath must be rebuilt from dataPath: the cache
// is missing, or the data file was modified after the cache was written.
// An unreadable data file never forces a rebuild; the load path will
// surface that error properly.
func stale(cachePath, dataPath string) bool {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return true
	}
	dataInfo, err := os.Stat(dataPath)
	if err != nil {
		return false
	}
	return dataInfo.ModTime().After(cacheInfo.ModTime())
}
