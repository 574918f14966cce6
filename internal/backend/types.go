// Package backend provides full-text retrieval over the fault-case corpus:
// a remote OpenSearch-compatible cluster when one is configured, or an
// embedded bleve index built from the local knowledge base otherwise. Both
// satisfy the same Searcher contract, so the matching layers never know
// which one they are talking to.
package backend

import "context"

// Filters are the structured facets a search may constrain on. Empty
// fields are unconstrained.
type Filters struct {
	System      string
	Part        string
	VehicleType string
	FaultCode   string
}

// Request is one search against the backend.
type Request struct {
	// Query is the normalized free-text query.
	Query string
	// Filters constrain on structured facets.
	Filters Filters
	// Size bounds the number of hits returned.
	Size int
	// Highlight asks for <mark>-tagged text fragments.
	Highlight bool
	// Vector, when non-nil, replaces the lexical query with a kNN search
	// over the stored case embeddings. VectorK bounds the kNN clause.
	Vector  []float32
	VectorK int
}

// Hit is one matched case.
type Hit struct {
	ID string
	// Score is the backend's raw relevance score: BM25-family for lexical
	// requests, cosine-family for kNN requests.
	Score float64
	// Source is the stored case payload, preserved verbatim.
	Source map[string]any
	// Highlight maps field names to <mark>-tagged fragments when
	// highlighting was requested.
	Highlight map[string][]string
}

// Result is a search outcome.
type Result struct {
	Total int
	Hits  []Hit
}

// Stats summarizes the indexed corpus.
type Stats struct {
	DocCount int
	// Systems and VehicleTypes count documents per facet value.
	Systems      map[string]int
	VehicleTypes map[string]int
	// PopularityAvg and PopularityMax summarize the popularity field.
	PopularityAvg float64
	PopularityMax float64
}

// Searcher is the retrieval contract both backends satisfy.
type Searcher interface {
	// Search runs one request. Implementations respect ctx cancellation
	// and never block past their configured timeout.
	Search(ctx context.Context, req Request) (*Result, error)

	// Stats summarizes the indexed corpus.
	Stats(ctx context.Context) (*Stats, error)

	// SupportsVector reports whether kNN requests are available.
	SupportsVector() bool

	// Available checks backend health.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// SourceString extracts a string field from a hit payload.
func (h Hit) SourceString(key string) string {
	if v, ok := h.Source[key].(string); ok {
		return v
	}
	return ""
}

// SourceFloat extracts a numeric field from a hit payload. JSON numbers
// decode as float64; anything else reads as zero.
func (h Hit) SourceFloat(key string) float64 {
	if v, ok := h.Source[key].(float64); ok {
		return v
	}
	return 0
}
