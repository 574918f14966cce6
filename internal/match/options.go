package match

import (
	"log/slog"
	"time"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/rerank"
)

// Defaults for the orchestrator knobs.
const (
	DefaultTopKVec       = 50
	DefaultTopKKw        = 50
	DefaultTopNReturn    = 3
	DefaultRerankDepth   = 20
	DefaultSourceTimeout = 1500 * time.Millisecond
	DefaultRerankTimeout = 500 * time.Millisecond
	DefaultLLMTimeout    = 20 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithReranker attaches a cross-encoder rescoring stage.
func WithReranker(r rerank.Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithRemote attaches a remote backend as an extra fused source for
// hybrid requests.
func WithRemote(s backend.Searcher) Option {
	return func(e *Engine) { e.remote = s }
}

// WithPicker attaches the closed-set adjudicator for gray decisions.
func WithPicker(p llm.Picker) Option {
	return func(e *Engine) { e.picker = p }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSourceTimeout bounds each retriever during fan-out.
func WithSourceTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sourceTimeout = d
		}
	}
}

// WithRerankTimeout bounds the rescoring stage.
func WithRerankTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rerankTimeout = d
		}
	}
}

// WithLLMTimeout bounds the adjudication stage.
func WithLLMTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.llmTimeout = d
		}
	}
}

// WithRerankDepth sets how many fused candidates are rescored.
func WithRerankDepth(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.rerankDepth = k
		}
	}
}

// WithRetrievalDefaults sets the per-request fallbacks for topk_vec,
// topk_kw, and topn_return.
func WithRetrievalDefaults(topKVec, topKKw, topN int) Option {
	return func(e *Engine) {
		if topKVec > 0 {
			e.topKVec = topKVec
		}
		if topKKw > 0 {
			e.topKKw = topKKw
		}
		if topN > 0 {
			e.topN = topN
		}
	}
}

// WithLLMCandidateCap caps how many candidates one adjudication submits.
func WithLLMCandidateCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.llmCandidates = n
		}
	}
}
