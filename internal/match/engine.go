package match

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/rerank"
	"github.com/autokb/faultmatch/internal/store"
	"github.com/autokb/faultmatch/internal/textnorm"
)

// Query is one matching request.
type Query struct {
	Text  string
	Hints Hints

	// Retrieval knobs; non-positive values fall back to the engine
	// defaults.
	TopKVec int
	TopKKw  int
	TopN    int

	// UseLLM enables closed-set adjudication for gray decisions.
	UseLLM bool
	// UseRemote adds the remote backend as a fused source.
	UseRemote bool
}

// Engine drives one request end to end: normalize, concurrent retrieval
// fan-out, fusion, rescoring, routing, optional adjudication, assembly.
// Engines are shared across requests; all per-request state lives in the
// candidates.
type Engine struct {
	cases    map[string]kb.Case
	keyword  store.KeywordIndex
	vector   store.VectorIndex
	embedder embed.Embedder
	fusion   *Fusion
	router   *Router

	reranker rerank.Reranker
	remote   backend.Searcher
	picker   llm.Picker

	logger *slog.Logger

	sourceTimeout time.Duration
	rerankTimeout time.Duration
	llmTimeout    time.Duration
	rerankDepth   int
	llmCandidates int
	topKVec       int
	topKKw        int
	topN          int
}

// NewEngine wires the pipeline. The keyword and semantic retrievers are
// required; reranker, remote backend, and picker attach via options.
func NewEngine(cases []kb.Case, keyword store.KeywordIndex, vector store.VectorIndex,
	embedder embed.Embedder, fusion *Fusion, router *Router, opts ...Option) *Engine {

	e := &Engine{
		cases:         kb.IndexByID(cases),
		keyword:       keyword,
		vector:        vector,
		embedder:      embedder,
		fusion:        fusion,
		router:        router,
		logger:        slog.New(slog.DiscardHandler),
		sourceTimeout: DefaultSourceTimeout,
		rerankTimeout: DefaultRerankTimeout,
		llmTimeout:    DefaultLLMTimeout,
		rerankDepth:   DefaultRerankDepth,
		llmCandidates: llm.DefaultMaxCandidates,
		topKVec:       DefaultTopKVec,
		topKKw:        DefaultTopKKw,
		topN:          DefaultTopNReturn,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match runs the pipeline for one query. Retriever failures are
// tolerated as long as one source contributes; when every attempted
// source fails the returned response is no_match and the error carries
// the stable all-sources-failed code for the transport layer.
func (e *Engine) Match(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	normalized := textnorm.Normalize(q.Text)
	if normalized == "" {
		return &Response{
			Query: normalized,
			Top:   []CaseResult{},
			Decision: Decision{
				Mode:       ModeNoMatch,
				Confidence: 0,
				Reason:     "empty query",
			},
			Metadata: Metadata{Sources: []Source{}},
		}, nil
	}

	topKVec := orDefault(q.TopKVec, e.topKVec)
	topKKw := orDefault(q.TopKKw, e.topKKw)
	topN := orDefault(q.TopN, e.topN)

	inputs, okSources, fanoutErr := e.fanOut(ctx, normalized, q, topKVec, topKKw)
	if fanoutErr != nil {
		return &Response{
			Query: normalized,
			Top:   []CaseResult{},
			Decision: Decision{
				Mode:       ModeNoMatch,
				Confidence: 0,
				Reason:     "all sources failed",
			},
			Metadata: Metadata{Sources: []Source{}},
		}, fanoutErr
	}

	candidates := e.fusion.Fuse(inputs, q.Hints, e.cases, 0)

	rerankUsed := false
	if e.reranker != nil && len(candidates) > 0 {
		if scores := e.rescore(ctx, normalized, candidates); scores != nil {
			inputs.Rerank = scores
			candidates = e.fusion.Fuse(inputs, q.Hints, e.cases, 0)
			rerankUsed = true
		}
	}

	decision := e.router.Decide(candidates)

	llmUsed := false
	if decision.Mode == ModeGray && q.UseLLM && e.picker != nil {
		decision = e.adjudicate(ctx, normalized, candidates, decision)
		llmUsed = true
	}

	top := candidates
	if len(top) > topN {
		top = top[:topN]
	}
	results := make([]CaseResult, 0, len(top))
	for _, c := range top {
		results = append(results, resultFromCandidate(c))
	}

	e.logger.Info("match completed",
		slog.String("query", normalized),
		slog.Int("candidates", len(candidates)),
		slog.String("mode", string(decision.Mode)),
		slog.Float64("confidence", decision.Confidence),
		slog.Bool("rerank_used", rerankUsed),
		slog.Bool("llm_used", llmUsed),
		slog.Duration("elapsed", time.Since(start)))

	return &Response{
		Query:    normalized,
		Total:    len(candidates),
		Top:      results,
		Decision: decision,
		Metadata: Metadata{
			Sources:    okSources,
			RerankUsed: rerankUsed,
			LLMUsed:    llmUsed,
		},
	}, nil
}

// fanOut runs the retrievers concurrently under per-source deadlines.
// Individual failures are logged and contribute nothing; only when every
// attempted source fails does fanOut return an error.
func (e *Engine) fanOut(ctx context.Context, query string, q Query,
	topKVec, topKKw int) (Inputs, []Source, error) {

	var (
		inputs      Inputs
		keywordErr  error
		semanticErr error
		remoteErr   error
	)
	useRemote := q.UseRemote && e.remote != nil

	var g errgroup.Group
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
		defer cancel()
		hits, err := e.keyword.Search(sctx, query, topKKw)
		if err != nil {
			keywordErr = err
			return nil
		}
		for _, h := range hits {
			inputs.Keyword = append(inputs.Keyword, RawHit{ID: h.ID, Score: h.Score})
		}
		return nil
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
		defer cancel()
		vec, err := e.embedder.Embed(sctx, query)
		if err != nil {
			semanticErr = err
			return nil
		}
		hits, err := e.vector.Search(sctx, vec, topKVec)
		if err != nil {
			semanticErr = err
			return nil
		}
		for _, h := range hits {
			inputs.Semantic = append(inputs.Semantic, RawHit{ID: h.ID, Score: h.Cosine})
		}
		return nil
	})
	if useRemote {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
			defer cancel()
			result, err := e.remote.Search(sctx, backend.Request{
				Query: query,
				Filters: backend.Filters{
					System:      q.Hints.System,
					Part:        q.Hints.Part,
					VehicleType: q.Hints.VehicleType,
					FaultCode:   q.Hints.FaultCode,
				},
				Size:      topKKw,
				Highlight: true,
			})
			if err != nil {
				remoteErr = err
				return nil
			}
			for _, h := range result.Hits {
				inputs.Remote = append(inputs.Remote, RemoteHit{
					ID:        h.ID,
					Score:     h.Score,
					Case:      caseFromHit(h),
					Highlight: h.Highlight,
				})
			}
			return nil
		})
	}
	// Goroutines report through the captured per-source errors.
	_ = g.Wait()

	attempted := 2
	failures := []error{}
	var okSources []Source
	if keywordErr != nil {
		failures = append(failures, keywordErr)
		e.logger.Warn("keyword retrieval failed", slog.Any("error", keywordErr))
	} else {
		okSources = append(okSources, SourceKeyword)
	}
	if semanticErr != nil {
		failures = append(failures, semanticErr)
		e.logger.Warn("semantic retrieval failed", slog.Any("error", semanticErr))
	} else {
		okSources = append(okSources, SourceSemantic)
	}
	if useRemote {
		attempted++
		if remoteErr != nil {
			failures = append(failures, remoteErr)
			e.logger.Warn("remote retrieval failed", slog.Any("error", remoteErr))
		} else {
			okSources = append(okSources, SourceRemote)
		}
	}

	if len(failures) == attempted {
		return Inputs{}, nil, errors.New(errors.ErrCodeAllSourcesFailed,
			"every retrieval source failed", failures[0])
	}
	return inputs, okSources, nil
}

// rescore runs the cross-encoder over the top fused candidates and
// returns raw logits by id, or nil when the stage is skipped.
func (e *Engine) rescore(ctx context.Context, query string, candidates []*Candidate) map[string]float64 {
	depth := e.rerankDepth
	if depth > len(candidates) {
		depth = len(candidates)
	}
	subset := candidates[:depth]

	texts := make([]string, len(subset))
	for i, c := range subset {
		texts[i] = c.Case.Text
	}

	rctx, cancel := context.WithTimeout(ctx, e.rerankTimeout)
	defer cancel()
	results, err := e.reranker.Rerank(rctx, query, texts)
	if err != nil {
		e.logger.Warn("rerank skipped", slog.Any("error", err))
		return nil
	}

	scores := make(map[string]float64, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(subset) {
			continue
		}
		scores[subset[r.Index].ID] = r.Raw
	}
	if len(scores) == 0 {
		return nil
	}
	return scores
}

// adjudicate submits the top candidates to the closed-set picker and
// folds the pick into the gray decision. Picker failure degrades to the
// base decision with the failure noted.
func (e *Engine) adjudicate(ctx context.Context, query string,
	candidates []*Candidate, base Decision) Decision {

	limit := e.llmCandidates
	if limit > len(candidates) {
		limit = len(candidates)
	}
	submitted := make([]llm.Candidate, 0, limit)
	for _, c := range candidates[:limit] {
		submitted = append(submitted, llm.Candidate{
			ID:     c.ID,
			Text:   c.Case.Text,
			System: c.Case.System,
			Part:   c.Case.Part,
		})
	}

	lctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()
	pick, err := e.picker.Pick(lctx, query, submitted)
	if err != nil {
		e.logger.Warn("llm adjudication degraded", slog.Any("error", err))
		if pick.ChosenID == "" {
			pick = llm.Pick{ChosenID: llm.Unknown, Confidence: 0, Reason: "llm failure"}
		}
	}
	return e.router.Adjudicate(base, candidates, &pick)
}

// caseFromHit materializes a case record from a remote hit's source
// payload, for hits that have no local counterpart.
func caseFromHit(h backend.Hit) kb.Case {
	c := kb.Case{
		ID:          h.ID,
		Text:        h.SourceString("text"),
		System:      h.SourceString("system"),
		Part:        h.SourceString("part"),
		VehicleType: h.SourceString("vehicletype"),
		FaultCode:   h.SourceString("faultcode"),
		Popularity:  h.SourceFloat("popularity"),
	}
	if raw, ok := h.Source["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				c.Tags = append(c.Tags, s)
			}
		}
	}
	known := map[string]bool{
		"text": true, "system": true, "part": true, "tags": true,
		"vehicletype": true, "faultcode": true, "popularity": true,
	}
	for k, v := range h.Source {
		if !known[k] {
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
	return c
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
