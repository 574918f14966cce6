package match

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/textnorm"
)

// Remote-path defaults and blend constants.
const (
	DefaultRemoteSize     = 10
	DefaultSemanticWeight = 0.6
	DefaultVectorK        = 50

	// Flat bonuses stacked on the lexical/semantic blend.
	popularityBonus = 0.05
	searchBonus     = 0.05
	// searchNormDivisor scales the raw search counter into [0,1].
	searchNormDivisor = 50.0

	// Truncation lengths for gray alternatives and reject suggestions.
	alternativeTextLen = 100
	suggestionTextLen  = 50
	// Gray alternatives cover ranks 2..4.
	alternativeCount = 3
)

// RemoteQuery is one remote-only matching request.
type RemoteQuery struct {
	Query   string
	Filters backend.Filters

	// Size bounds the returned hits (default 10).
	Size int
	// UseDecision attaches a routing decision to the response.
	UseDecision bool
	// UseSemantic adds a kNN pass when the backend supports it.
	UseSemantic bool
	// SemanticWeight blends semantic against lexical. Nil means the 0.6
	// default; an explicit 0 runs the blend lexical-only.
	SemanticWeight *float64
	// VectorK is the kNN candidate count (default 50).
	VectorK int
	// UseLLM enables closed-set adjudication for gray decisions.
	UseLLM bool
	// LLMTopN caps the candidates submitted to the picker (default 5).
	LLMTopN int
}

// RemoteDecision extends the routing verdict with the recovery payloads
// the remote path returns: near-miss alternatives for gray decisions and
// query suggestions for rejections.
type RemoteDecision struct {
	Decision
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Suggestions  []string      `json:"suggestions,omitempty"`
}

// Alternative is a runner-up candidate attached to a gray decision.
type Alternative struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	FinalScore float64 `json:"final_score"`
}

// RemoteResponse is the remote-only matching result.
type RemoteResponse struct {
	Query    string          `json:"query"`
	Total    int             `json:"total"`
	Top      []CaseResult    `json:"top"`
	Decision *RemoteDecision `json:"decision,omitempty"`
	Metadata map[string]any  `json:"metadata"`
}

// RemoteMatcherConfig wires the optional collaborators of a RemoteMatcher.
type RemoteMatcherConfig struct {
	// Embedder supplies query vectors for the kNN pass; nil disables it.
	Embedder embed.Embedder
	// Picker adjudicates gray decisions; nil disables the LLM stage.
	Picker llm.Picker
	Logger *slog.Logger
	// Timeout bounds each backend round-trip.
	Timeout time.Duration
	// P95 anchors popularity normalization.
	P95 float64
}

// RemoteMatcher scores queries purely against the search backend: one
// lexical pass, an optional kNN pass, a per-request calibrated blend,
// and the same gray-zone routing the local pipeline uses.
type RemoteMatcher struct {
	searcher backend.Searcher
	router   *Router
	embedder embed.Embedder
	picker   llm.Picker
	logger   *slog.Logger
	timeout  time.Duration
	p95      float64
}

// NewRemoteMatcher creates a matcher over searcher.
func NewRemoteMatcher(searcher backend.Searcher, router *Router, cfg RemoteMatcherConfig) *RemoteMatcher {
	m := &RemoteMatcher{
		searcher: searcher,
		router:   router,
		embedder: cfg.Embedder,
		picker:   cfg.Picker,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		p95:      cfg.P95,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}
	if m.p95 <= 0 {
		m.p95 = defaultP95()
	}
	return m
}

// Match runs one remote-only request. The lexical pass is mandatory and
// its failure fails the request; the kNN pass degrades to lexical-only.
func (m *RemoteMatcher) Match(ctx context.Context, q RemoteQuery) (*RemoteResponse, error) {
	normalized := textnorm.Normalize(q.Query)
	if normalized == "" {
		return nil, errors.New(errors.ErrCodeQueryEmpty, "query empty after normalization", nil)
	}

	size := q.Size
	if size <= 0 {
		size = DefaultRemoteSize
	}
	sw := DefaultSemanticWeight
	if q.SemanticWeight != nil {
		sw = calib.Clamp01(*q.SemanticWeight)
	}
	vectorK := q.VectorK
	if vectorK <= 0 {
		vectorK = DefaultVectorK
	}
	llmTopN := q.LLMTopN
	if llmTopN <= 0 {
		llmTopN = llm.DefaultMaxCandidates
	}

	lexical, err := m.lexicalSearch(ctx, normalized, q.Filters, size)
	if err != nil {
		return nil, err
	}

	var semantic *backend.Result
	semanticUsed := false
	if q.UseSemantic && m.embedder != nil && m.searcher.SupportsVector() {
		semantic, err = m.vectorSearch(ctx, normalized, vectorK)
		if err != nil {
			m.logger.Warn("knn pass degraded to lexical-only", slog.Any("error", err))
		} else {
			semanticUsed = true
		}
	}

	candidates, bm25Stats, semStats := m.score(lexical, semantic, sw, semanticUsed)

	top := candidates
	if len(top) > size {
		top = top[:size]
	}
	results := make([]CaseResult, 0, len(top))
	for _, c := range top {
		results = append(results, resultFromCandidate(c))
	}

	resp := &RemoteResponse{
		Query: normalized,
		Total: lexical.Total,
		Top:   results,
		Metadata: map[string]any{
			"semantic_used":       semanticUsed,
			"semantic_weight":     sw,
			"vector_k":            vectorK,
			"keyword_size":        len(lexical.Hits),
			"bm25_stats":          statsMeta(bm25Stats),
			"semantic_stats":      statsMeta(semStats),
			"llm_used":            false,
			"llm_candidate_count": 0,
		},
	}

	if q.UseDecision {
		resp.Decision = m.decide(ctx, normalized, candidates, q.UseLLM, llmTopN, resp.Metadata)
	}
	return resp, nil
}

func (m *RemoteMatcher) lexicalSearch(ctx context.Context, query string, filters backend.Filters, size int) (*backend.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	result, err := m.searcher.Search(sctx, backend.Request{
		Query:     query,
		Filters:   filters,
		Size:      size,
		Highlight: true,
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "lexical search failed", err)
	}
	return result, nil
}

func (m *RemoteMatcher) vectorSearch(ctx context.Context, query string, vectorK int) (*backend.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	vec, err := m.embedder.Embed(sctx, query)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "query embedding failed", err)
	}
	return m.searcher.Search(sctx, backend.Request{
		Vector:  vec,
		VectorK: vectorK,
		Size:    vectorK,
	})
}

// score merges the two passes by id, calibrates each family against its
// own per-request statistics, and blends them with the flat popularity
// and search-frequency bonuses. With no semantic scores the blend runs
// lexical-only rather than leaving the semantic share on the table.
func (m *RemoteMatcher) score(lexical, semantic *backend.Result, sw float64, semanticUsed bool) ([]*Candidate, *calib.Stats, *calib.Stats) {
	union := make(map[string]*Candidate, len(lexical.Hits))
	order := make([]string, 0, len(lexical.Hits))

	for _, hit := range lexical.Hits {
		score := hit.Score
		c := &Candidate{
			ID:        hit.ID,
			Case:      caseFromHit(hit),
			BM25Raw:   &score,
			Highlight: hit.Highlight,
		}
		c.addSource(SourceRemote)
		union[hit.ID] = c
		order = append(order, hit.ID)
	}
	if semantic != nil {
		for _, hit := range semantic.Hits {
			c, ok := union[hit.ID]
			if !ok {
				c = &Candidate{ID: hit.ID, Case: caseFromHit(hit)}
				c.addSource(SourceRemote)
				union[hit.ID] = c
				order = append(order, hit.ID)
			}
			if c.CosineRaw == nil {
				score := hit.Score
				c.CosineRaw = &score
			}
			c.addSource(SourceSemantic)
		}
	}

	var bm25, sem []float64
	for _, id := range order {
		c := union[id]
		if c.BM25Raw != nil {
			bm25 = append(bm25, *c.BM25Raw)
		}
		if c.CosineRaw != nil {
			sem = append(sem, *c.CosineRaw)
		}
	}
	bm25Stats := calib.ComputeStats(bm25)
	semStats := calib.ComputeStats(sem)

	blendSW := sw
	if !semanticUsed || semStats == nil {
		blendSW = 0
	}

	candidates := make([]*Candidate, 0, len(order))
	for _, id := range order {
		c := union[id]
		if c.BM25Raw != nil {
			c.BM25 = calib.LogisticFromStats(*c.BM25Raw, bm25Stats, 1.0)
		}
		if c.CosineRaw != nil {
			c.Cosine = calib.LogisticFromStats(*c.CosineRaw, semStats, 1.0)
		}
		c.PopularityNorm = popularityNorm(c.Case.Popularity, m.p95)
		searchNorm := calib.Clamp01(searchNum(c.Case) / searchNormDivisor)

		c.Final = calib.Clamp01(blendSW*c.Cosine + (1-blendSW)*c.BM25 +
			popularityBonus*c.PopularityNorm + searchBonus*searchNorm)

		c.Why = whyTags(c)
		c.finalizeSources()
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	return candidates, bm25Stats, semStats
}

// decide routes the scored candidates and attaches the remote-path
// recovery payloads: alternatives on gray, suggestions on reject.
func (m *RemoteMatcher) decide(ctx context.Context, query string, candidates []*Candidate,
	useLLM bool, llmTopN int, metadata map[string]any) *RemoteDecision {

	base := m.router.Decide(candidates)
	decision := &RemoteDecision{Decision: base}

	if base.Mode == ModeGray && useLLM && m.picker != nil {
		limit := llmTopN
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

		lctx, cancel := context.WithTimeout(ctx, llm.DefaultTimeout)
		pick, err := m.picker.Pick(lctx, query, submitted)
		cancel()
		if err != nil {
			m.logger.Warn("llm adjudication degraded", slog.Any("error", err))
			if pick.ChosenID == "" {
				pick = llm.Pick{ChosenID: llm.Unknown, Confidence: 0, Reason: "llm failure"}
			}
		}
		decision.Decision = m.router.Adjudicate(base, candidates, &pick)

		metadata["llm_used"] = true
		metadata["llm_candidate_count"] = len(submitted)
		metadata["llm_response"] = pick
	}

	switch decision.Mode {
	case ModeGray:
		decision.Alternatives = alternatives(candidates)
	case ModeReject:
		decision.Suggestions = suggestions(candidates)
	}
	return decision
}

// alternatives returns the gray runner-ups, ranks 2..4.
func alternatives(candidates []*Candidate) []Alternative {
	var out []Alternative
	for i := 1; i < len(candidates) && len(out) < alternativeCount; i++ {
		c := candidates[i]
		out = append(out, Alternative{
			ID:         c.ID,
			Text:       truncateRunes(c.Case.Text, alternativeTextLen),
			FinalScore: c.Final,
		})
	}
	return out
}

// suggestions returns the top texts as rephrasing hints on rejection.
func suggestions(candidates []*Candidate) []string {
	var out []string
	for i := 0; i < len(candidates) && len(out) < 3; i++ {
		out = append(out, truncateRunes(candidates[i].Case.Text, suggestionTextLen))
	}
	return out
}

// searchNum reads the upstream search counter preserved in the raw
// payload, trying the field aliases in upstream precedence order.
func searchNum(c kb.Case) float64 {
	for _, key := range []string{"searchNum", "search_num", "searchnum"} {
		if v, ok := c.Extra[key]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			}
		}
	}
	return 0
}

// statsMeta renders calibration statistics for the response metadata.
func statsMeta(s *calib.Stats) map[string]any {
	if s == nil {
		return nil
	}
	return map[string]any{
		"mean": s.Mean,
		"std":  s.Std,
		"min":  s.Min,
		"max":  s.Max,
		"n":    s.N,
	}
}

// truncateRunes shortens s to at most n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
