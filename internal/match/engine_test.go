package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/calib"
	faulterrors "github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/rerank"
	"github.com/autokb/faultmatch/internal/store"
)

// --- stubs ---

type stubKeyword struct {
	hits []store.KeywordResult
	err  error
}

func (s *stubKeyword) Search(_ context.Context, _ string, k int) ([]store.KeywordResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if k < len(s.hits) {
		return s.hits[:k], nil
	}
	return s.hits, nil
}
func (s *stubKeyword) Count() int        { return len(s.hits) }
func (s *stubKeyword) Save(string) error { return nil }
func (s *stubKeyword) Load(string) error { return nil }
func (s *stubKeyword) Close() error      { return nil }

type stubVector struct {
	hits []store.VectorResult
	err  error
}

func (s *stubVector) Add(_ context.Context, _ []string, _ [][]float32) error { return nil }
func (s *stubVector) Search(_ context.Context, _ []float32, k int) ([]store.VectorResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if k < len(s.hits) {
		return s.hits[:k], nil
	}
	return s.hits, nil
}
func (s *stubVector) Count() int        { return len(s.hits) }
func (s *stubVector) Save(string) error { return nil }
func (s *stubVector) Load(string) error { return nil }
func (s *stubVector) Close() error      { return nil }

type stubEmbedder struct{ err error }

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}
func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (s *stubEmbedder) Dimensions() int                  { return 3 }
func (s *stubEmbedder) ModelName() string                { return "stub" }
func (s *stubEmbedder) Available(_ context.Context) bool { return true }
func (s *stubEmbedder) Close() error                     { return nil }

type stubReranker struct {
	results []rerank.Result
	err     error
	calls   int
}

func (s *stubReranker) Rerank(_ context.Context, _ string, _ []string) ([]rerank.Result, error) {
	s.calls++
	return s.results, s.err
}
func (s *stubReranker) Available(_ context.Context) bool { return s.err == nil }
func (s *stubReranker) Close() error                     { return nil }

type stubPicker struct {
	pick  llm.Pick
	err   error
	calls int
	query string
	seen  []llm.Candidate
}

func (s *stubPicker) Pick(_ context.Context, query string, candidates []llm.Candidate) (llm.Pick, error) {
	s.calls++
	s.query = query
	s.seen = candidates
	return s.pick, s.err
}

type stubBackend struct {
	result *backend.Result
	err    error
}

func (s *stubBackend) Search(_ context.Context, _ backend.Request) (*backend.Result, error) {
	return s.result, s.err
}
func (s *stubBackend) Stats(_ context.Context) (*backend.Stats, error) {
	return &backend.Stats{}, nil
}
func (s *stubBackend) SupportsVector() bool             { return false }
func (s *stubBackend) Available(_ context.Context) bool { return s.err == nil }
func (s *stubBackend) Close() error                     { return nil }

// --- fixtures ---

func brakeCorpus() []kb.Case {
	return []kb.Case{
		{ID: "P001", Text: "制动踏板变软，制动距离变长", System: "制动", Part: "制动踏板", Popularity: 120},
		{ID: "P002", Text: "发动机怠速抖动", System: "发动机", Part: "怠速马达", Popularity: 8},
		{ID: "P003", Text: "空调出风无力", System: "空调", Part: "鼓风机", Popularity: 5},
		{ID: "P004", Text: "转向沉重", System: "转向", Part: "助力泵", Popularity: 4},
		{ID: "P005", Text: "车窗升降缓慢", System: "车身电气", Part: "玻璃升降器", Popularity: 3},
		{ID: "P006", Text: "低速刹车时有金属摩擦异响", System: "制动", Part: "刹车片", Popularity: 80},
		{ID: "P007", Text: "发动机怠速异响", System: "发动机", Part: "怠速马达", Popularity: 20},
	}
}

// dominantHits gives id a clear lead over a tail of weak candidates so
// the per-request normalization leaves the top well separated.
func dominantKeyword(id string) []store.KeywordResult {
	hits := []store.KeywordResult{{ID: id, Score: 30.0}}
	tail := []store.KeywordResult{
		{ID: "P002", Score: 2.0}, {ID: "P003", Score: 1.5},
		{ID: "P004", Score: 1.0}, {ID: "P005", Score: 0.8},
	}
	return append(hits, tail...)
}

func dominantSemantic(id string) []store.VectorResult {
	hits := []store.VectorResult{{ID: id, Cosine: 0.92}}
	tail := []store.VectorResult{
		{ID: "P002", Cosine: 0.40}, {ID: "P003", Cosine: 0.35},
		{ID: "P004", Cosine: 0.33}, {ID: "P005", Cosine: 0.30},
	}
	return append(hits, tail...)
}

func newTestEngine(kw *stubKeyword, vec *stubVector, opts ...Option) *Engine {
	return NewEngine(brakeCorpus(), kw, vec, &stubEmbedder{},
		NewFusion(calib.DefaultWeights(), 0),
		NewRouter(Thresholds{Pass: 0.84, GrayLow: 0.65}),
		opts...)
}

// --- scenarios ---

func TestEngine_DirectHit(t *testing.T) {
	// Given a brake query with matching facet hints and a dominant case.
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{hits: dominantSemantic("P001")},
	)

	resp, err := e.Match(context.Background(), Query{
		Text:  "刹车发软 车身发飘",
		Hints: Hints{System: "制动", Part: "制动踏板"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Top)
	top := resp.Top[0]
	assert.Equal(t, "P001", top.ID)
	assert.GreaterOrEqual(t, top.FinalScore, 0.84)
	assert.Equal(t, ModeDirect, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.ChosenID)
	assert.Equal(t, "P001", *resp.Decision.ChosenID)
	assert.Subset(t, top.Why, []string{WhySemanticClose, WhySystemMatch})
	assert.Equal(t, []Source{SourceKeyword, SourceSemantic}, resp.Metadata.Sources)
	assert.Len(t, resp.Top, 3)
}

func TestEngine_GrayThenLLMUpgrade(t *testing.T) {
	picker := &stubPicker{pick: llm.Pick{
		ChosenID: "P006", Confidence: 0.72, Reason: "更符合异响描述",
	}}
	// No hints: the kg prior stays zero and the top lands in the gray band.
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P006")},
		&stubVector{hits: dominantSemantic("P006")},
		WithPicker(picker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "车子有异响", UseLLM: true})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P006", resp.Top[0].ID)
	assert.GreaterOrEqual(t, resp.Top[0].FinalScore, 0.65)
	assert.Less(t, resp.Top[0].FinalScore, 0.84)

	assert.Equal(t, ModeLLM, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.ChosenID)
	assert.Equal(t, "P006", *resp.Decision.ChosenID)
	assert.Equal(t, 0.72, resp.Decision.Confidence)
	require.NotNil(t, resp.Decision.LLM)
	assert.True(t, resp.Metadata.LLMUsed)

	assert.Equal(t, 1, picker.calls)
	assert.LessOrEqual(t, len(picker.seen), llm.DefaultMaxCandidates)
	assert.Equal(t, "P006", picker.seen[0].ID)
}

func TestEngine_GrayThenUnknownStaysGray(t *testing.T) {
	picker := &stubPicker{pick: llm.Pick{ChosenID: llm.Unknown, Reason: "候选均不匹配"}}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P006")},
		&stubVector{hits: dominantSemantic("P006")},
		WithPicker(picker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "车子有异响", UseLLM: true})
	require.NoError(t, err)

	assert.Equal(t, ModeGray, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.ChosenID)
	assert.Equal(t, "P006", *resp.Decision.ChosenID)
	require.NotNil(t, resp.Decision.LLM)
	assert.NotEmpty(t, resp.Decision.LLM.Reason)
}

func TestEngine_Reject(t *testing.T) {
	// A lone weak candidate normalizes to 0.5 per family; with no hints
	// and no popularity the fused score stays below the gray band.
	e := newTestEngine(
		&stubKeyword{hits: []store.KeywordResult{{ID: "P005", Score: 0.4}}},
		&stubVector{hits: nil},
	)

	resp, err := e.Match(context.Background(), Query{Text: "做饭洗衣服"})
	require.NoError(t, err)

	assert.Equal(t, ModeReject, resp.Decision.Mode)
	assert.Nil(t, resp.Decision.ChosenID)
	assert.Less(t, resp.Decision.Confidence, 0.65)
}

func TestEngine_PartialFailureKeepsKeywordSource(t *testing.T) {
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{err: faulterrors.New(faulterrors.ErrCodeSearchFailed, "hnsw exploded", nil)},
	)

	resp, err := e.Match(context.Background(), Query{Text: "刹车发软"})
	require.NoError(t, err)

	assert.Equal(t, []Source{SourceKeyword}, resp.Metadata.Sources)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.Zero(t, resp.Top[0].Cosine)
	assert.NotContains(t, resp.Top[0].Sources, SourceSemantic)
}

func TestEngine_AllSourcesFailed(t *testing.T) {
	e := newTestEngine(
		&stubKeyword{err: faulterrors.New(faulterrors.ErrCodeSearchFailed, "tfidf broken", nil)},
		&stubVector{err: faulterrors.New(faulterrors.ErrCodeSearchFailed, "hnsw broken", nil)},
	)

	resp, err := e.Match(context.Background(), Query{Text: "刹车发软"})
	require.Error(t, err)
	assert.Equal(t, faulterrors.ErrCodeAllSourcesFailed, faulterrors.GetCode(err))

	require.NotNil(t, resp)
	assert.Equal(t, ModeNoMatch, resp.Decision.Mode)
	assert.Empty(t, resp.Top)
}

func TestEngine_EmptyQueryAfterNormalization(t *testing.T) {
	e := newTestEngine(&stubKeyword{}, &stubVector{})

	resp, err := e.Match(context.Background(), Query{Text: "   　  "})
	require.NoError(t, err)

	assert.Equal(t, ModeNoMatch, resp.Decision.Mode)
	assert.Equal(t, "empty query", resp.Decision.Reason)
	assert.Empty(t, resp.Top)
}

func TestEngine_WeightOverrideFollowsKeywordOrdering(t *testing.T) {
	// bm25 carries all weight; the semantic retriever disagrees on order.
	e := NewEngine(brakeCorpus(),
		&stubKeyword{hits: []store.KeywordResult{
			{ID: "P002", Score: 9.0}, {ID: "P001", Score: 6.0}, {ID: "P003", Score: 1.0},
		}},
		&stubVector{hits: []store.VectorResult{
			{ID: "P003", Cosine: 0.95}, {ID: "P001", Cosine: 0.60}, {ID: "P002", Cosine: 0.10},
		}},
		&stubEmbedder{},
		NewFusion(calib.Weights{BM25: 1.0}, 0),
		NewRouter(Thresholds{Pass: 0.84, GrayLow: 0.65}),
	)

	resp, err := e.Match(context.Background(), Query{Text: "异响"})
	require.NoError(t, err)

	require.Len(t, resp.Top, 3)
	assert.Equal(t, "P002", resp.Top[0].ID)
	assert.Equal(t, "P001", resp.Top[1].ID)
	assert.Equal(t, "P003", resp.Top[2].ID)
}

func TestEngine_RerankReordersTop(t *testing.T) {
	// The cross-encoder strongly prefers the keyword runner-up.
	reranker := &stubReranker{results: []rerank.Result{
		{Index: 1, Score: 0.98, Raw: 4.0},
		{Index: 0, Score: 0.25, Raw: -1.1},
		{Index: 2, Score: 0.10, Raw: -2.2},
	}}
	e := newTestEngine(
		&stubKeyword{hits: []store.KeywordResult{
			{ID: "P001", Score: 9.0}, {ID: "P006", Score: 8.0}, {ID: "P002", Score: 1.0},
		}},
		&stubVector{hits: nil},
		WithReranker(reranker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "低速刹车有异响"})
	require.NoError(t, err)

	assert.Equal(t, 1, reranker.calls)
	assert.True(t, resp.Metadata.RerankUsed)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P006", resp.Top[0].ID)
	assert.Contains(t, resp.Top[0].Sources, SourceRerank)
}

func TestEngine_RerankFailureFallsBack(t *testing.T) {
	reranker := &stubReranker{err: faulterrors.New(faulterrors.ErrCodeRerankFailed, "tei down", nil)}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{hits: dominantSemantic("P001")},
		WithReranker(reranker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "刹车发软"})
	require.NoError(t, err)

	assert.False(t, resp.Metadata.RerankUsed)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.Zero(t, resp.Top[0].RerankScore)
}

func TestEngine_LLMNotInvokedOutsideGrayBand(t *testing.T) {
	picker := &stubPicker{pick: llm.Pick{ChosenID: "P001", Confidence: 0.99}}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{hits: dominantSemantic("P001")},
		WithPicker(picker),
	)

	resp, err := e.Match(context.Background(), Query{
		Text:   "刹车发软 车身发飘",
		Hints:  Hints{System: "制动", Part: "制动踏板"},
		UseLLM: true,
	})
	require.NoError(t, err)

	assert.Equal(t, ModeDirect, resp.Decision.Mode)
	assert.Equal(t, 0, picker.calls)
	assert.False(t, resp.Metadata.LLMUsed)
}

func TestEngine_LLMDisabledKeepsGray(t *testing.T) {
	picker := &stubPicker{pick: llm.Pick{ChosenID: "P006", Confidence: 0.9}}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P006")},
		&stubVector{hits: dominantSemantic("P006")},
		WithPicker(picker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "车子有异响", UseLLM: false})
	require.NoError(t, err)

	assert.Equal(t, ModeGray, resp.Decision.Mode)
	assert.Equal(t, 0, picker.calls)
}

func TestEngine_LLMFailureDegradesToGray(t *testing.T) {
	picker := &stubPicker{
		pick: llm.Pick{ChosenID: llm.Unknown, Reason: "llm parse failure"},
		err:  faulterrors.New(faulterrors.ErrCodeLLMFailed, "malformed response", nil),
	}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P006")},
		&stubVector{hits: dominantSemantic("P006")},
		WithPicker(picker),
	)

	resp, err := e.Match(context.Background(), Query{Text: "车子有异响", UseLLM: true})
	require.NoError(t, err)

	assert.Equal(t, ModeGray, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.ChosenID)
	assert.Equal(t, "P006", *resp.Decision.ChosenID)
	require.NotNil(t, resp.Decision.LLM)
}

func TestEngine_HybridRemoteSourceFused(t *testing.T) {
	remote := &stubBackend{result: &backend.Result{
		Total: 1,
		Hits: []backend.Hit{{
			ID:    "R100",
			Score: 15.0,
			Source: map[string]any{
				"text": "远程独有：制动异响案例", "system": "制动", "popularity": 40.0,
			},
			Highlight: map[string][]string{"text": {"<mark>制动</mark>异响案例"}},
		}},
	}}
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{hits: dominantSemantic("P001")},
		WithRemote(remote),
	)

	resp, err := e.Match(context.Background(), Query{Text: "刹车异响", UseRemote: true})
	require.NoError(t, err)

	assert.Equal(t, []Source{SourceKeyword, SourceSemantic, SourceRemote}, resp.Metadata.Sources)

	var remoteHit *CaseResult
	for i := range resp.Top {
		if resp.Top[i].ID == "R100" {
			remoteHit = &resp.Top[i]
		}
	}
	if remoteHit != nil {
		assert.Equal(t, "远程独有：制动异响案例", remoteHit.Text)
		assert.Contains(t, remoteHit.Sources, SourceRemote)
	}
	assert.Equal(t, 6, resp.Total, "remote-only hit joins the union")
}

func TestEngine_TopNRespected(t *testing.T) {
	e := newTestEngine(
		&stubKeyword{hits: dominantKeyword("P001")},
		&stubVector{hits: dominantSemantic("P001")},
	)

	resp, err := e.Match(context.Background(), Query{Text: "刹车发软", TopN: 2})
	require.NoError(t, err)

	assert.Len(t, resp.Top, 2)
	assert.Equal(t, 5, resp.Total, "total reflects the full union")
}
