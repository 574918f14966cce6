package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/match"
	"github.com/autokb/faultmatch/internal/store"
)

type fakeKeyword struct {
	hits []store.KeywordResult
	err  error
}

func (f *fakeKeyword) Search(_ context.Context, _ string, _ int) ([]store.KeywordResult, error) {
	return f.hits, f.err
}
func (f *fakeKeyword) Count() int        { return len(f.hits) }
func (f *fakeKeyword) Save(string) error { return nil }
func (f *fakeKeyword) Load(string) error { return nil }
func (f *fakeKeyword) Close() error      { return nil }

type fakeVector struct {
	hits []store.VectorResult
	err  error
}

func (f *fakeVector) Add(_ context.Context, _ []string, _ [][]float32) error { return nil }
func (f *fakeVector) Search(_ context.Context, _ []float32, _ int) ([]store.VectorResult, error) {
	return f.hits, f.err
}
func (f *fakeVector) Count() int        { return len(f.hits) }
func (f *fakeVector) Save(string) error { return nil }
func (f *fakeVector) Load(string) error { return nil }
func (f *fakeVector) Close() error      { return nil }

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (f *fakeEmbedder) Dimensions() int                  { return 2 }
func (f *fakeEmbedder) ModelName() string                { return "fake" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                     { return nil }

type fakeBackend struct {
	result    *backend.Result
	stats     *backend.Stats
	err       error
	available bool
}

func (f *fakeBackend) Search(_ context.Context, _ backend.Request) (*backend.Result, error) {
	return f.result, f.err
}
func (f *fakeBackend) Stats(_ context.Context) (*backend.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}
func (f *fakeBackend) SupportsVector() bool             { return false }
func (f *fakeBackend) Available(_ context.Context) bool { return f.available }
func (f *fakeBackend) Close() error                     { return nil }

func serverCases() []kb.Case {
	return []kb.Case{
		{ID: "P001", Text: "制动踏板变软，制动距离变长", System: "制动", Part: "制动踏板", Popularity: 120},
		{ID: "P002", Text: "发动机怠速抖动", System: "发动机", Popularity: 10},
		{ID: "P003", Text: "空调出风无力", System: "空调", Popularity: 5},
		{ID: "P004", Text: "转向沉重", System: "转向", Popularity: 4},
		{ID: "P005", Text: "车窗升降缓慢", System: "车身电气", Popularity: 3},
	}
}

func testServer(kw *fakeKeyword, vec *fakeVector, remote backend.Searcher) *Server {
	router := match.NewRouter(match.Thresholds{Pass: 0.84, GrayLow: 0.65})
	fusion := match.NewFusion(calib.DefaultWeights(), 0)

	engineOpts := []match.Option{}
	if remote != nil {
		engineOpts = append(engineOpts, match.WithRemote(remote))
	}
	engine := match.NewEngine(serverCases(), kw, vec, &fakeEmbedder{}, fusion, router, engineOpts...)

	var remoteMatcher *match.RemoteMatcher
	var statsBackend backend.Searcher
	if remote != nil {
		remoteMatcher = match.NewRemoteMatcher(remote, router, match.RemoteMatcherConfig{})
		statsBackend = remote
	}

	return New(Config{
		Engine:            engine,
		Remote:            remoteMatcher,
		Backend:           statsBackend,
		SemanticAvailable: true,
		DataSources:       []string{"keyword", "semantic"},
		Weights:           calib.DefaultWeights(),
	})
}

func strongKeywordHits() []store.KeywordResult {
	return []store.KeywordResult{
		{ID: "P001", Score: 30.0}, {ID: "P002", Score: 2.0},
		{ID: "P003", Score: 1.5}, {ID: "P004", Score: 1.0}, {ID: "P005", Score: 0.8},
	}
}

func TestServer_Health(t *testing.T) {
	s := testServer(&fakeKeyword{}, &fakeVector{}, &fakeBackend{available: true})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["opensearch_available"])
	assert.Equal(t, true, body["semantic_available"])
}

func TestServer_MatchRequiresQuery(t *testing.T) {
	s := testServer(&fakeKeyword{}, &fakeVector{}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/match", nil))

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeQueryEmpty, body["error"])
}

func TestServer_MatchReturnsFusedResponse(t *testing.T) {
	s := testServer(&fakeKeyword{hits: strongKeywordHits()}, &fakeVector{}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/match?q=刹车发软&system=制动&part=制动踏板&topn_return=2&use_llm=false", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp match.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "刹车发软", resp.Query)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.LessOrEqual(t, len(resp.Top), 2)
	assert.NotEmpty(t, resp.Decision.Mode)
	assert.Contains(t, resp.Metadata.Sources, match.SourceKeyword)
}

func TestServer_MatchAllSourcesFailedIs502(t *testing.T) {
	boom := errors.New(errors.ErrCodeSearchFailed, "broken", nil)
	s := testServer(&fakeKeyword{err: boom}, &fakeVector{err: boom}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/match?q=刹车", nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeAllSourcesFailed, body["error"])

	decision := body["decision"].(map[string]any)
	assert.Equal(t, "no_match", decision["mode"])
}

func TestServer_HybridUsesRemoteSource(t *testing.T) {
	remote := &fakeBackend{
		available: true,
		result: &backend.Result{
			Total: 1,
			Hits: []backend.Hit{{
				ID: "R100", Score: 12.0,
				Source: map[string]any{"text": "远程案例", "system": "制动"},
			}},
		},
	}
	s := testServer(&fakeKeyword{hits: strongKeywordHits()}, &fakeVector{}, remote)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/match/hybrid?q=刹车发软&use_llm=false", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp match.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Metadata.Sources, match.SourceRemote)
}

func TestServer_OpenSearchMatch(t *testing.T) {
	remote := &fakeBackend{
		available: true,
		result: &backend.Result{
			Total: 2,
			Hits: []backend.Hit{
				{ID: "R001", Score: 10.0, Source: map[string]any{"text": "制动踏板变软"}},
				{ID: "R002", Score: 2.0, Source: map[string]any{"text": "发动机异响"}},
			},
		},
	}
	s := testServer(&fakeKeyword{}, &fakeVector{}, remote)

	payload, _ := json.Marshal(map[string]any{"q": "刹车发软", "size": 5})
	req := httptest.NewRequest(http.MethodPost, "/opensearch/match", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "刹车发软", body["query"])
	assert.NotNil(t, body["decision"], "use_decision defaults to true")
	metadata := body["metadata"].(map[string]any)
	assert.Equal(t, false, metadata["semantic_used"])
}

func TestServer_OpenSearchMatchZeroSemanticWeight(t *testing.T) {
	remote := &fakeBackend{
		available: true,
		result: &backend.Result{
			Total: 1,
			Hits:  []backend.Hit{{ID: "R001", Score: 10.0, Source: map[string]any{"text": "制动踏板变软"}}},
		},
	}
	s := testServer(&fakeKeyword{}, &fakeVector{}, remote)

	payload, _ := json.Marshal(map[string]any{"q": "刹车发软", "semantic_weight": 0})
	req := httptest.NewRequest(http.MethodPost, "/opensearch/match", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	metadata := body["metadata"].(map[string]any)
	assert.Equal(t, 0.0, metadata["semantic_weight"], "explicit zero is not swapped for the default")
}

func TestServer_OpenSearchMatchValidation(t *testing.T) {
	s := testServer(&fakeKeyword{}, &fakeVector{}, &fakeBackend{available: true,
		result: &backend.Result{}})

	// Missing q.
	payload, _ := json.Marshal(map[string]any{"size": 5})
	req := httptest.NewRequest(http.MethodPost, "/opensearch/match", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed body.
	req = httptest.NewRequest(http.MethodPost, "/opensearch/match",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_OpenSearchStats(t *testing.T) {
	remote := &fakeBackend{
		available: true,
		stats: &backend.Stats{
			DocCount:      42,
			Systems:       map[string]int{"制动": 12},
			VehicleTypes:  map[string]int{"轿车": 30},
			PopularityAvg: 55.5,
			PopularityMax: 300,
		},
	}
	s := testServer(&fakeKeyword{}, &fakeVector{}, remote)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/opensearch/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 42.0, body["doc_count"])
	weights := body["fusion_weights"].(map[string]any)
	assert.Equal(t, 0.55, weights["rerank"])
}

func TestServer_StatsWithoutBackendIs503(t *testing.T) {
	s := testServer(&fakeKeyword{}, &fakeVector{}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/opensearch/stats", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
