package cmd

import (
	"context"
	"log/slog"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/match"
	"github.com/autokb/faultmatch/internal/rerank"
	"github.com/autokb/faultmatch/internal/store"
)

// pipeline bundles the fully wired matching stack for one process.
type pipeline struct {
	settings *config.Settings
	cases    []kb.Case
	engine   *match.Engine
	remote   *match.RemoteMatcher
	backend  backend.Searcher
	embedder embed.Embedder
	keyword  store.KeywordIndex
	vector   store.VectorIndex
	semantic bool
}

// Close releases the pipeline's indexes and clients.
func (p *pipeline) Close() {
	if p.keyword != nil {
		_ = p.keyword.Close()
	}
	if p.vector != nil {
		_ = p.vector.Close()
	}
	if p.embedder != nil {
		_ = p.embedder.Close()
	}
	if p.backend != nil {
		_ = p.backend.Close()
	}
}

// buildPipeline loads the knowledge base, loads or builds the local
// indexes, and wires the engine with whatever optional collaborators the
// settings enable. --offline forces the static embedder regardless of the
// configured model.
func buildPipeline(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*pipeline, error) {
	loaded, err := kb.Load(settings.Paths.DataFile)
	if err != nil {
		return nil, err
	}
	if loaded.Skipped > 0 {
		logger.Warn("skipped unusable knowledge-base records",
			slog.Int("skipped", loaded.Skipped))
	}
	cases := loaded.Cases

	docs := make([]store.Document, len(cases))
	for i, c := range cases {
		docs[i] = store.Document{ID: c.ID, Text: c.Text}
	}

	model := settings.Retrieve.EmbeddingModel
	if offlineMode {
		model = "static"
	}
	embedder, err := embed.NewEmbedder(embed.FactoryConfig{
		Model:     model,
		BaseURL:   settings.LLM.APIBase,
		APIKey:    settings.LLM.APIKey,
		CacheSize: 512,
		Timeout:   settings.Retrieve.SourceTimeout,
	})
	if err != nil {
		return nil, err
	}

	keyword, err := store.LoadOrBuildTFIDF(settings.Paths.TFIDFCachePath,
		settings.Paths.DataFile, store.DefaultTFIDFConfig(), docs)
	if err != nil {
		return nil, err
	}

	vector, err := store.LoadOrBuildHNSW(ctx, settings.Paths.HNSWIndexPath,
		settings.Paths.DataFile, store.DefaultVectorConfig(embedder.Dimensions()),
		docs, embedder.EmbedBatch)
	if err != nil {
		return nil, err
	}

	var searcher backend.Searcher
	if settings.Remote.URL != "" {
		searcher, err = backend.NewOpenSearchClient(backend.OpenSearchConfig{
			URL:      settings.Remote.URL,
			Index:    settings.Remote.Index,
			Username: settings.Remote.Username,
			Password: settings.Remote.Password,
			Insecure: settings.Remote.Insecure,
			Timeout:  settings.Remote.Timeout,
		})
	} else {
		searcher, err = backend.NewBleveBackend(cases)
	}
	if err != nil {
		return nil, err
	}

	router := match.NewRouter(match.Thresholds{
		Pass:    settings.PassThreshold,
		GrayLow: settings.GrayLowThreshold,
	})
	fusion := match.NewFusion(settings.Weights, settings.PopularityP95)

	opts := []match.Option{
		match.WithRemote(searcher),
		match.WithLogger(logger),
		match.WithSourceTimeout(settings.Retrieve.SourceTimeout),
		match.WithRerankTimeout(settings.Rerank.Timeout),
		match.WithLLMTimeout(settings.LLM.Timeout),
		match.WithRerankDepth(settings.Retrieve.KRerank),
		match.WithRetrievalDefaults(settings.Retrieve.TopKVec,
			settings.Retrieve.TopKKw, settings.Retrieve.TopNReturn),
		match.WithLLMCandidateCap(settings.LLM.TopN),
	}
	if settings.Rerank.URL != "" {
		reranker, err := rerank.NewHTTPReranker(rerank.HTTPConfig{
			URL:     settings.Rerank.URL,
			Model:   settings.Rerank.Model,
			Timeout: settings.Rerank.Timeout,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, match.WithReranker(reranker))
	}
	var picker llm.Picker
	if settings.LLM.Model != "" {
		p, err := llm.NewOpenAIPicker(llm.Config{
			BaseURL:       settings.LLM.APIBase,
			APIKey:        settings.LLM.APIKey,
			Model:         settings.LLM.Model,
			MaxCandidates: settings.LLM.TopN,
			Timeout:       settings.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		picker = p
		opts = append(opts, match.WithPicker(p))
	}

	engine := match.NewEngine(cases, keyword, vector, embedder, fusion, router, opts...)
	remote := match.NewRemoteMatcher(searcher, router, match.RemoteMatcherConfig{
		Embedder: embedder,
		Picker:   picker,
		Logger:   logger,
		Timeout:  settings.Remote.Timeout,
		P95:      settings.PopularityP95,
	})

	return &pipeline{
		settings: settings,
		cases:    cases,
		engine:   engine,
		remote:   remote,
		backend:  searcher,
		embedder: embedder,
		keyword:  keyword,
		vector:   vector,
		semantic: vector.Count() > 0,
	}, nil
}
