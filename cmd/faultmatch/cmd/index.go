package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/output"
	"github.com/autokb/faultmatch/internal/store"
)

func newIndexCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the local keyword and vector indexes",
		Long: `Load the knowledge base and build the TF-IDF keyword index and the
HNSW vector index, caching both on disk. Subsequent runs reuse the caches
unless the knowledge base is newer or --rebuild is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd.Context(), rebuild)
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false,
		"Discard existing index caches and rebuild from scratch")

	return cmd
}

func runIndex(ctx context.Context, rebuild bool) error {
	settings, err := config.Load("")
	if err != nil {
		return err
	}
	out := output.New(os.Stdout)

	if rebuild {
		for _, path := range []string{
			settings.Paths.TFIDFCachePath,
			settings.Paths.HNSWIndexPath,
		} {
			if path != "" {
				_ = os.Remove(path)
				_ = os.Remove(path + ".meta")
			}
		}
		out.Status("🧹", "Discarded existing index caches")
	}

	out.Statusf("📚", "Loading knowledge base from %s", settings.Paths.DataFile)
	loaded, err := kb.Load(settings.Paths.DataFile)
	if err != nil {
		out.Failure("Load failed", err)
		return err
	}
	if loaded.Skipped > 0 {
		out.Warningf("Skipped %d records without id or text", loaded.Skipped)
	}
	out.Statusf("", "%d cases loaded", len(loaded.Cases))

	docs := make([]store.Document, len(loaded.Cases))
	for i, c := range loaded.Cases {
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
		out.Failure("Embedder unavailable", err)
		return err
	}
	defer func() { _ = embedder.Close() }()
	out.Statusf("🧠", "Embedding model: %s (%d dims)",
		embedder.ModelName(), embedder.Dimensions())

	out.Status("🔤", "Building keyword index...")
	keyword, err := store.LoadOrBuildTFIDF(settings.Paths.TFIDFCachePath,
		settings.Paths.DataFile, store.DefaultTFIDFConfig(), docs)
	if err != nil {
		out.Failure("Keyword index failed", err)
		return err
	}
	defer func() { _ = keyword.Close() }()
	out.Statusf("", "keyword index ready: %d documents → %s",
		keyword.Count(), settings.Paths.TFIDFCachePath)

	out.Status("🧭", "Building vector index...")
	vector, err := store.LoadOrBuildHNSW(ctx, settings.Paths.HNSWIndexPath,
		settings.Paths.DataFile, store.DefaultVectorConfig(embedder.Dimensions()),
		docs, embedder.EmbedBatch)
	if err != nil {
		out.Failure("Vector index failed", err)
		return err
	}
	defer func() { _ = vector.Close() }()
	out.Statusf("", "vector index ready: %d vectors → %s",
		vector.Count(), settings.Paths.HNSWIndexPath)

	out.Success("Index complete")
	return nil
}
