package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/output"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge-base statistics",
		Long: `Summarize the indexed corpus: document count, system and vehicle-type
distributions, and popularity. Reads from the remote backend when one is
configured, otherwise from the local knowledge base.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStats(ctx context.Context, jsonOutput bool) error {
	settings, err := config.Load("")
	if err != nil {
		return err
	}
	out := output.New(os.Stdout)

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
		var loaded *kb.LoadResult
		loaded, err = kb.Load(settings.Paths.DataFile)
		if err == nil {
			searcher, err = backend.NewBleveBackend(loaded.Cases)
		}
	}
	if err != nil {
		out.Failure("Stats unavailable", err)
		return err
	}
	defer func() { _ = searcher.Close() }()

	stats, err := searcher.Stats(ctx)
	if err != nil {
		out.Failure("Stats query failed", err)
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"doc_count":      stats.DocCount,
			"systems":        stats.Systems,
			"vehicletypes":   stats.VehicleTypes,
			"popularity_avg": stats.PopularityAvg,
			"popularity_max": stats.PopularityMax,
		})
	}

	out.Stats(stats.DocCount, stats.Systems, stats.VehicleTypes,
		stats.PopularityAvg, stats.PopularityMax)
	return nil
}
