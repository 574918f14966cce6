package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/match"
	"github.com/autokb/faultmatch/internal/output"
)

func newMatchCmd() *cobra.Command {
	var (
		system      string
		part        string
		vehicleType string
		topN        int
		useLLM      bool
		hybrid      bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "match <query>",
		Short: "Match one fault description against the knowledge base",
		Long: `Run the full matching pipeline for a single query and print the routed
decision with the top candidates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd.Context(), args[0], matchOptions{
				system:      system,
				part:        part,
				vehicleType: vehicleType,
				topN:        topN,
				useLLM:      useLLM,
				hybrid:      hybrid,
				jsonOutput:  jsonOutput,
			})
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "System hint (e.g. 制动)")
	cmd.Flags().StringVar(&part, "part", "", "Part hint (e.g. 制动踏板)")
	cmd.Flags().StringVar(&vehicleType, "vehicletype", "", "Vehicle type hint")
	cmd.Flags().IntVar(&topN, "topn", 0, "Candidates to return (default from config)")
	cmd.Flags().BoolVar(&useLLM, "llm", false, "Adjudicate gray-zone decisions with the LLM")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "Fuse the remote backend as an extra source")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the response as JSON")

	return cmd
}

type matchOptions struct {
	system      string
	part        string
	vehicleType string
	topN        int
	useLLM      bool
	hybrid      bool
	jsonOutput  bool
}

func runMatch(ctx context.Context, query string, opts matchOptions) error {
	settings, err := config.Load("")
	if err != nil {
		return err
	}

	// Keep stdout clean for the result; startup noise goes to stderr.
	p, err := buildPipeline(ctx, settings, slog.New(slog.DiscardHandler))
	if err != nil {
		output.New(os.Stderr).Failure("Startup failed", err)
		return err
	}
	defer p.Close()

	resp, err := p.engine.Match(ctx, match.Query{
		Text: query,
		Hints: match.Hints{
			System:      opts.system,
			Part:        opts.part,
			VehicleType: opts.vehicleType,
		},
		TopN:      opts.topN,
		UseLLM:    opts.useLLM,
		UseRemote: opts.hybrid,
	})
	if err != nil {
		output.New(os.Stderr).Failure("Match failed", err)
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	output.New(os.Stdout).Match(resp)
	return nil
}
