// Package cmd provides the CLI commands for faultmatch.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/logging"
	"github.com/autokb/faultmatch/pkg/version"
)

// Persistent flags shared by every subcommand.
var (
	offlineMode    bool
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the faultmatch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faultmatch",
		Short: "Fault-case retrieval with multi-source fusion and routing",
		Long: `faultmatch matches free-text fault descriptions against a case
knowledge base. Keyword, semantic, and remote retrieval are fused into one
calibrated score, and each query is routed to a direct answer, a gray-zone
LLM adjudication, or a rejection.

Run 'faultmatch index' once to build the local indexes, then
'faultmatch serve' to expose the HTTP API or 'faultmatch match' for
one-shot queries.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("faultmatch version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&offlineMode, "offline", false,
		"Use static embeddings (skip the remote embedding endpoint)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"Enable debug logging to ~/.faultmatch/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newMatchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging enables file-based debug logging when --debug is set.
func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled",
		slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

// stopLogging closes the debug log file.
func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
