package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/logging"
	"github.com/autokb/faultmatch/internal/output"
	"github.com/autokb/faultmatch/internal/server"
)

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP matching service",
		Long: `Load the knowledge base, build or load the local indexes, and serve
the matching API over HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), listenAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "",
		"Listen address (overrides config, default :8000)")

	return cmd
}

func runServe(ctx context.Context, listenAddr string) error {
	settings, err := config.Load("")
	if err != nil {
		return err
	}
	if listenAddr != "" {
		settings.Server.ListenAddr = listenAddr
	}

	logger := serviceLogger(settings.Server.LogLevel)
	out := output.New(os.Stderr)

	out.Statusf("📚", "Loading knowledge base from %s", settings.Paths.DataFile)
	p, err := buildPipeline(ctx, settings, logger)
	if err != nil {
		out.Failure("Startup failed", err)
		return err
	}
	defer p.Close()
	out.Successf("Loaded %d cases (keyword=%d vectors=%d)",
		len(p.cases), p.keyword.Count(), p.vector.Count())

	dataSources := []string{"keyword", "semantic"}
	if settings.Remote.URL != "" {
		dataSources = append(dataSources, "remote")
	}
	srv := server.New(server.Config{
		Engine:            p.engine,
		Remote:            p.remote,
		Backend:           p.backend,
		SemanticAvailable: p.semantic,
		DataSources:       dataSources,
		Weights:           settings.Weights,
		Logger:            logger,
	})

	httpSrv := &http.Server{
		Addr:              settings.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		out.Statusf("🚀", "Listening on %s", settings.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	out.Status("🛑", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// serviceLogger builds the process logger. Under --debug the file logger
// installed by the root command is reused; otherwise logs go to stderr at
// the configured level.
func serviceLogger(level string) *slog.Logger {
	if debugMode {
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.LevelFromString(level),
	}))
}
