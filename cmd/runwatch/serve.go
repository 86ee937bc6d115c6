package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/runwatch/pkg/api"
	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/broadcast"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/monitor"
	"github.com/ethpandaops/runwatch/pkg/orchestrator"
)

var runnerShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and execution orchestrator",
	Long: `Start the HTTP API. Submitted executions are supervised by this
process; live status is shared with other instances over redis when enabled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&runnerShutdownTimeout, "runner-shutdown-timeout", 30*time.Second,
		"how long to wait for supervised runners on shutdown")
}

// newRelay connects to redis when enabled. A failed connection is not
// fatal: the hub runs local-only.
func newRelay(ctx context.Context, cfg *config.Config) broadcast.Relay {
	if !cfg.Redis.Enabled {
		return nil
	}

	relay, err := broadcast.NewRedisRelay(ctx, log, cfg.Redis.URL, cfg.Redis.Channel)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, live updates stay local to this instance")

		return nil
	}

	return relay
}

// newArchiver creates the report archiver when enabled and checks the
// bucket is writable before any execution is accepted.
func newArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil //nolint:nilnil // disabled is not an error
	}

	archiver, err := archive.NewS3Archiver(log, &cfg.Archive.S3)
	if err != nil {
		return nil, fmt.Errorf("creating archiver: %w", err)
	}

	if err := archiver.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("archive preflight check failed: %w", err)
	}

	log.Info("Archive preflight check passed")

	return archiver, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	mon, err := monitor.New(log, st, monitor.Config{
		Concurrency: cfg.Recording.Concurrency,
		CacheSize:   cfg.Recording.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("creating status service: %w", err)
	}

	hub := broadcast.NewHub(log, broadcast.Config{
		ExecutionInterval: cfg.Broadcast.ExecutionTick(),
		ActiveInterval:    cfg.Broadcast.ActiveTick(),
		QueueSize:         cfg.Broadcast.QueueSize,
	}, mon, newRelay(ctx, cfg))

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	mon.SetNotifier(hub)

	orch := orchestrator.New(log, orchestrator.Options{
		Store:       st,
		Notifier:    hub,
		Archiver:    archiver,
		Runner:      cfg.Runner,
		Environment: cfg.Global.Environment,
	})

	srv := api.NewServer(log, &cfg.Server, api.Options{
		Orchestrator: orch,
		Monitor:      mon,
		Hub:          hub,
		Archiver:     archiver,
	})

	if err := srv.Start(ctx); err != nil {
		_ = hub.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), runnerShutdownTimeout)
	defer shutdownCancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).
			WithField("active", orch.Active()).
			Warn("Supervised runners still running at shutdown")
	}

	if err := hub.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop broadcaster")
	}

	return nil
}
