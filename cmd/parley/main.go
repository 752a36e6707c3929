// Parley elicitation broker — a single long-lived server that brokers
// schema-typed request/response exchanges between agents over HTTP and
// WebSocket, backed by a hash-chained event log.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parley-dev/parley/pkg/api"
	"github.com/parley-dev/parley/pkg/config"
	"github.com/parley-dev/parley/pkg/engine"
	"github.com/parley-dev/parley/pkg/eventlog"
	"github.com/parley-dev/parley/pkg/metrics"
	"github.com/parley-dev/parley/pkg/notify"
	"github.com/parley-dev/parley/pkg/projection"
	"github.com/parley-dev/parley/pkg/registry"
	"github.com/parley-dev/parley/pkg/security"
	"github.com/parley-dev/parley/pkg/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 64
	exitStorage     = 70
	exitDivergence  = 71
	exitInterrupted = 130
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from the config directory, if present.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting parley", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitConfig
	}

	master := []byte(os.Getenv(cfg.MasterSecretEnv))
	deriver, err := security.NewDeriver(master)
	if err != nil {
		slog.Error("Master secret unusable", "env", cfg.MasterSecretEnv, "error", err)
		return exitConfig
	}

	// 2. Event log
	log, err := eventlog.Open(eventlog.Options{
		Dir:             filepath.Join(cfg.DataDir, "events"),
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		Durability:      cfg.DurabilityMode(),
		FlushInterval:   cfg.FlushInterval,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrIntegrity) {
			slog.Error("Event log integrity failure", "error", err)
			return exitStorage
		}
		slog.Error("Failed to open event log", "error", err)
		return exitStorage
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("Error closing event log", "error", err)
		}
	}()

	// 3. Projection: snapshot + tail replay, or full replay
	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	state, err := projection.Rebuild(log, snapDir)
	if err != nil {
		if errors.Is(err, projection.ErrDivergence) {
			slog.Error("Projection divergence during replay", "error", err)
			return exitDivergence
		}
		slog.Error("Failed to rebuild projection", "error", err)
		return exitStorage
	}
	slog.Info("Projection rebuilt", "seq", state.Seq())

	// 4. Core services
	reg := registry.New(deriver, state, cfg.IdleSessionTimeout, cfg.MaxSessionsPerAgent)
	fabric := notify.NewFabric(cfg.InboxCapacity)

	m := metrics.New()
	fabric.SetEvictionHook(m.InboxEvictionsTotal.Inc)
	m.RegisterGauges(
		func() float64 { a, _, _ := state.Counts(); return float64(a) },
		func() float64 { _, s, _ := state.Counts(); return float64(s) },
		func() float64 { _, _, e := state.Counts(); return float64(e) },
	)

	eng := engine.New(engine.Options{
		Log:              log,
		State:            state,
		Deriver:          deriver,
		Registry:         reg,
		Fabric:           fabric,
		Metrics:          m,
		SnapshotDir:      snapDir,
		SnapshotInterval: cfg.SnapshotIntervalEvents,
		TimeoutCap:       cfg.TimeoutCap,
		CreateRate:       cfg.CreateRate,
		RespondRate:      cfg.RespondRate,
		Burst:            cfg.Burst,
	})
	eng.Start()
	defer eng.Stop()

	// 5. Archive retention sweeper
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go runArchiveSweeper(sweepCtx, state, cfg.ArchiveRetention, cfg.ArchiveMaxEntries)

	// 6. HTTP server
	httpServer := api.NewServer(api.Options{
		Engine:  eng,
		State:   state,
		Log:     log,
		Fabric:  fabric,
		Metrics: m,
		MaxWait: cfg.MaxWait,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Parley started successfully", "listen_addr", cfg.ListenAddr)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown. A second signal abandons the drain.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case sig := <-sigCh:
		slog.Warn("Second signal, abandoning graceful shutdown", "signal", sig)
		cancel()
		<-done
		return exitInterrupted
	}

	sweepCancel()
	eng.Stop()
	slog.Info("Shutdown complete")
	return exitOK
}

// runArchiveSweeper drops terminal elicitations past the retention window so
// the archive does not grow without bound between restarts.
func runArchiveSweeper(ctx context.Context, state *projection.State, retention time.Duration, maxEntries int) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := state.PruneArchive(time.Now().Add(-retention), maxEntries)
			if pruned > 0 {
				slog.Info("Pruned elicitation archive", "removed", pruned)
			}
		}
	}
}
