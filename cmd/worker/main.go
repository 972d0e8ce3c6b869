// Package main provides the screentest generation worker.
//
// The worker claims queued runs from the shared store and drives each one
// through the pipeline: provider generation, canonical normalization, and
// baseline metric computation. Any number of worker processes can share one
// queue; claims are atomic in the store.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/screentest-io/screentest/internal/config"
	"github.com/screentest-io/screentest/internal/media"
	"github.com/screentest-io/screentest/internal/metrics"
	"github.com/screentest-io/screentest/internal/provider"
	"github.com/screentest-io/screentest/internal/storage"
	"github.com/screentest-io/screentest/internal/worker"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "screentest-worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	workerConfig := worker.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting screentest worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded worker configuration",
		slog.String("worker_id", workerConfig.WorkerID),
		slog.String("provider", workerConfig.Provider),
		slog.Duration("poll_interval", workerConfig.PollInterval),
		slog.Int("claim_limit", workerConfig.ClaimLimit),
		slog.String("artifact_root", workerConfig.ArtifactRoot),
		slog.String("ffmpeg_path", workerConfig.FFmpegPath),
		slog.String("ffprobe_path", workerConfig.FFprobePath),
		slog.Duration("normalize_timeout", workerConfig.NormalizeTimeout),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewExperimentStore(dbConn)
	if err != nil {
		logger.Error("Failed to create experiment store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Experiment store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	runner := media.OSRunner{}

	generator, err := provider.ByName(
		workerConfig.Provider, workerConfig.SamplePath, workerConfig.FFmpegPath, runner,
	)
	if err != nil {
		logger.Error("Failed to construct provider", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	// Metric tuning is optional; a missing .screentest.yaml means defaults.
	metricsConfig, err := metrics.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load metric tuning", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	prober := media.NewProber(workerConfig.FFprobePath, metricsConfig.ProbeTimeout(), runner)
	normalizer := media.NewNormalizer(workerConfig.FFmpegPath, workerConfig.NormalizeTimeout, prober, runner)

	// The engine is constructed once and shared across every run this worker
	// processes; per-run construction would redo its setup on each claim.
	engine := metrics.NewBaselineEngine(prober, metricsConfig)

	registry := prometheus.NewRegistry()
	workerMetrics := worker.NewMetrics(registry)

	w, err := worker.New(workerConfig, store, generator, normalizer, engine, workerMetrics)
	if err != nil {
		logger.Error("Failed to construct worker", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	// Expose Prometheus metrics when an address is configured.
	if workerConfig.MetricsAddr != "" {
		metricsServer := worker.NewMetricsServer(workerConfig.MetricsAddr, registry)

		go func() {
			logger.Info("Metrics server listening", slog.String("addr", workerConfig.MetricsAddr))

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", slog.String("error", err.Error()))
			}
		}()

		defer func() {
			_ = metricsServer.Close()
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// A status machine violation means the store and worker disagree about
		// run lifecycle; crash loudly rather than keep corrupting state.
		logger.Error("Worker stopped with error", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	w.Close()

	logger.Info("Screentest worker stopped")
}
