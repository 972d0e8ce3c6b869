// Package worker claims queued runs and drives each through the generation
// pipeline: provider call, canonical normalization, metric computation.
// Terminal outcomes are persisted through the experiment store; the worker
// itself keeps no state beyond the loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/screentest-io/screentest/internal/config"
	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/media"
	"github.com/screentest-io/screentest/internal/metrics"
	"github.com/screentest-io/screentest/internal/provider"
)

// shutdownTimeout bounds how long Close waits for the loop to drain.
const shutdownTimeout = 30 * time.Second

// ErrNilDependency is returned when a required collaborator is missing.
var ErrNilDependency = errors.New("worker dependency is nil")

// Worker runs the claim loop: every poll interval it claims up to the
// configured limit of queued runs and processes them sequentially.
//
// Claims are atomic in the store (two workers never hold the same run), so
// any number of Worker processes can share one queue without coordination
// beyond the store itself.
type Worker struct {
	cfg        *Config
	store      experiment.Store
	generator  provider.Generator
	normalizer *media.Normalizer
	engine     metrics.Engine
	metrics    *Metrics
	logger     *slog.Logger

	stop      chan struct{} // Signal to stop the claim loop
	done      chan struct{} // Closed when the loop has drained
	closeOnce sync.Once
}

// New assembles a worker from its collaborators.
//
// The store, generator, normalizer, and engine are required. A nil Metrics
// keeps instrumentation on an isolated registry; pass NewMetrics with a
// real registerer to expose it.
func New(
	cfg *Config,
	store experiment.Store,
	generator provider.Generator,
	normalizer *media.Normalizer,
	engine metrics.Engine,
	m *Metrics,
) (*Worker, error) {
	if cfg == nil {
		cfg = LoadConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if store == nil || generator == nil || normalizer == nil || engine == nil {
		return nil, ErrNilDependency
	}

	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}

	return &Worker{
		cfg:        cfg,
		store:      store,
		generator:  generator,
		normalizer: normalizer,
		engine:     engine,
		metrics:    m,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Run executes the claim loop until Close is called or ctx is cancelled.
// The first claim happens immediately; afterwards the loop wakes every poll
// interval. A claimed batch is always drained before Run returns, so a
// graceful stop never abandons claimed runs mid-flight.
//
// The returned error is nil on a clean stop, ctx.Err() on cancellation, and
// a status machine violation otherwise; the caller should treat the latter
// as a bug and exit loudly.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("Worker started",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.String("provider", w.generator.Name()),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("claim_limit", w.cfg.ClaimLimit),
		slog.String("artifact_root", w.cfg.ArtifactRoot))

	gaugeCtx, cancelGauge := context.WithCancel(ctx)
	defer cancelGauge()

	go w.pollRunsGauge(gaugeCtx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	if err := w.claimAndProcess(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-w.stop:
			w.logger.Info("Worker stopping")

			return nil
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")

			return ctx.Err()
		case <-ticker.C:
			if err := w.claimAndProcess(ctx); err != nil {
				return err
			}
		}
	}
}

// Close signals the loop to stop and waits for the in-flight batch to
// drain. Safe to call more than once.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)

		select {
		case <-w.done:
			w.logger.Info("Worker stopped gracefully")
		case <-time.After(shutdownTimeout):
			w.logger.Warn("Worker did not stop within timeout")
		}
	})
}

// claimAndProcess drains one claim batch sequentially. Claim failures are
// transient and only logged; the returned error is reserved for status
// machine violations, which stop the worker.
func (w *Worker) claimAndProcess(ctx context.Context) error {
	runs, err := w.store.ClaimQueuedRuns(ctx, w.cfg.ClaimLimit, w.cfg.WorkerID)
	if err != nil {
		w.logger.Error("Failed to claim runs", slog.String("error", err.Error()))

		return nil
	}

	if len(runs) == 0 {
		return nil
	}

	w.logger.Debug("Claimed runs",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Int("claimed", len(runs)))

	for _, run := range runs {
		if err := w.processRun(ctx, run); err != nil {
			return err
		}
	}

	return nil
}

// pollRunsGauge refreshes the run status gauge until ctx is cancelled.
func (w *Worker) pollRunsGauge(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.GaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := w.store.CountRunsByStatus(ctx)
			if err != nil {
				w.logger.Warn("Failed to refresh runs gauge", slog.String("error", err.Error()))

				continue
			}

			w.metrics.SetRunsGauge(counts)
		}
	}
}
