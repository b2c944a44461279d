// Package orchestrator wires the worker runtime together: one consumer pool
// per category, a shared processor registry, and the recovery watchdog.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/processor"
	"github.com/veridoc/docjobs/internal/queue"
	"github.com/veridoc/docjobs/internal/store"
	"github.com/veridoc/docjobs/internal/watchdog"
	"github.com/veridoc/docjobs/internal/worker"
	"github.com/veridoc/docjobs/shared/rabbitmq"
)

// Config holds orchestrator configuration.
type Config struct {
	Logger       *slog.Logger
	Store        *store.Store
	RabbitClient *rabbitmq.Client
	Registry     *processor.Registry

	// Concurrency is the pool size per category.
	Concurrency int

	WatchdogScanInterval   time.Duration
	WatchdogStaleThreshold time.Duration
}

// Orchestrator owns the lifecycle of every worker pool and the watchdog.
type Orchestrator struct {
	logger   *slog.Logger
	workers  []*worker.Worker
	watchdog *watchdog.Watchdog
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an orchestrator: a worker per category sharing one runner, and
// a watchdog publishing recoveries through the same broker.
func New(cfg *Config) *Orchestrator {
	runner := worker.NewRunner(
		cfg.Store,
		cfg.Registry,
		cfg.RabbitClient.Removed,
		cfg.Logger.With(slog.String("component", "runner")),
	)

	workers := make([]*worker.Worker, 0, len(domain.Categories()))
	for _, category := range domain.Categories() {
		workers = append(workers, worker.NewWorker(&worker.Config{
			Logger:       cfg.Logger.With(slog.String("component", "worker")),
			RabbitClient: cfg.RabbitClient,
			Runner:       runner,
			Category:     category,
			Concurrency:  cfg.Concurrency,
		}))
	}

	wd := watchdog.New(&watchdog.Config{
		Logger:         cfg.Logger.With(slog.String("component", "watchdog")),
		Store:          cfg.Store,
		Queue:          queue.NewRabbitBackend(cfg.RabbitClient, cfg.Logger),
		ScanInterval:   cfg.WatchdogScanInterval,
		StaleThreshold: cfg.WatchdogStaleThreshold,
	})

	return &Orchestrator{
		logger:   cfg.Logger,
		workers:  workers,
		watchdog: wd,
	}
}

// Start launches every worker pool and the watchdog. It returns once
// everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	for _, w := range o.workers {
		if err := w.Start(ctx); err != nil {
			o.cancel()
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchdog.Run(ctx)
	}()

	o.logger.Info("Orchestrator started",
		slog.Int("worker_pools", len(o.workers)),
	)

	return nil
}

// Stop shuts everything down. Workers are drained before the shared
// context is cancelled so in-flight jobs get a chance to finish and record
// their outcomes; anything still running when the context drops stays
// PROCESSING and is re-queued by the next watchdog scan.
func (o *Orchestrator) Stop() {
	o.logger.Info("Stopping orchestrator")

	for _, w := range o.workers {
		w.Stop()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.logger.Info("Orchestrator stopped")
}
