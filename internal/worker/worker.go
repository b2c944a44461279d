package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	RabbitClient *rabbitmq.Client
	Runner       *Runner
	Category     domain.Category
	Concurrency  int
	Prefetch     int
}

// delivery is the unit handed from the dispatcher to the pool: the parsed
// job id plus what the pool needs to settle the underlying message.
type delivery struct {
	jobID       string
	attempt     int
	body        []byte
	deliveryTag uint64
}

// Worker consumes one category's work queue and drives each delivery
// through the runner with a pool of goroutines.
type Worker struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client
	runner       *Runner
	category     domain.Category
	concurrency  int
	prefetch     int
	workerID     string
	jobsChan     chan *delivery
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewWorker creates a new worker instance for a single category.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:       cfg.Logger,
		rabbitClient: cfg.RabbitClient,
		runner:       cfg.Runner,
		category:     cfg.Category,
		concurrency:  concurrency,
		prefetch:     prefetch,
		workerID:     fmt.Sprintf("%s-%s", cfg.Category, uuid.NewString()[:8]),
		jobsChan:     make(chan *delivery, concurrency),
		stopChan:     make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It returns once the consumer
// and pool are running; processing continues until ctx is canceled or Stop
// is called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("category", string(w.category)),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to start consumer for %s: %w", w.category, err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs to settle.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}
