package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veridoc/docjobs/internal/metrics"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency
// configuration.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case d, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Debug("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.jobID),
			)

			disposition := w.runner.Run(ctx, d.jobID)
			w.settle(ctx, d, disposition)
		}
	}
}

// settle translates the runner's disposition into broker operations: ack
// for recorded outcomes and drops, republish-then-ack for retries, nack
// without requeue to dead-letter into the parked queue.
func (w *Worker) settle(ctx context.Context, d *delivery, disposition Disposition) {
	switch disposition {
	case DispositionDone, DispositionDrop:
		w.ack(d.deliveryTag)

	case DispositionRetry:
		if d.attempt >= w.rabbitClient.MaxAttempts() {
			w.logger.Warn("Delivery exhausted retry budget, parking",
				slog.String("job_id", d.jobID),
				slog.Int("attempt", d.attempt),
			)
			metrics.DeliveriesParked.Inc()
			w.nack(d.deliveryTag, false)
			return
		}

		if err := w.rabbitClient.PublishRetry(ctx, string(w.category), d.body, d.attempt); err != nil {
			w.logger.Error("Failed to publish retry, requeueing delivery",
				slog.String("job_id", d.jobID),
				slog.Any("error", err),
			)
			w.nack(d.deliveryTag, true)
			return
		}

		metrics.DeliveriesRetried.Inc()
		w.ack(d.deliveryTag)

	case DispositionPark:
		metrics.DeliveriesParked.Inc()
		w.nack(d.deliveryTag, false)
	}
}

func (w *Worker) ack(tag uint64) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for ACK")
		return
	}
	if err := channel.Ack(tag, false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", tag),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(tag uint64, requeue bool) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for NACK")
		return
	}
	if err := channel.Nack(tag, false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", tag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
