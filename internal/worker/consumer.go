package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veridoc/docjobs/shared/rabbitmq"
)

// setupConsumer configures QoS and starts consuming this category's work
// queue, returning the delivery channel.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.rabbitClient.Qos(w.prefetch); err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetch),
	)

	deliveries, err := w.rabbitClient.Consume(string(w.category), w.workerID)
	if err != nil {
		return nil, err
	}

	return deliveries, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches jobs
// to the worker pool.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - worker stopping")
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg struct {
				JobID string `json:"job_id"`
			}

			if err := json.Unmarshal(d.Body, &msg); err != nil {
				w.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(d.Body)),
				)
				// Malformed messages dead-letter into the parked queue.
				w.nack(d.DeliveryTag, false)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				w.nack(d.DeliveryTag, false)
				continue
			}

			job := &delivery{
				jobID:       msg.JobID,
				attempt:     rabbitmq.Attempt(&d),
				body:        d.Body,
				deliveryTag: d.DeliveryTag,
			}

			select {
			case w.jobsChan <- job:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", d.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// Requeue so another consumer picks it up.
				w.nack(d.DeliveryTag, true)
				return
			case <-w.stopChan:
				w.nack(d.DeliveryTag, true)
				return
			}
		}
	}
}
