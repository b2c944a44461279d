package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/shared/rabbitmq"
)

// Backend is the at-least-once broker abstraction the service and watchdog
// publish through. One logical queue per job-type category.
type Backend interface {
	// QueueFor resolves the category queue for a job type; ok is false
	// when the type has no registered queue.
	QueueFor(t domain.JobType) (domain.Category, bool)

	// Publish enqueues a job message. priority follows ledger semantics:
	// lower values are serviced sooner.
	Publish(ctx context.Context, category domain.Category, jobID string, priority int) error

	// Remove drops any in-flight message for a job id, best effort.
	// Absence or terminal broker state is tolerated, not an error.
	Remove(ctx context.Context, jobID string) error
}

// RabbitBackend implements Backend on the shared RabbitMQ client.
type RabbitBackend struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitBackend wraps a connected RabbitMQ client.
func NewRabbitBackend(client *rabbitmq.Client, logger *slog.Logger) *RabbitBackend {
	return &RabbitBackend{
		client: client,
		logger: logger,
	}
}

// QueueFor resolves the category for a job type.
func (b *RabbitBackend) QueueFor(t domain.JobType) (domain.Category, bool) {
	return domain.CategoryOf(t)
}

// amqpPriority inverts ledger priority (lower = sooner) into AMQP priority
// (higher = sooner).
func amqpPriority(priority int) uint8 {
	if priority < 0 {
		priority = 0
	}
	if priority > rabbitmq.MaxPriority {
		priority = rabbitmq.MaxPriority
	}
	return uint8(rabbitmq.MaxPriority - priority)
}

// Publish enqueues a job message on the category's work queue.
func (b *RabbitBackend) Publish(ctx context.Context, category domain.Category, jobID string, priority int) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := b.client.PublishJob(ctx, string(category), body, amqpPriority(priority)); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("category", string(category)),
		slog.Int("priority", priority),
	)

	return nil
}

// Remove tombstones the job id on the client. AMQP cannot address an
// individual queued message, so the delivery is dropped at claim time
// instead; the ledger remains authoritative either way.
func (b *RabbitBackend) Remove(ctx context.Context, jobID string) error {
	b.client.Remove(jobID)
	return nil
}
