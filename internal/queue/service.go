package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/metrics"
	"github.com/veridoc/docjobs/internal/store"
)

// JobStore is the slice of the ledger the service needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID, tenantID string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	CountJobsByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
	UpsertDocument(ctx context.Context, doc *domain.Document) error
}

// SubmitInput is a job submission from the API layer.
type SubmitInput struct {
	Type       domain.JobType  `json:"type"`
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id"`
	FileID     string          `json:"file_id,omitempty"`
	ProductID  string          `json:"product_id,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// jobInput is the opaque payload persisted on the ledger row.
type jobInput struct {
	FileID     string          `json:"file_id,omitempty"`
	ProductID  string          `json:"product_id,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// Service bridges the job ledger and the broker: submission, status,
// cancellation and the ledger updates the worker runtime makes during
// execution. The backend may be nil when no broker is configured; only
// submission hard-fails in that case.
type Service struct {
	store   JobStore
	backend Backend
	logger  *slog.Logger
}

// NewService creates a queue service.
func NewService(store JobStore, backend Backend, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		backend: backend,
		logger:  logger,
	}
}

// CreateJob writes a QUEUED ledger row and then enqueues a broker message
// keyed by the ledger id. The write-before-enqueue order means a crash in
// between leaves a recoverable row rather than a lost job.
//
// Failure policy: no broker at all is a hard failure with no ledger row; an
// unregistered job type is a soft failure recorded as a CANCELLED row with
// an explanatory output, so callers get a durable, inspectable record
// instead of an error.
func (s *Service) CreateJob(ctx context.Context, input SubmitInput) (string, error) {
	if s.backend == nil {
		return "", fmt.Errorf("cannot create job: %w", domain.ErrBrokerUnavailable)
	}

	priority := domain.DefaultPriority
	if input.Priority != nil {
		priority = *input.Priority
	}

	payload, err := json.Marshal(jobInput{
		FileID:     input.FileID,
		ProductID:  input.ProductID,
		DocumentID: input.DocumentID,
		Options:    input.Options,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job input: %w", err)
	}

	job := &domain.Job{
		JobID:    uuid.New().String(),
		JobType:  input.Type,
		TenantID: input.TenantID,
		UserID:   input.UserID,
		Status:   domain.StatusQueued,
		Priority: priority,
		Input:    payload,
	}

	category, registered := s.backend.QueueFor(input.Type)

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	if !registered {
		s.logger.Warn("Job type has no registered queue, cancelling",
			slog.String("job_id", job.JobID),
			slog.String("job_type", string(input.Type)),
		)

		output, _ := json.Marshal(map[string]string{
			"reason": fmt.Sprintf("job type %s has no registered queue", input.Type),
		})
		if err := s.store.UpdateStatus(ctx, job.JobID, domain.StatusCancelled, output, ""); err != nil {
			s.logger.Error("Failed to cancel job for unregistered type",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
		return job.JobID, nil
	}

	if input.DocumentID != "" {
		doc := &domain.Document{
			DocumentID: input.DocumentID,
			TenantID:   input.TenantID,
			Status:     domain.DocumentStatusQueued,
			JobID:      &job.JobID,
		}
		if err := s.store.UpsertDocument(ctx, doc); err != nil {
			s.logger.Error("Failed to track document for job",
				slog.String("job_id", job.JobID),
				slog.String("document_id", input.DocumentID),
				slog.Any("error", err),
			)
		}
	}

	if err := s.backend.Publish(ctx, category, job.JobID, priority); err != nil {
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)

		if updateErr := s.store.UpdateStatus(ctx, job.JobID, domain.StatusFailed, nil, "Failed to enqueue job"); updateErr != nil {
			s.logger.Error("Failed to mark unenqueued job FAILED",
				slog.String("job_id", job.JobID),
				slog.Any("error", updateErr),
			)
		}
		// No auto-retry here; the caller must resubmit.
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	metrics.JobsSubmitted.WithLabelValues(string(input.Type)).Inc()

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(input.Type)),
		slog.String("tenant_id", input.TenantID),
		slog.Int("priority", priority),
	)

	return job.JobID, nil
}

// GetJobStatus returns a job scoped to its tenant.
func (s *Service) GetJobStatus(ctx context.Context, jobID, tenantID string) (*domain.Job, error) {
	return s.store.GetJob(ctx, jobID, tenantID)
}

// CancelJob marks a job CANCELLED in the ledger first (the durable
// guarantee) and then best-effort removes the broker message; removal
// failure is logged, never raised. Cancelling an already COMPLETED or
// FAILED job is an error; cancelling a CANCELLED one is a no-op.
func (s *Service) CancelJob(ctx context.Context, jobID, tenantID string) error {
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	if job.Status == domain.StatusCancelled {
		return nil
	}

	if job.Status.IsTerminal() {
		return fmt.Errorf("cannot cancel job %s: %w (%s)", jobID, domain.ErrJobTerminal, job.Status)
	}

	if err := s.store.UpdateStatus(ctx, jobID, domain.StatusCancelled, nil, ""); err != nil {
		// Lost a race with a terminal write.
		if errors.Is(err, domain.ErrJobTerminal) {
			return fmt.Errorf("cannot cancel job %s: %w", jobID, domain.ErrJobTerminal)
		}
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	metrics.JobsCancelled.Inc()

	if s.backend != nil {
		if err := s.backend.Remove(ctx, jobID); err != nil {
			s.logger.Warn("Failed to remove broker message for cancelled job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("tenant_id", tenantID),
	)

	return nil
}

// UpdateProgress records an advisory progress value. Frequent and cheap;
// it never changes status and failures do not interrupt the processor.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if err := s.store.UpdateProgress(ctx, jobID, progress); err != nil {
		return err
	}
	metrics.ProgressReports.Inc()
	return nil
}

// UpdateStatus moves a job through the ledger state machine with its
// opaque payloads.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error {
	return s.store.UpdateStatus(ctx, jobID, status, output, errMsg)
}

// CountByStatus returns a tenant's job counts for dashboards.
func (s *Service) CountByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error) {
	return s.store.CountJobsByStatus(ctx, tenantID)
}

// ListJobs pages through a tenant's jobs.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error) {
	return s.store.ListJobs(ctx, filter)
}
