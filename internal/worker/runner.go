package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/metrics"
	"github.com/veridoc/docjobs/internal/processor"
)

// Disposition tells the delivery loop what to do with a message after the
// runner has handled it.
type Disposition int

const (
	// DispositionDone acknowledges the delivery; a ledger outcome was
	// recorded (COMPLETED or FAILED).
	DispositionDone Disposition = iota

	// DispositionDrop acknowledges the delivery without touching the
	// ledger: the record was claimed elsewhere, cancelled, tombstoned or
	// superseded by recovery. At-least-once redelivery makes these
	// routine, not errors.
	DispositionDrop

	// DispositionRetry sends the delivery through the broker's
	// retry/backoff queue: infrastructure failed before any ledger
	// outcome was reached.
	DispositionRetry

	// DispositionPark dead-letters the delivery: it is malformed or has
	// exhausted its retry budget.
	DispositionPark
)

// LedgerStore is the slice of the ledger the runner needs.
type LedgerStore interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
}

// Runner turns one delivery into one ledger outcome: claim the record,
// invoke the processor for its type, record the result. It owns no broker
// plumbing, which keeps it testable against fakes.
type Runner struct {
	store    LedgerStore
	registry *processor.Registry
	removed  func(jobID string) bool
	logger   *slog.Logger
}

// NewRunner creates a runner. removed reports whether a job id has been
// tombstoned by cancellation or recovery; nil means no tombstoning.
func NewRunner(store LedgerStore, registry *processor.Registry, removed func(string) bool, logger *slog.Logger) *Runner {
	if removed == nil {
		removed = func(string) bool { return false }
	}
	return &Runner{
		store:    store,
		registry: registry,
		removed:  removed,
		logger:   logger,
	}
}

// Run processes a single delivery identified by its ledger id.
func (r *Runner) Run(ctx context.Context, jobID string) Disposition {
	if r.removed(jobID) {
		r.logger.Info("Dropping tombstoned delivery",
			slog.String("job_id", jobID),
		)
		return DispositionDrop
	}

	job, err := r.store.ClaimJob(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			// Cancelled before claim, recovered under a new id, or a
			// duplicate delivery. The ledger already holds the truth.
			r.logger.Info("Claim lost, dropping delivery",
				slog.String("job_id", jobID),
			)
			return DispositionDrop

		case errors.Is(err, domain.ErrJobNotFound):
			r.logger.Warn("Delivery references unknown job, parking",
				slog.String("job_id", jobID),
			)
			return DispositionPark

		default:
			r.logger.Error("Failed to claim job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return DispositionRetry
		}
	}

	proc, ok := r.registry.Lookup(job.JobType)
	if !ok {
		r.logger.Error("No processor registered for delivered job type",
			slog.String("job_id", jobID),
			slog.String("job_type", string(job.JobType)),
		)
		r.recordFailure(ctx, job, fmt.Errorf("%w: %s", domain.ErrNoProcessor, job.JobType))
		return DispositionDone
	}

	result := r.invoke(ctx, proc, job)

	if !result.Success {
		// A transient failure means infrastructure died under the
		// processor, or the worker is shutting down, before an outcome
		// was produced. Recording FAILED would make a transient fault
		// permanent, so the record stays PROCESSING and the watchdog
		// re-queues the work under a fresh id. A broker retry of this
		// delivery would only lose the claim race, so the message itself
		// is done.
		if transientFailure(ctx, result.Err) {
			r.logger.Warn("Transient processor failure, leaving record for recovery",
				slog.String("job_id", job.JobID),
				slog.Any("error", result.Err),
			)
			return DispositionDone
		}

		r.recordFailure(ctx, job, result.Err)
		return DispositionDone
	}

	if err := r.store.UpdateStatus(ctx, job.JobID, domain.StatusCompleted, result.Data, ""); err != nil {
		// The work is done but the outcome write failed. The record
		// stays PROCESSING and the watchdog will pick it up; a
		// broker-level retry would only lose the claim race.
		r.logger.Error("Failed to record job completion",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return DispositionDone
	}

	metrics.JobsCompleted.WithLabelValues(string(job.JobType)).Inc()

	r.logger.Info("Job completed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
	)

	return DispositionDone
}

// transientFailure reports whether a processor failure reflects the
// environment rather than the job: an explicitly retryable error, or a
// cancelled delivery context. Processors return Fail(ctx.Err()) when their
// context is cancelled mid-work, and stamping those FAILED would turn
// every graceful shutdown into a batch of permanently failed jobs.
func transientFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil || domain.IsRetryable(err) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// invoke runs the processor with a progress callback and a panic guard; a
// panicking processor is a failed job, never a crashed worker.
func (r *Runner) invoke(ctx context.Context, proc processor.Processor, job *domain.Job) (result processor.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = processor.Fail(fmt.Errorf("processor panic: %v", rec))
		}
	}()

	report := func(progress int) {
		if err := r.store.UpdateProgress(ctx, job.JobID, progress); err != nil {
			r.logger.Debug("Failed to record progress",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	}

	return proc.Process(ctx, job, report)
}

func (r *Runner) recordFailure(ctx context.Context, job *domain.Job, procErr error) {
	msg := "job processing failed"
	if procErr != nil {
		msg = procErr.Error()
	}

	r.logger.Error("Job failed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
		slog.String("error", msg),
	)

	if err := r.store.UpdateStatus(ctx, job.JobID, domain.StatusFailed, nil, msg); err != nil {
		r.logger.Error("Failed to record job failure",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	metrics.JobsFailed.WithLabelValues(string(job.JobType)).Inc()
}
