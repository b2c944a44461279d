package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/shared/postgresql"
)

const jobColumns = `
	job_id, job_type, tenant_id, user_id, status, progress, priority,
	input, output, error_message, recovery_count, recovered_from,
	created_at, started_at, completed_at, updated_at`

// Store is the durable job ledger backed by Postgres. It holds no business
// logic: point reads, point updates, and the aggregate queries dashboards
// need.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store on top of a shared PostgreSQL client.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// CreateJob inserts a new ledger row.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, tenant_id, user_id, status, progress, priority,
			input, recovery_count, recovered_from, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.JobType,
		job.TenantID,
		job.UserID,
		job.Status,
		job.Progress,
		job.Priority,
		nullableJSON(job.Input),
		job.RecoveryCount,
		job.RecoveredFrom,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job scoped to a tenant. A tenant mismatch is
// indistinguishable from absence.
func (s *Store) GetJob(ctx context.Context, jobID, tenantID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND tenant_id = $2`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobByID retrieves a job without tenant scoping. Internal callers only
// (worker runtime, watchdog).
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob flips a QUEUED job to PROCESSING with optimistic locking. The
// claim gate is the runtime's only redelivery fencing: a delivery whose
// record is no longer QUEUED loses the race and gets ErrJobAlreadyClaimed.
// started_at is set only on the first transition.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.StatusProcessing, jobID, domain.StatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.syncDocumentForJob(ctx, jobID, domain.StatusProcessing)

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("job_type", string(job.JobType)),
	)

	return &job, nil
}

// updateSources lists the statuses an update to a target status may leave.
// PROCESSING and COMPLETED follow the state machine exactly; FAILED and
// CANCELLED additionally leave QUEUED (enqueue failure, recovery-cap force,
// pre-claim cancellation).
func updateSources(to domain.Status) []domain.Status {
	switch to {
	case domain.StatusProcessing:
		return []domain.Status{domain.StatusQueued}
	case domain.StatusCompleted:
		return []domain.Status{domain.StatusProcessing}
	case domain.StatusFailed, domain.StatusCancelled:
		return []domain.Status{domain.StatusQueued, domain.StatusProcessing}
	default:
		return nil
	}
}

// UpdateStatus moves a job to a new status with its opaque payloads. The
// WHERE clause enforces the state machine so a late terminal write from a
// still-running processor can never overwrite CANCELLED. completed_at is
// stamped on COMPLETED and FAILED.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error {
	sources := updateSources(status)
	if sources == nil {
		return fmt.Errorf("%w: no update path to %s", domain.ErrInvalidTransition, status)
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    output = COALESCE($2, output),
		    error_message = NULLIF($3, ''),
		    started_at = CASE WHEN $1 = 'PROCESSING' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = ANY($5)
	`

	res, err := s.db.ExecContext(ctx, query, status, nullableJSON(output), errMsg, jobID, statusArray(sources))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		current, getErr := s.GetJobByID(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", domain.ErrJobTerminal, current.Status)
		}
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
	}

	s.syncDocumentForJob(ctx, jobID, status)

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)

	return nil
}

// UpdateProgress is a cheap single-field write gated on PROCESSING, so
// progress never changes status and a report landing after a terminal
// write is silently dropped.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	query := `
		UPDATE jobs
		SET progress = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, progress, jobID, domain.StatusProcessing); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	s.touchDocumentForJob(ctx, jobID)

	return nil
}

// CountJobsByStatus returns a tenant's job counts grouped by status.
func (s *Store) CountJobsByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error) {
	query := `SELECT status, COUNT(1) AS count FROM jobs WHERE tenant_id = $1 GROUP BY status`

	rows, err := s.db.QueryxContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job counts: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func statusArray(statuses []domain.Status) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}
