package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridoc/docjobs/internal/domain"
)

// UpsertDocument creates or repoints a tracked document at a job. The
// status reset refreshes updated_at, which is what keeps a freshly
// recovered document out of the next staleness scan.
func (s *Store) UpsertDocument(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO documents (document_id, tenant_id, status, job_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET status = EXCLUDED.status,
		    job_id = EXCLUDED.job_id,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, doc.DocumentID, doc.TenantID, doc.Status, doc.JobID); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

// documentStatusForJob maps a job status to the status of its tracked
// document. Statuses with no mapping leave the document untouched.
func documentStatusForJob(status domain.Status) (string, bool) {
	switch status {
	case domain.StatusProcessing:
		return domain.DocumentStatusProcessing, true
	case domain.StatusCompleted:
		return domain.DocumentStatusReady, true
	case domain.StatusFailed, domain.StatusCancelled:
		return domain.DocumentStatusFailed, true
	default:
		return "", false
	}
}

// syncDocumentForJob mirrors a job transition onto its tracked document,
// refreshing updated_at so live work never looks stale. Jobs without a
// tracked document match no row, which is fine.
func (s *Store) syncDocumentForJob(ctx context.Context, jobID string, jobStatus domain.Status) {
	status, ok := documentStatusForJob(jobStatus)
	if !ok {
		return
	}

	query := `UPDATE documents SET status = $1, updated_at = NOW() WHERE job_id = $2`
	if _, err := s.db.ExecContext(ctx, query, status, jobID); err != nil {
		s.logger.Warn("Failed to sync document for job",
			slog.String("job_id", jobID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// touchDocumentForJob refreshes the tracked document's updated_at without
// changing its status. Called on progress reports so a long-running job
// keeps its document out of the staleness scan.
func (s *Store) touchDocumentForJob(ctx context.Context, jobID string) {
	query := `UPDATE documents SET updated_at = NOW() WHERE job_id = $1`
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		s.logger.Debug("Failed to touch document for job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// FindStaleDocuments returns documents still in a non-terminal processing
// state whose updated_at is older than the cutoff. These are the recovery
// candidates.
func (s *Store) FindStaleDocuments(ctx context.Context, cutoff time.Time) ([]domain.Document, error) {
	query := `
		SELECT document_id, tenant_id, status, job_id, updated_at
		FROM documents
		WHERE status IN ($1, $2)
		  AND updated_at < $3
		ORDER BY updated_at ASC
	`

	var docs []domain.Document
	err := s.db.SelectContext(ctx, &docs, query, domain.DocumentStatusQueued, domain.DocumentStatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale documents: %w", err)
	}

	return docs, nil
}

// CreateRecoveryJob atomically inserts a recovery job and repoints the
// document at it. The new record carries a fresh id (brokers reject
// duplicate message ids and the old id may sit in a terminal bucket) with
// recovered_from preserving lineage.
func (s *Store) CreateRecoveryJob(ctx context.Context, job *domain.Job, documentID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO jobs (
			job_id, job_type, tenant_id, user_id, status, progress, priority,
			input, recovery_count, recovered_from, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	_, err = tx.ExecContext(
		ctx,
		insert,
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
		return fmt.Errorf("failed to insert recovery job: %w", err)
	}

	repoint := `
		UPDATE documents
		SET job_id = $1, status = $2, updated_at = NOW()
		WHERE document_id = $3
	`
	if _, err := tx.ExecContext(ctx, repoint, job.JobID, domain.DocumentStatusQueued, documentID); err != nil {
		return fmt.Errorf("failed to repoint document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recovery: %w", err)
	}

	s.logger.Info("Recovery job created",
		slog.String("job_id", job.JobID),
		slog.String("recovered_from", derefString(job.RecoveredFrom)),
		slog.String("document_id", documentID),
		slog.Int("recovery_count", job.RecoveryCount),
	)

	return nil
}

// FailDocumentAndJob atomically forces a document and its job FAILED. Used
// when recovery attempts are exhausted; neither record is ever recovered
// again.
func (s *Store) FailDocumentAndJob(ctx context.Context, documentID, jobID, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	failDoc := `
		UPDATE documents
		SET status = $1, updated_at = NOW()
		WHERE document_id = $2
	`
	if _, err := tx.ExecContext(ctx, failDoc, domain.DocumentStatusFailed, documentID); err != nil {
		return fmt.Errorf("failed to fail document: %w", err)
	}

	failJob := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`
	if _, err := tx.ExecContext(ctx, failJob, domain.StatusFailed, errMsg, jobID, domain.StatusQueued, domain.StatusProcessing); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit forced failure: %w", err)
	}

	s.logger.Warn("Document and job forced FAILED",
		slog.String("document_id", documentID),
		slog.String("job_id", jobID),
		slog.String("error", errMsg),
	)

	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
