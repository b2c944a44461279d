package store

import (
	"context"
	"fmt"
	"time"

	"github.com/veridoc/docjobs/internal/domain"
)

// JobCursor is a keyset pagination position: the (created_at, job_id) pair
// of the last row on the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter narrows a tenant's job listing.
type JobFilter struct {
	TenantID string
	Status   string
	JobType  string
	PageSize int
	Cursor   *JobCursor
}

// ListJobs returns a tenant's jobs newest first, PageSize+1 rows so the
// caller can tell whether another page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// (created_at, job_id) DESC matches the cursor predicate for stable
	// pagination under concurrent inserts.
	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
