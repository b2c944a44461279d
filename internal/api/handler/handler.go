package handler

import (
	"context"
	"log/slog"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/queue"
	"github.com/veridoc/docjobs/internal/store"
)

// JobService is the queue service surface the handlers call.
type JobService interface {
	CreateJob(ctx context.Context, input queue.SubmitInput) (string, error)
	GetJobStatus(ctx context.Context, jobID, tenantID string) (*domain.Job, error)
	CancelJob(ctx context.Context, jobID, tenantID string) error
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
	CountByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service JobService
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}
