package dto

import (
	"encoding/json"
	"time"

	"github.com/veridoc/docjobs/internal/domain"
)

type CreateJobRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	UserID     string          `json:"user_id" binding:"required"`
	FileID     string          `json:"file_id"`
	ProductID  string          `json:"product_id"`
	DocumentID string          `json:"document_id"`
	Priority   *int            `json:"priority"`
	Options    json.RawMessage `json:"options"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	JobType  string `form:"job_type"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type StatsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

type JobDTO struct {
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	UserID        string          `json:"user_id"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Priority      int             `json:"priority"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	RecoveryCount int             `json:"recovery_count,omitempty"`
	RecoveredFrom string          `json:"recovered_from,omitempty"`
	CreatedAt     string          `json:"created_at"`
	StartedAt     string          `json:"started_at,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	UpdatedAt     string          `json:"updated_at"`
}

// FromJob flattens a ledger row into the API shape.
func FromJob(job *domain.Job) JobDTO {
	dto := JobDTO{
		JobID:         job.JobID,
		JobType:       string(job.JobType),
		UserID:        job.UserID,
		Status:        string(job.Status),
		Progress:      job.Progress,
		Priority:      job.Priority,
		Output:        job.Output,
		RecoveryCount: job.RecoveryCount,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ErrorMessage != nil {
		dto.Error = *job.ErrorMessage
	}
	if job.RecoveredFrom != nil {
		dto.RecoveredFrom = *job.RecoveredFrom
	}
	if job.StartedAt != nil {
		dto.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		dto.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
