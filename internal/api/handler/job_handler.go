package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veridoc/docjobs/internal/api/dto"
	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/queue"
	"github.com/veridoc/docjobs/internal/store"
)

// tenantHeader scopes every job operation. There is no cross-tenant read
// path; a wrong tenant looks exactly like a missing job.
const tenantHeader = "X-Tenant-ID"

func tenantID(c *gin.Context) (string, bool) {
	tenant := c.GetHeader(tenantHeader)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": tenantHeader + " header is required",
		})
		return "", false
	}
	return tenant, true
}

// CreateJob handles POST /api/v1/jobs
// Accepts a job submission, writes the ledger row and enqueues it.
func (h *JobHandler) CreateJob(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.service.CreateJob(c.Request.Context(), queue.SubmitInput{
		Type:       domain.JobType(req.JobType),
		TenantID:   tenant,
		UserID:     req.UserID,
		FileID:     req.FileID,
		ProductID:  req.ProductID,
		DocumentID: req.DocumentID,
		Priority:   req.Priority,
		Options:    req.Options,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Job queue is unavailable",
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:  jobID,
		Status: string(domain.StatusQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the ledger view of a job: status, progress, output, lineage.
func (h *JobHandler) GetJob(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.service.GetJobStatus(c.Request.Context(), jobID, tenant)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists a tenant's jobs with optional filtering and keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.service.ListJobs(c.Request.Context(), store.JobFilter{
		TenantID: tenant,
		Status:   req.Status,
		JobType:  req.JobType,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.FromJob(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a queued or processing job; the ledger write is the guarantee,
// broker message removal is best effort behind it.
func (h *JobHandler) CancelJob(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.service.CancelJob(c.Request.Context(), jobID, tenant)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, domain.ErrJobTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job has already finished",
			})
		default:
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": string(domain.StatusCancelled),
	})
}

// GetStats handles GET /api/v1/jobs/stats
// Returns a tenant's job counts grouped by status.
func (h *JobHandler) GetStats(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}

	counts, err := h.service.CountByStatus(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	resp := dto.StatsResponse{Counts: make(map[string]int, len(counts))}
	for status, count := range counts {
		resp.Counts[string(status)] = count
		resp.Total += count
	}

	c.JSON(http.StatusOK, resp)
}
