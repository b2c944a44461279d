package domain

import (
	"encoding/json"
	"time"
)

// Status is the ledger state of a job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the ledger state machine permits from -> to.
// The only legal sequences are QUEUED -> PROCESSING -> {COMPLETED, FAILED}
// and QUEUED|PROCESSING -> CANCELLED.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// JobType identifies the processor that handles a job.
type JobType string

const (
	JobTypePDFAccessibility  JobType = "PDF_ACCESSIBILITY"
	JobTypeEPUBAccessibility JobType = "EPUB_ACCESSIBILITY"
	JobTypeVPATGeneration    JobType = "VPAT_GENERATION"
	JobTypeACRGeneration     JobType = "ACR_GENERATION"
	JobTypeAltTextGeneration JobType = "ALT_TEXT_GENERATION"
	JobTypeStyleValidation   JobType = "STYLE_VALIDATION"
	JobTypeCitationDetection JobType = "CITATION_DETECTION"
)

// Category names a logical broker queue shared by related job types.
type Category string

const (
	CategoryAudit      Category = "audit"
	CategoryGeneration Category = "generation"
	CategoryValidation Category = "validation"
)

// categories maps each known job type to its queue category. Types absent
// from this map have no registered queue and fall under the soft-failure
// policy at submission.
var categories = map[JobType]Category{
	JobTypePDFAccessibility:  CategoryAudit,
	JobTypeEPUBAccessibility: CategoryAudit,
	JobTypeVPATGeneration:    CategoryGeneration,
	JobTypeACRGeneration:     CategoryGeneration,
	JobTypeAltTextGeneration: CategoryGeneration,
	JobTypeStyleValidation:   CategoryValidation,
	JobTypeCitationDetection: CategoryValidation,
}

// CategoryOf returns the queue category for a job type, or false when the
// type has no registered queue.
func CategoryOf(t JobType) (Category, bool) {
	c, ok := categories[t]
	return c, ok
}

// Categories returns every queue category in declaration order.
func Categories() []Category {
	return []Category{CategoryAudit, CategoryGeneration, CategoryValidation}
}

const (
	// MaxRecoveryAttempts caps how many times the watchdog re-queues a
	// stale job before forcing it FAILED for good.
	MaxRecoveryAttempts = 3

	// DefaultPriority is assigned to submissions that do not ask for one.
	// Lower values are serviced sooner.
	DefaultPriority = 5

	// RecoveryPriority is used when the watchdog re-enqueues recovered
	// work so it is not starved behind fresh submissions.
	RecoveryPriority = 1
)

// Job is a row in the job ledger.
type Job struct {
	JobID         string          `db:"job_id" json:"job_id"`
	JobType       JobType         `db:"job_type" json:"job_type"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	UserID        string          `db:"user_id" json:"user_id"`
	Status        Status          `db:"status" json:"status"`
	Progress      int             `db:"progress" json:"progress"`
	Priority      int             `db:"priority" json:"priority"`
	Input         json.RawMessage `db:"input" json:"input,omitempty"`
	Output        json.RawMessage `db:"output" json:"output,omitempty"`
	ErrorMessage  *string         `db:"error_message" json:"error,omitempty"`
	RecoveryCount int             `db:"recovery_count" json:"recovery_count"`
	RecoveredFrom *string         `db:"recovered_from" json:"recovered_from,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Document mirrors the lifecycle of a job for an externally owned document.
// The watchdog reads and repoints it during recovery.
type Document struct {
	DocumentID string    `db:"document_id" json:"document_id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Status     string    `db:"status" json:"status"`
	JobID      *string   `db:"job_id" json:"job_id,omitempty"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Document statuses tracked by the watchdog. DocumentStatusProcessing and
// DocumentStatusQueued together form the non-terminal set scanned for
// staleness; DocumentStatusQueued is the initial value recovery resets to.
const (
	DocumentStatusQueued     = "QUEUED"
	DocumentStatusProcessing = "PROCESSING"
	DocumentStatusReady      = "READY"
	DocumentStatusFailed     = "FAILED"
)

// JobMessage is the broker payload: a pointer into the ledger, nothing more.
type JobMessage struct {
	JobID string `json:"job_id"`
}
