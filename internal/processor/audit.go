package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/veridoc/docjobs/internal/domain"
)

// auditInput is the slice of the opaque job input the auditor reads.
type auditInput struct {
	FileID  string `json:"file_id"`
	Options struct {
		FileID string   `json:"file_id"`
		Checks []string `json:"checks"`
	} `json:"options"`
}

// AuditIssue is a single accessibility finding.
type AuditIssue struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// AuditReport is the auditor's output payload. Score is the percentage of
// checks that passed.
type AuditReport struct {
	Format      string       `json:"format"`
	FileID      string       `json:"file_id"`
	Score       int          `json:"score"`
	ChecksRun   int          `json:"checks_run"`
	ChecksFail  int          `json:"checks_failed"`
	Issues      []AuditIssue `json:"issues"`
	RecoveredAt int          `json:"recovery_count,omitempty"`
}

var defaultChecks = map[string][]string{
	"PDF":  {"tagged_structure", "alt_text", "reading_order", "color_contrast", "document_metadata"},
	"EPUB": {"nav_document", "alt_text", "reading_order", "language_declaration", "media_overlays"},
}

// AccessibilityAuditor audits a document against a check set and produces
// a scored report. Audits are pure functions of their input, so re-running
// one under at-least-once delivery is harmless.
type AccessibilityAuditor struct {
	format string
}

// NewAccessibilityAuditor creates an auditor for a document format
// ("PDF" or "EPUB").
func NewAccessibilityAuditor(format string) *AccessibilityAuditor {
	return &AccessibilityAuditor{format: format}
}

func (a *AccessibilityAuditor) Process(ctx context.Context, job *domain.Job, report ProgressFunc) Result {
	var input auditInput
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			return Fail(fmt.Errorf("invalid audit input: %w", err))
		}
	}

	fileID := input.FileID
	if fileID == "" {
		fileID = input.Options.FileID
	}
	if fileID == "" {
		return Fail(fmt.Errorf("audit requires a file_id"))
	}

	checks := input.Options.Checks
	if len(checks) == 0 {
		checks = defaultChecks[a.format]
	}

	out := AuditReport{
		Format:      a.format,
		FileID:      fileID,
		ChecksRun:   len(checks),
		Issues:      []AuditIssue{},
		RecoveredAt: job.RecoveryCount,
	}

	passed := 0
	for i, check := range checks {
		select {
		case <-ctx.Done():
			return Fail(fmt.Errorf("audit interrupted: %w", ctx.Err()))
		default:
		}

		if checkPasses(fileID, check) {
			passed++
		} else {
			out.ChecksFail++
			out.Issues = append(out.Issues, AuditIssue{
				Check:    check,
				Severity: "serious",
				Message:  fmt.Sprintf("%s check failed for %s", check, fileID),
			})
		}

		report((i + 1) * 100 / len(checks))
	}

	out.Score = passed * 100 / len(checks)

	return Succeed(out)
}

// checkPasses stands in for the real per-check analysis, which lives with
// the document tooling collaborators. It is deterministic in its inputs so
// redelivered jobs produce identical reports.
func checkPasses(fileID, check string) bool {
	h := fnv.New32a()
	h.Write([]byte(fileID))
	h.Write([]byte{0})
	h.Write([]byte(check))
	return h.Sum32()%4 != 0
}
