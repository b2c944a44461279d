package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/docjobs/internal/domain"
)

func noProgress(int) {}

func jobWithInput(t *testing.T, jobType domain.JobType, input any) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return &domain.Job{
		JobID:   "test-job",
		JobType: jobType,
		Input:   raw,
	}
}

func TestAccessibilityAuditor(t *testing.T) {
	ctx := context.Background()

	t.Run("produces a numeric score and progress reports", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypePDFAccessibility, map[string]any{
			"file_id": "F",
		})

		var reports []int
		result := NewAccessibilityAuditor("PDF").Process(ctx, job, func(p int) {
			reports = append(reports, p)
		})

		require.True(t, result.Success)
		require.NoError(t, result.Err)

		var report AuditReport
		require.NoError(t, json.Unmarshal(result.Data, &report))
		assert.Equal(t, "PDF", report.Format)
		assert.GreaterOrEqual(t, report.Score, 0)
		assert.LessOrEqual(t, report.Score, 100)
		assert.Equal(t, len(defaultChecks["PDF"]), report.ChecksRun)
		assert.Equal(t, report.ChecksFail, len(report.Issues))

		require.NotEmpty(t, reports)
		assert.Equal(t, 100, reports[len(reports)-1])
	})

	t.Run("file id inside options is accepted", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypePDFAccessibility, map[string]any{
			"options": map[string]any{"file_id": "F"},
		})

		result := NewAccessibilityAuditor("PDF").Process(ctx, job, noProgress)
		assert.True(t, result.Success)
	})

	t.Run("missing file id fails", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypePDFAccessibility, map[string]any{})

		result := NewAccessibilityAuditor("PDF").Process(ctx, job, noProgress)
		require.False(t, result.Success)
		assert.Contains(t, result.Err.Error(), "file_id")
	})

	t.Run("identical input produces identical report", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypeEPUBAccessibility, map[string]any{
			"file_id": "F",
		})

		first := NewAccessibilityAuditor("EPUB").Process(ctx, job, noProgress)
		second := NewAccessibilityAuditor("EPUB").Process(ctx, job, noProgress)
		assert.JSONEq(t, string(first.Data), string(second.Data))
	})

	t.Run("cancelled context interrupts the audit", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypePDFAccessibility, map[string]any{
			"file_id": "F",
		})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		result := NewAccessibilityAuditor("PDF").Process(cancelled, job, noProgress)
		require.False(t, result.Success)
		assert.ErrorIs(t, result.Err, context.Canceled)
	})
}

func TestReportGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("generates a conformance report", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypeVPATGeneration, map[string]any{
			"product_id": "P",
		})

		result := NewReportGenerator("VPAT").Process(ctx, job, noProgress)
		require.True(t, result.Success)

		var report ConformanceReport
		require.NoError(t, json.Unmarshal(result.Data, &report))
		assert.Equal(t, "VPAT", report.Kind)
		assert.Equal(t, "P", report.ProductID)
		assert.Contains(t, report.DocumentRef, job.JobID)
		assert.Equal(t, 3, report.CriteriaEvaluated)
	})

	t.Run("missing product id fails", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypeACRGeneration, map[string]any{})

		result := NewReportGenerator("ACR").Process(ctx, job, noProgress)
		require.False(t, result.Success)
		assert.Contains(t, result.Err.Error(), "product_id")
	})
}

func TestAltTextGenerator(t *testing.T) {
	ctx := context.Background()

	job := jobWithInput(t, domain.JobTypeAltTextGeneration, map[string]any{
		"file_id": "F",
		"options": map[string]any{"image_ids": []string{"img1", "img2"}},
	})

	result := NewAltTextGenerator().Process(ctx, job, noProgress)
	require.True(t, result.Success)

	var out AltTextResult
	require.NoError(t, json.Unmarshal(result.Data, &out))
	assert.Equal(t, 2, out.ImagesProcessed)
	assert.Len(t, out.AltTexts, 2)
	assert.NotEmpty(t, out.AltTexts["img1"])
}

func TestFindingScanner(t *testing.T) {
	ctx := context.Background()

	t.Run("reports findings against the default rules", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypeStyleValidation, map[string]any{
			"file_id": "F",
		})

		result := NewFindingScanner("style").Process(ctx, job, noProgress)
		require.True(t, result.Success)

		var out ScanResult
		require.NoError(t, json.Unmarshal(result.Data, &out))
		assert.Equal(t, "style", out.Kind)
		assert.Equal(t, len(defaultRules["style"]), out.RulesEvaluated)
		assert.Equal(t, out.FindingCount, len(out.Findings))
	})

	t.Run("missing file id fails", func(t *testing.T) {
		job := jobWithInput(t, domain.JobTypeCitationDetection, map[string]any{})

		result := NewFindingScanner("citation").Process(ctx, job, noProgress)
		assert.False(t, result.Success)
	})
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, jobType := range []domain.JobType{
		domain.JobTypePDFAccessibility,
		domain.JobTypeEPUBAccessibility,
		domain.JobTypeVPATGeneration,
		domain.JobTypeACRGeneration,
		domain.JobTypeAltTextGeneration,
		domain.JobTypeStyleValidation,
		domain.JobTypeCitationDetection,
	} {
		t.Run(string(jobType), func(t *testing.T) {
			p, ok := r.Lookup(jobType)
			require.True(t, ok)
			assert.NotNil(t, p)
		})
	}

	_, ok := r.Lookup(domain.JobType("BRAILLE_TRANSCRIPTION"))
	assert.False(t, ok)
}
