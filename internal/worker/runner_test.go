package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/processor"
)

type statusWrite struct {
	jobID  string
	status domain.Status
	output json.RawMessage
	errMsg string
}

// fakeLedger implements LedgerStore with a single claimable job.
type fakeLedger struct {
	job        *domain.Job
	claimErr   error
	updateErr  error
	statuses   []statusWrite
	progresses []int
}

func (f *fakeLedger) ClaimJob(_ context.Context, jobID string) (*domain.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.job == nil || f.job.JobID != jobID {
		return nil, domain.ErrJobNotFound
	}
	f.job.Status = domain.StatusProcessing
	// started_at is COALESCEd in SQL: stamped on the first claim only.
	if f.job.StartedAt == nil {
		now := time.Now()
		f.job.StartedAt = &now
	}
	return f.job, nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.job != nil && f.job.JobID == jobID {
		f.job.Status = status
		if status == domain.StatusCompleted || status == domain.StatusFailed {
			now := time.Now()
			f.job.CompletedAt = &now
		}
	}
	f.statuses = append(f.statuses, statusWrite{jobID, status, output, errMsg})
	return nil
}

func (f *fakeLedger) UpdateProgress(_ context.Context, _ string, progress int) error {
	f.progresses = append(f.progresses, progress)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registryWith(t domain.JobType, fn processor.Func) *processor.Registry {
	r := processor.NewRegistry()
	r.Register(t, fn)
	return r
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:   "11111111-1111-1111-1111-111111111111",
		JobType: domain.JobTypePDFAccessibility,
		Status:  domain.StatusQueued,
	}
}

func TestRunnerSuccess(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(_ context.Context, _ *domain.Job, report processor.ProgressFunc) processor.Result {
			report(50)
			report(100)
			return processor.Succeed(map[string]int{"score": 87})
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	assert.Equal(t, DispositionDone, disposition)
	require.Len(t, ledger.statuses, 1)
	assert.Equal(t, domain.StatusCompleted, ledger.statuses[0].status)
	assert.JSONEq(t, `{"score":87}`, string(ledger.statuses[0].output))
	assert.Equal(t, []int{50, 100}, ledger.progresses)
}

func TestRunnerProcessorFailure(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
			return processor.Fail(errors.New("document is encrypted"))
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	// A processor failure is a recorded outcome, not a redelivery.
	assert.Equal(t, DispositionDone, disposition)
	require.Len(t, ledger.statuses, 1)
	assert.Equal(t, domain.StatusFailed, ledger.statuses[0].status)
	assert.Equal(t, "document is encrypted", ledger.statuses[0].errMsg)
}

func TestRunnerProcessorPanic(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
			panic("nil dereference in parser")
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	assert.Equal(t, DispositionDone, disposition)
	require.Len(t, ledger.statuses, 1)
	assert.Equal(t, domain.StatusFailed, ledger.statuses[0].status)
	assert.Contains(t, ledger.statuses[0].errMsg, "panic")
}

func TestRunnerRetryableProcessorFailure(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
			return processor.Fail(domain.NewRetryableError(errors.New("object storage unreachable")))
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	// No outcome is recorded; the PROCESSING row is left for the watchdog.
	assert.Equal(t, DispositionDone, disposition)
	assert.Empty(t, ledger.statuses)
	assert.Equal(t, domain.StatusProcessing, ledger.job.Status)
}

func TestRunnerShutdownLeavesJobForRecovery(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(ctx context.Context, _ *domain.Job, _ processor.ProgressFunc) processor.Result {
			return processor.Fail(fmt.Errorf("audit interrupted: %w", ctx.Err()))
		})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(ctx, ledger.job.JobID)

	// A shutdown must never stamp in-flight jobs FAILED; the PROCESSING
	// row is what the watchdog recovers after restart.
	assert.Equal(t, DispositionDone, disposition)
	assert.Empty(t, ledger.statuses)
	assert.Equal(t, domain.StatusProcessing, ledger.job.Status)
	assert.Nil(t, ledger.job.CompletedAt)
}

func TestRunnerContextErrorWithoutCancellation(t *testing.T) {
	// A processor returning a wrapped context error while its own context
	// is still live is treated the same way: no outcome was reached.
	ledger := &fakeLedger{job: testJob()}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
			return processor.Fail(fmt.Errorf("upstream call: %w", context.DeadlineExceeded))
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	assert.Equal(t, DispositionDone, disposition)
	assert.Empty(t, ledger.statuses)
	assert.Equal(t, domain.StatusProcessing, ledger.job.Status)
}

func TestRunnerLifecycleTimestamps(t *testing.T) {
	t.Run("claim and completion stamp the lifecycle times", func(t *testing.T) {
		ledger := &fakeLedger{job: testJob()}
		registry := registryWith(domain.JobTypePDFAccessibility,
			func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
				return processor.Succeed(map[string]int{"score": 100})
			})

		r := NewRunner(ledger, registry, nil, testLogger())
		r.Run(context.Background(), ledger.job.JobID)

		require.NotNil(t, ledger.job.StartedAt)
		require.NotNil(t, ledger.job.CompletedAt)
		assert.False(t, ledger.job.CompletedAt.Before(*ledger.job.StartedAt))
	})

	t.Run("started time survives a later claim", func(t *testing.T) {
		firstStart := time.Now().Add(-time.Hour)
		job := testJob()
		job.StartedAt = &firstStart

		ledger := &fakeLedger{job: job}
		registry := registryWith(domain.JobTypePDFAccessibility,
			func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
				return processor.Succeed(map[string]bool{"ok": true})
			})

		r := NewRunner(ledger, registry, nil, testLogger())
		r.Run(context.Background(), ledger.job.JobID)

		require.NotNil(t, ledger.job.StartedAt)
		assert.Equal(t, firstStart, *ledger.job.StartedAt)
	})
}

func TestRunnerClaimOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		claimErr error
		want     Disposition
	}{
		{"already claimed drops", domain.ErrJobAlreadyClaimed, DispositionDrop},
		{"unknown job parks", domain.ErrJobNotFound, DispositionPark},
		{"infrastructure error retries", errors.New("connection refused"), DispositionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{claimErr: tt.claimErr}
			r := NewRunner(ledger, processor.NewRegistry(), nil, testLogger())

			disposition := r.Run(context.Background(), "11111111-1111-1111-1111-111111111111")

			assert.Equal(t, tt.want, disposition)
			assert.Empty(t, ledger.statuses)
		})
	}
}

func TestRunnerTombstonedDelivery(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}
	removed := func(jobID string) bool { return jobID == ledger.job.JobID }

	r := NewRunner(ledger, processor.NewRegistry(), removed, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	// Tombstoned deliveries are dropped before the claim, so a cancelled
	// job is never moved to PROCESSING.
	assert.Equal(t, DispositionDrop, disposition)
	assert.Equal(t, domain.StatusQueued, ledger.job.Status)
	assert.Empty(t, ledger.statuses)
}

func TestRunnerNoProcessor(t *testing.T) {
	ledger := &fakeLedger{job: testJob()}

	r := NewRunner(ledger, processor.NewRegistry(), nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	assert.Equal(t, DispositionDone, disposition)
	require.Len(t, ledger.statuses, 1)
	assert.Equal(t, domain.StatusFailed, ledger.statuses[0].status)
	assert.Contains(t, ledger.statuses[0].errMsg, string(domain.JobTypePDFAccessibility))
}

func TestRunnerCompletionWriteFailure(t *testing.T) {
	ledger := &fakeLedger{job: testJob(), updateErr: errors.New("connection reset")}
	registry := registryWith(domain.JobTypePDFAccessibility,
		func(context.Context, *domain.Job, processor.ProgressFunc) processor.Result {
			return processor.Succeed(map[string]bool{"ok": true})
		})

	r := NewRunner(ledger, registry, nil, testLogger())
	disposition := r.Run(context.Background(), ledger.job.JobID)

	// The record stays PROCESSING for the watchdog; redelivery would only
	// lose the claim race.
	assert.Equal(t, DispositionDone, disposition)
	assert.Empty(t, ledger.statuses)
}
