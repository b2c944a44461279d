package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/store"
)

// fakeStore is an in-memory ledger with the same transition gating as the
// Postgres store.
type fakeStore struct {
	jobs      map[string]*domain.Job
	documents map[string]*domain.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[string]*domain.Job),
		documents: make(map[string]*domain.Document),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *domain.Job) error {
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID, tenantID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, jobID string, status domain.Status, output json.RawMessage, errMsg string) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", domain.ErrJobTerminal, job.Status)
	}
	job.Status = status
	// completed_at is stamped on COMPLETED and FAILED only, like the SQL.
	if status == domain.StatusCompleted || status == domain.StatusFailed {
		now := time.Now()
		job.CompletedAt = &now
	}
	if len(output) > 0 {
		job.Output = output
	}
	if errMsg != "" {
		msg := errMsg
		job.ErrorMessage = &msg
	}
	return nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil
	}
	if job.Status == domain.StatusProcessing {
		job.Progress = progress
	}
	return nil
}

func (f *fakeStore) CountJobsByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error) {
	counts := make(map[domain.Status]int)
	for _, job := range f.jobs {
		if job.TenantID == tenantID {
			counts[job.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error) {
	var jobs []domain.Job
	for _, job := range f.jobs {
		if job.TenantID == filter.TenantID {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (f *fakeStore) UpsertDocument(ctx context.Context, doc *domain.Document) error {
	cp := *doc
	f.documents[doc.DocumentID] = &cp
	return nil
}

// fakeBackend records publishes and removals.
type fakeBackend struct {
	published   []publishCall
	removed     []string
	failPublish bool
}

type publishCall struct {
	category domain.Category
	jobID    string
	priority int
}

func (f *fakeBackend) QueueFor(t domain.JobType) (domain.Category, bool) {
	return domain.CategoryOf(t)
}

func (f *fakeBackend) Publish(ctx context.Context, category domain.Category, jobID string, priority int) error {
	if f.failPublish {
		return errors.New("broker publish failed")
	}
	f.published = append(f.published, publishCall{category, jobID, priority})
	return nil
}

func (f *fakeBackend) Remove(ctx context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

func newTestService(store JobStore, backend Backend) *Service {
	return NewService(store, backend, slog.Default())
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("writes ledger row before enqueueing", func(t *testing.T) {
		store := newFakeStore()
		backend := &fakeBackend{}
		svc := newTestService(store, backend)

		jobID, err := svc.CreateJob(ctx, SubmitInput{
			Type:     domain.JobTypePDFAccessibility,
			TenantID: "T",
			UserID:   "U",
			FileID:   "F",
		})
		require.NoError(t, err)
		require.NotEmpty(t, jobID)

		job := store.jobs[jobID]
		require.NotNil(t, job)
		assert.Equal(t, domain.StatusQueued, job.Status)
		assert.Equal(t, domain.DefaultPriority, job.Priority)

		require.Len(t, backend.published, 1)
		assert.Equal(t, jobID, backend.published[0].jobID)
		assert.Equal(t, domain.CategoryAudit, backend.published[0].category)
	})

	t.Run("no broker configured fails fast with no ledger row", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, nil)

		jobID, err := svc.CreateJob(ctx, SubmitInput{
			Type:     domain.JobTypePDFAccessibility,
			TenantID: "T",
		})
		require.ErrorIs(t, err, domain.ErrBrokerUnavailable)
		assert.Empty(t, jobID)
		assert.Empty(t, store.jobs)
	})

	t.Run("unregistered type is recorded as CANCELLED, not an error", func(t *testing.T) {
		store := newFakeStore()
		backend := &fakeBackend{}
		svc := newTestService(store, backend)

		jobID, err := svc.CreateJob(ctx, SubmitInput{
			Type:     domain.JobType("BRAILLE_TRANSCRIPTION"),
			TenantID: "T",
		})
		require.NoError(t, err)
		require.NotEmpty(t, jobID)

		job := store.jobs[jobID]
		require.NotNil(t, job)
		assert.Equal(t, domain.StatusCancelled, job.Status)
		require.NotNil(t, job.Output)
		assert.Contains(t, string(job.Output), "no registered queue")
		assert.Empty(t, backend.published)
	})

	t.Run("enqueue failure marks the row FAILED and returns the error", func(t *testing.T) {
		store := newFakeStore()
		backend := &fakeBackend{failPublish: true}
		svc := newTestService(store, backend)

		_, err := svc.CreateJob(ctx, SubmitInput{
			Type:     domain.JobTypeStyleValidation,
			TenantID: "T",
		})
		require.Error(t, err)

		require.Len(t, store.jobs, 1)
		for _, job := range store.jobs {
			assert.Equal(t, domain.StatusFailed, job.Status)
			require.NotNil(t, job.ErrorMessage)
			assert.Equal(t, "Failed to enqueue job", *job.ErrorMessage)
			assert.NotNil(t, job.CompletedAt)
		}
	})

	t.Run("explicit priority is passed through", func(t *testing.T) {
		store := newFakeStore()
		backend := &fakeBackend{}
		svc := newTestService(store, backend)

		p := 1
		jobID, err := svc.CreateJob(ctx, SubmitInput{
			Type:     domain.JobTypeVPATGeneration,
			TenantID: "T",
			Priority: &p,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, store.jobs[jobID].Priority)
		assert.Equal(t, 1, backend.published[0].priority)
	})

	t.Run("document submission tracks the document", func(t *testing.T) {
		store := newFakeStore()
		backend := &fakeBackend{}
		svc := newTestService(store, backend)

		jobID, err := svc.CreateJob(ctx, SubmitInput{
			Type:       domain.JobTypePDFAccessibility,
			TenantID:   "T",
			DocumentID: "D",
		})
		require.NoError(t, err)

		doc := store.documents["D"]
		require.NotNil(t, doc)
		assert.Equal(t, domain.DocumentStatusQueued, doc.Status)
		require.NotNil(t, doc.JobID)
		assert.Equal(t, jobID, *doc.JobID)
	})
}

func TestGetJobStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.jobs["J"] = &domain.Job{JobID: "J", TenantID: "T", Status: domain.StatusQueued}
	svc := newTestService(store, &fakeBackend{})

	t.Run("tenant match", func(t *testing.T) {
		job, err := svc.GetJobStatus(ctx, "J", "T")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, job.Status)
	})

	t.Run("tenant mismatch is NotFound", func(t *testing.T) {
		_, err := svc.GetJobStatus(ctx, "J", "OTHER")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("absent job is NotFound", func(t *testing.T) {
		_, err := svc.GetJobStatus(ctx, "MISSING", "T")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		status     domain.Status
		wantErr    error
		wantStatus domain.Status
		wantRemove bool
	}{
		{
			name:       "queued job is cancelled and broker message removed",
			status:     domain.StatusQueued,
			wantStatus: domain.StatusCancelled,
			wantRemove: true,
		},
		{
			name:       "processing job is cancelled",
			status:     domain.StatusProcessing,
			wantStatus: domain.StatusCancelled,
			wantRemove: true,
		},
		{
			name:       "completed job rejects cancellation",
			status:     domain.StatusCompleted,
			wantErr:    domain.ErrJobTerminal,
			wantStatus: domain.StatusCompleted,
		},
		{
			name:       "failed job rejects cancellation",
			status:     domain.StatusFailed,
			wantErr:    domain.ErrJobTerminal,
			wantStatus: domain.StatusFailed,
		},
		{
			name:       "cancelled job is a no-op",
			status:     domain.StatusCancelled,
			wantStatus: domain.StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.jobs["J"] = &domain.Job{JobID: "J", TenantID: "T", Status: tt.status}
			backend := &fakeBackend{}
			svc := newTestService(store, backend)

			err := svc.CancelJob(ctx, "J", "T")

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantStatus, store.jobs["J"].Status)
			if tt.wantStatus == domain.StatusCancelled {
				// Cancellation is terminal but carries no completion time.
				assert.Nil(t, store.jobs["J"].CompletedAt)
			}
			if tt.wantRemove {
				assert.Equal(t, []string{"J"}, backend.removed)
			} else {
				assert.Empty(t, backend.removed)
			}
		})
	}

	t.Run("cancel across tenants is NotFound", func(t *testing.T) {
		store := newFakeStore()
		store.jobs["J"] = &domain.Job{JobID: "J", TenantID: "T", Status: domain.StatusQueued}
		svc := newTestService(store, &fakeBackend{})

		err := svc.CancelJob(ctx, "J", "OTHER")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.jobs["J"] = &domain.Job{JobID: "J", TenantID: "T", Status: domain.StatusProcessing}
	svc := newTestService(store, &fakeBackend{})

	require.NoError(t, svc.UpdateProgress(ctx, "J", 40))
	assert.Equal(t, 40, store.jobs["J"].Progress)
	assert.Equal(t, domain.StatusProcessing, store.jobs["J"].Status)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.jobs["A"] = &domain.Job{JobID: "A", TenantID: "T", Status: domain.StatusQueued}
	store.jobs["B"] = &domain.Job{JobID: "B", TenantID: "T", Status: domain.StatusCompleted}
	store.jobs["C"] = &domain.Job{JobID: "C", TenantID: "OTHER", Status: domain.StatusQueued}
	svc := newTestService(store, &fakeBackend{})

	counts, err := svc.CountByStatus(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{
		domain.StatusQueued:    1,
		domain.StatusCompleted: 1,
	}, counts)
}

func TestAmqpPriority(t *testing.T) {
	tests := []struct {
		ledger int
		amqp   uint8
	}{
		{0, 10},
		{1, 9},
		{5, 5},
		{10, 0},
		{15, 0},
		{-3, 10},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("ledger_%d", tt.ledger), func(t *testing.T) {
			assert.Equal(t, tt.amqp, amqpPriority(tt.ledger))
		})
	}
}
