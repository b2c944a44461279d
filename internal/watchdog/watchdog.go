// Package watchdog detects jobs that stopped making progress and re-queues
// them under fresh ids. It is the safety net for worker crashes: a claimed
// job whose worker died leaves a PROCESSING row and a stuck document, and
// nothing else in the system will ever touch them again.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc/docjobs/internal/domain"
	"github.com/veridoc/docjobs/internal/metrics"
	"github.com/veridoc/docjobs/internal/queue"
)

// Store is the slice of the ledger the watchdog scans and repairs.
type Store interface {
	FindStaleDocuments(ctx context.Context, cutoff time.Time) ([]domain.Document, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	CreateRecoveryJob(ctx context.Context, job *domain.Job, documentID string) error
	FailDocumentAndJob(ctx context.Context, documentID, jobID, errMsg string) error
	UpsertDocument(ctx context.Context, doc *domain.Document) error
}

// Config holds watchdog configuration.
type Config struct {
	Logger *slog.Logger
	Store  Store
	Queue  queue.Backend

	// ScanInterval is the period between scans.
	ScanInterval time.Duration

	// StaleThreshold is how long a document may sit without a ledger write
	// before it is considered abandoned. It must exceed the broker's full
	// retry window or the watchdog would recover jobs the broker is still
	// redelivering.
	StaleThreshold time.Duration
}

// Watchdog periodically scans for stale documents and recovers or fails
// their jobs.
type Watchdog struct {
	logger         *slog.Logger
	store          Store
	queue          queue.Backend
	scanInterval   time.Duration
	staleThreshold time.Duration
	scanning       atomic.Bool
}

// New creates a watchdog.
func New(cfg *Config) *Watchdog {
	return &Watchdog{
		logger:         cfg.Logger,
		store:          cfg.Store,
		queue:          cfg.Queue,
		scanInterval:   cfg.ScanInterval,
		staleThreshold: cfg.StaleThreshold,
	}
}

// Run scans once at startup, then on every tick until ctx is canceled.
// The startup scan covers jobs orphaned while no process was running.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Watchdog started",
		slog.Duration("scan_interval", w.scanInterval),
		slog.Duration("stale_threshold", w.staleThreshold),
	)

	w.Scan(ctx)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs a single recovery pass. A scan still in flight makes this call
// a no-op; a slow pass must never stack behind the ticker.
func (w *Watchdog) Scan(ctx context.Context) {
	if !w.scanning.CompareAndSwap(false, true) {
		w.logger.Debug("Skipping scan, previous scan still running")
		return
	}
	defer w.scanning.Store(false)

	started := time.Now()
	metrics.WatchdogScans.Inc()

	cutoff := started.Add(-w.staleThreshold)
	docs, err := w.store.FindStaleDocuments(ctx, cutoff)
	if err != nil {
		w.logger.Error("Failed to scan for stale documents",
			slog.Any("error", err),
		)
		return
	}

	if len(docs) > 0 {
		w.logger.Warn("Stale documents detected",
			slog.Int("count", len(docs)),
		)
	}

	for _, doc := range docs {
		metrics.StaleJobsDetected.Inc()

		// One bad record must not block the rest of the scan.
		if err := w.recover(ctx, doc, cutoff); err != nil {
			w.logger.Error("Failed to recover stale document",
				slog.String("document_id", doc.DocumentID),
				slog.Any("error", err),
			)
		}
	}

	metrics.WatchdogScanDuration.Observe(time.Since(started).Seconds())

	w.logger.Debug("Watchdog scan finished",
		slog.Int("stale", len(docs)),
		slog.Duration("took", time.Since(started)),
	)
}

// recover handles a single stale document: reconcile it if its job already
// finished, skip it if the job shows recent ledger activity, force it
// FAILED if the recovery budget is spent, otherwise mint a replacement job
// and re-queue it.
func (w *Watchdog) recover(ctx context.Context, doc domain.Document, cutoff time.Time) error {
	if doc.JobID == nil || *doc.JobID == "" {
		return fmt.Errorf("stale document %s has no job reference", doc.DocumentID)
	}
	jobID := *doc.JobID

	job, err := w.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return w.store.FailDocumentAndJob(ctx, doc.DocumentID, jobID,
				"document references a job that does not exist")
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	// The job finished but the document write was lost. Repair the
	// document instead of recovering a job that is already done.
	if job.Status.IsTerminal() {
		doc.Status = domain.DocumentStatusFailed
		if job.Status == domain.StatusCompleted {
			doc.Status = domain.DocumentStatusReady
		}
		return w.store.UpsertDocument(ctx, &doc)
	}

	// Claim, progress and outcome writes all refresh jobs.updated_at, so
	// a fresh ledger write means the job is alive and only the document
	// is lagging. Recovering it would mint a duplicate of running work.
	if job.UpdatedAt.After(cutoff) {
		w.logger.Debug("Job shows recent activity, skipping recovery",
			slog.String("job_id", jobID),
			slog.String("document_id", doc.DocumentID),
			slog.Time("job_updated_at", job.UpdatedAt),
		)
		return nil
	}

	if job.RecoveryCount >= domain.MaxRecoveryAttempts {
		w.logger.Warn("Recovery attempts exhausted",
			slog.String("job_id", jobID),
			slog.String("document_id", doc.DocumentID),
			slog.Int("recovery_count", job.RecoveryCount),
		)
		metrics.RecoveryExhausted.Inc()
		return w.store.FailDocumentAndJob(ctx, doc.DocumentID, jobID,
			fmt.Sprintf("job stalled %d times, recovery abandoned", job.RecoveryCount+1))
	}

	category, ok := w.queue.QueueFor(job.JobType)
	if !ok {
		metrics.RecoveryExhausted.Inc()
		return w.store.FailDocumentAndJob(ctx, doc.DocumentID, jobID,
			fmt.Sprintf("no queue registered for job type %s", job.JobType))
	}

	// Tombstone the stale id first so a redelivery of the old message
	// cannot race the replacement.
	if err := w.queue.Remove(ctx, jobID); err != nil {
		w.logger.Warn("Failed to remove stale job message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	recovery := &domain.Job{
		JobID:         uuid.NewString(),
		JobType:       job.JobType,
		TenantID:      job.TenantID,
		UserID:        job.UserID,
		Status:        domain.StatusQueued,
		Priority:      domain.RecoveryPriority,
		Input:         job.Input,
		RecoveryCount: job.RecoveryCount + 1,
		RecoveredFrom: &jobID,
	}

	if err := w.store.CreateRecoveryJob(ctx, recovery, doc.DocumentID); err != nil {
		return fmt.Errorf("failed to create recovery job for %s: %w", jobID, err)
	}

	// If the publish fails the QUEUED row goes stale again and the next
	// scan retries it, at the cost of one recovery attempt.
	if err := w.queue.Publish(ctx, category, recovery.JobID, recovery.Priority); err != nil {
		return fmt.Errorf("failed to enqueue recovery job %s: %w", recovery.JobID, err)
	}

	metrics.JobsRecovered.Inc()

	w.logger.Info("Stale job recovered",
		slog.String("job_id", recovery.JobID),
		slog.String("recovered_from", jobID),
		slog.String("document_id", doc.DocumentID),
		slog.Int("recovery_count", recovery.RecoveryCount),
	)

	return nil
}
