// Package metrics exposes the engine's lifecycle signals as Prometheus
// collectors: job completions, failures, progress reports, recoveries and
// watchdog scans. The counters are the observable form of the worker
// runtime's completed/failed/progress/stalled/error events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docjobs_jobs_submitted_total",
		Help: "Jobs accepted into the ledger, by type.",
	}, []string{"job_type"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docjobs_jobs_completed_total",
		Help: "Jobs that reached COMPLETED, by type.",
	}, []string{"job_type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docjobs_jobs_failed_total",
		Help: "Jobs that reached FAILED, by type.",
	}, []string{"job_type"})

	JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_jobs_cancelled_total",
		Help: "Jobs cancelled before completion.",
	})

	ProgressReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_progress_reports_total",
		Help: "Progress updates written to the ledger.",
	})

	DeliveriesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_deliveries_retried_total",
		Help: "Deliveries sent through the broker retry queue.",
	})

	DeliveriesParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_deliveries_parked_total",
		Help: "Deliveries parked after exhausting broker retries.",
	})

	StaleJobsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_stale_jobs_detected_total",
		Help: "Documents the watchdog found stuck past the staleness threshold.",
	})

	JobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_jobs_recovered_total",
		Help: "Stale jobs re-queued under a fresh id.",
	})

	RecoveryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_recovery_exhausted_total",
		Help: "Stale jobs forced FAILED after exceeding the recovery cap.",
	})

	WatchdogScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docjobs_watchdog_scans_total",
		Help: "Watchdog scan ticks that actually ran (single-flight skips excluded).",
	})

	WatchdogScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docjobs_watchdog_scan_duration_seconds",
		Help:    "Wall time of a full watchdog scan.",
		Buckets: prometheus.DefBuckets,
	})
)
