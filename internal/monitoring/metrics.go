package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts reconciled feed records by collection and
	// outcome (inserted, updated or a failure kind).
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_sync_records_total",
			Help: "Feed records processed by collection and outcome",
		},
		[]string{"collection", "outcome"},
	)

	StaleMarkedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listing_sync_stale_marked_total",
			Help: "Apartments flagged as deleted by the stale pass",
		},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listing_sync_fetch_duration_seconds",
			Help:    "Feed fetch duration per endpoint",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"source"},
	)

	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_sync_fetch_failures_total",
			Help: "Feed fetches that failed after retries, by error kind",
		},
		[]string{"kind"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_sync_snapshots_total",
			Help: "Snapshots stored, by whether the payload changed",
		},
		[]string{"changed"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_sync_job_runs_total",
			Help: "Job executions by job and status",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listing_sync_job_duration_seconds",
			Help:    "Job execution duration",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"job"},
	)

	JobLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "listing_sync_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each job",
		},
		[]string{"job"},
	)

	// SchedulerFailuresTotal counts scheduled executions that reached the
	// failure hook, including lock backend errors.
	SchedulerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_sync_scheduler_failures_total",
			Help: "Scheduled job executions that failed",
		},
		[]string{"job"},
	)
)

// Job run statuses used as metric labels.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)
