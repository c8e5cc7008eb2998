package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PatientsProcessed tracks patients that went through the pipeline
	PatientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihebatch_patients_processed_total",
			Help: "Total number of patients processed",
		},
		[]string{"outcome"},
	)

	// ErrorsTotal tracks classified errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihebatch_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"category", "error_type", "stage"},
	)

	// SubmissionAttempts tracks calls to the endpoint, retries included
	SubmissionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihebatch_submission_attempts_total",
			Help: "Total number of transaction submission attempts",
		},
		[]string{"transaction", "result"},
	)

	// SubmissionLatency tracks one submission call
	SubmissionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ihebatch_submission_latency_seconds",
			Help:    "Transaction submission latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transaction"},
	)

	// StageDuration tracks per-stage pipeline time
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ihebatch_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// BatchesTotal tracks finished batches by terminal state
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihebatch_batches_total",
			Help: "Total number of finished batches",
		},
		[]string{"state"},
	)

	// RetryQueueDepth tracks pending entries in the failed patient queue
	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ihebatch_retry_queue_depth",
			Help: "Pending patients in the retry queue",
		},
	)

	// DBConnectionPoolUsage tracks in-use connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ihebatch_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)

	// PacingInterval is the current gap between two patients
	PacingInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ihebatch_pacing_interval_seconds",
			Help: "Current adaptive gap between patient submissions",
		},
	)

	// PrunedTotal counts records removed by the retention pruner
	PrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihebatch_pruned_total",
			Help: "Records removed by the retention pruner",
		},
		[]string{"kind"},
	)
)
