package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankode_jobs_total",
			Help: "Total number of finished jobs",
		},
		[]string{"language", "kind"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rankode_stage_duration_seconds",
			Help:    "Wall time of build and run stages",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"language", "stage"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rankode_job_duration_seconds",
			Help:    "Time from admission to result, workspace preparation included",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"language"},
	)

	StageMemory = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rankode_stage_memory_bytes",
			Help:    "Peak memory reported by the sandbox per stage",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 10),
		},
		[]string{"language", "stage"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rankode_queue_depth",
			Help: "Current number of jobs waiting for a worker",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rankode_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	Rejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankode_rejected_total",
			Help: "Requests refused before execution",
		},
		[]string{"reason"}, // queue_full, abandoned, invalid
	)

	LiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rankode_live_jobs",
			Help: "Jobs whose files have not been reclaimed yet",
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rankode_cleanup_failures_total",
			Help: "Job files that could not be removed",
		},
	)

	SweptFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rankode_swept_files_total",
			Help: "Stale job files removed by the startup sweep",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rankode_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
