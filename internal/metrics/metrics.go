package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_executions_total",
			Help: "Total number of synchronous runs",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderunner_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_active_sessions",
			Help: "Number of interactive sessions with a live process",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_sessions_total",
			Help: "Interactive sessions by language and how they ended",
		},
		[]string{"language", "outcome"}, // outcome: "exited", "terminated", "compile_error", "internal_error"
	)

	FramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_frames_published_total",
			Help: "Terminal frames handed to the event sink",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_frames_dropped_total",
			Help: "Frames dropped because a subscriber was too slow",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)

	RunnerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_runner_rejections_total",
			Help: "Synchronous runs rejected because the runner was at capacity",
		},
	)
)
