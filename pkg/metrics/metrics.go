package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "submissions_total", Help: "Number of admitted render submissions by kind."},
		[]string{"kind"},
	)
	RendersCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "renders_completed_total", Help: "Number of successfully completed renders by kind."},
		[]string{"kind"},
	)
	RendersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "renders_failed_total", Help: "Number of renders that exhausted their retries by kind."},
		[]string{"kind"},
	)
	RendersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "renders_cancelled_total", Help: "Number of renders aborted by cancellation by kind."},
		[]string{"kind"},
	)
	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagemill", Name: "render_duration_seconds",
			Help:    "Wall time from slot reservation to completion by kind.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"kind"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "pagemill", Name: "jobs_processing", Help: "Renders currently holding a worker slot by kind."},
		[]string{"kind"},
	)
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pagemill", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsTotal,
		RendersCompleted,
		RendersFailed,
		RendersCancelled,
		RenderDuration,
		JobsProcessing,
		RateLimitAllowed,
		RateLimitRejected,
	)
}
