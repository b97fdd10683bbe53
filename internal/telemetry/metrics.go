package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_jobs_succeeded_total", Help: "Background jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_jobs_retried_total", Help: "Background jobs that failed and were rescheduled"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_jobs_dead_letter_total", Help: "Background jobs moved to the DLQ"})
	JobQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postpilot_job_queue_depth", Help: "Ready job queue depth"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postpilot_jobs_inflight", Help: "Jobs currently leased"})

	PublishSweeps    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_publish_sweeps_total", Help: "Publishing engine sweeps executed"})
	PostsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_posts_published_total", Help: "Scheduled posts published"})
	PublishRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_publish_retries_total", Help: "Publish attempts rescheduled for retry"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_publish_failures_total", Help: "Scheduled posts terminally failed"})
	PublishRequeues  = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_publish_requeues_total", Help: "Failed posts requeued after cool-down"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_rate_limit_rejects_total", Help: "Publish dispatches deferred by the platform rate limiter"})

	RunsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_runs_completed_total", Help: "Pipeline runs completed"})
	RunsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_runs_failed_total", Help: "Pipeline runs failed"})
	RunsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_runs_cancelled_total", Help: "Pipeline runs cancelled"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSucceeded,
			JobsRetried,
			JobsDeadLettered,
			JobQueueDepth,
			JobsInFlight,
			PublishSweeps,
			PostsPublished,
			PublishRetries,
			PublishFailures,
			PublishRequeues,
			RateLimitRejects,
			RunsCompleted,
			RunsFailed,
			RunsCancelled,
		)
	})
	return promhttp.Handler()
}
