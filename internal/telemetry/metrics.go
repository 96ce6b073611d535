package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_jobs_created_total", Help: "Jobs created per channel"}, []string{"channel"})
	DuplicateSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_duplicate_submissions_total", Help: "Submissions answered from an existing job"}, []string{"channel"})
	JobsCompleted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"channel"})
	JobRetries           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_job_retries_total", Help: "Retries scheduled after transient failures"}, []string{"kind"})
	JobsFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_jobs_failed_total", Help: "Jobs that reached failed"}, []string{"channel"})
	DetachedTasks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestion_detached_tasks_total", Help: "Outcomes of tasks not bound to a job"}, []string{"kind", "decision"})
	ConsistencyErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestion_consistency_errors_total", Help: "Tasks whose job record no longer exists"})
	HandlerPanics        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestion_handler_panics_total", Help: "Handler panics recovered by workers"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestion_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingestion_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingestion_tasks_inflight", Help: "Tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			DuplicateSubmissions,
			JobsCompleted,
			JobRetries,
			JobsFailed,
			DetachedTasks,
			ConsistencyErrors,
			HandlerPanics,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
