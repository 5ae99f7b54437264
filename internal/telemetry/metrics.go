package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_created_total", Help: "Jobs created by the tracker"})
	JobsReused        = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_reused_total", Help: "createJob calls answered with an already active job"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_completed_total", Help: "Jobs marked completed"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_failed_total", Help: "Jobs marked failed, including hung jobs"})
	JobsHung          = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_hung_total", Help: "Processing jobs converted to failed after the processing timeout"})
	StaleIndexEntries = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_jobs_stale_index_total", Help: "Subject index entries discarded because their job was gone or inactive"})
	RenderQueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rental_render_queue_depth", Help: "Render requests waiting for a worker"})
	RenderInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rental_render_inflight", Help: "Render requests currently leased"})
	ReconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rental_reconcile_total", Help: "Payment verification attempts by outcome"}, []string{"outcome"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	IdempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{Name: "rental_idempotent_replays_total", Help: "Guarded mutations answered from a stored response"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsReused,
			JobsCompleted,
			JobsFailed,
			JobsHung,
			StaleIndexEntries,
			RenderQueueDepth,
			RenderInFlight,
			ReconcileOutcomes,
			RateLimitRejects,
			IdempotentReplays,
		)
	})
	return promhttp.Handler()
}
