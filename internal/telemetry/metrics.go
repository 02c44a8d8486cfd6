package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_uploads_total", Help: "Files uploaded and pushed to remote storage"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TokenRefreshes   = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_token_refreshes_total", Help: "Bearer token refreshes against the provider"})
	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_jobs_submitted_total", Help: "Spatialization jobs submitted"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_jobs_succeeded_total", Help: "Jobs that reached the success sentinel"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_jobs_failed_total", Help: "Jobs that failed or returned malformed reports"})
	PollIterations   = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_poll_iterations_total", Help: "Job status polls issued"})
	ArchivesBuilt    = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_archives_built_total", Help: "Result archives assembled"})
	SessionsEvicted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "spatial_sessions_evicted_total", Help: "Sessions removed by the TTL sweep"})
	ActiveSessions   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "spatial_active_sessions", Help: "Sessions currently held in the registry"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadCounter,
			RateLimitRejects,
			TokenRefreshes,
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			PollIterations,
			ArchivesBuilt,
			SessionsEvicted,
			ActiveSessions,
		)
	})
	return promhttp.Handler()
}
