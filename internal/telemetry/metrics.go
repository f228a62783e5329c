package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RecordsScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_records_scheduled_total", Help: "Dispatch records created by the generator"})
	ScheduleSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_schedule_skipped_total", Help: "Recipients skipped because a record already existed for the day"})
	DispatchSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_dispatch_sent_total", Help: "Messages delivered successfully"})
	DispatchFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_dispatch_failed_total", Help: "Delivery attempts that failed"})
	DispatchRetry    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_dispatch_retry_total", Help: "Failed attempts rescheduled for retry"})
	DispatchDead     = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_dispatch_dead_letter_total", Help: "Records that exhausted their retries"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_dispatch_claim_conflicts_total", Help: "Records already claimed by another dispatcher"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leados_dispatch_inflight", Help: "Sends currently in progress"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "leados_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "leados_dispatch_run_seconds",
		Help:    "Wall time of a dispatch run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RecordsScheduled,
			ScheduleSkipped,
			DispatchSent,
			DispatchFailed,
			DispatchRetry,
			DispatchDead,
			ClaimConflicts,
			InFlightGauge,
			RateLimitRejects,
			DispatchDuration,
		)
	})
	return promhttp.Handler()
}
