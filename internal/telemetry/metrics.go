package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_requests_submitted_total", Help: "Mint requests accepted at intake"}, []string{"chain"})
	CompletedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_requests_completed_total", Help: "Mint requests that settled"}, []string{"chain"})
	FailedCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_requests_failed_total", Help: "Mint requests that failed, by stage and error kind"}, []string{"stage", "kind"})
	RateLimitRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"}, []string{"scope"})
	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{Name: "mint_rate_limit_fail_open_total", Help: "Submissions allowed because the limiter store was unreachable"})
	StageSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_stage_completed_total", Help: "Stage jobs completed successfully"}, []string{"stage"})
	StageRetries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_stage_retries_total", Help: "Stage jobs that failed and will retry"}, []string{"stage"})
	StageDeadLetter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mint_stage_dead_letter_total", Help: "Stage jobs moved to the DLQ"}, []string{"stage"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mint_queue_depth", Help: "Ready jobs per stage"}, []string{"stage"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mint_jobs_inflight", Help: "Jobs currently leased"})
	BreakerState      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mint_breaker_state", Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open"}, []string{"breaker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			CompletedCounter,
			FailedCounter,
			RateLimitRejects,
			RateLimitFailOpen,
			StageSuccess,
			StageRetries,
			StageDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			BreakerState,
		)
	})
	return promhttp.Handler()
}
