// Package metrics registers the Prometheus collectors shared by the chainwatch daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainwatch_poll_cycles_total", Help: "Poll cycles by outcome"},
		[]string{"result"},
	)
	PollCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "chainwatch_poll_cycle_duration_seconds", Help: "Poll cycle latency", Buckets: prometheus.DefBuckets},
		[]string{"result"},
	)
	LastObservedHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chainwatch_last_observed_height", Help: "Highest height persisted by the poller in this process"},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainwatch_provider_calls_total", Help: "Data provider calls"},
		[]string{"backend", "op", "result"},
	)
	StorageWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainwatch_storage_writes_total", Help: "Observation upserts"},
		[]string{"result"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
	APIRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chainwatch_api_rate_limited_total", Help: "Read API requests rejected by the per-client limit"},
	)
)

func init() {
	prometheus.MustRegister(
		PollCycles, PollCycleDuration, LastObservedHeight,
		ProviderCalls, StorageWrites,
		HTTPRequests, HTTPRequestDuration, APIRateLimited,
	)
}

// Result maps an error to the "ok"/"error" label used across the collectors.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
