// Package metrics provides Prometheus instrumentation for the gateway:
// dispatch outcomes, cache effectiveness, rate-limit rejections, circuit
// transitions, failovers and queue behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelgate"

// LatencyBuckets covers the latency range of LLM backends, from cache hits
// in the low milliseconds to multi-minute batch completions.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 4.0, 8.0, 15.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts dispatched requests by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total inference requests by backend, provider and outcome",
		},
		[]string{"backend", "provider", "outcome"},
	)

	// RequestLatency tracks end-to-end dispatch latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"backend", "provider"},
	)

	// CacheLookups counts cache outcomes; kind is "exact", "semantic" or
	// "miss".
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result kind",
		},
		[]string{"kind"},
	)

	// RateLimitRejections counts terminal rate-limit rejections.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"caller", "backend", "kind"},
	)

	// CircuitTransitions counts breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// Failovers counts retries onto a fallback backend.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Failover attempts from a failed backend to a fallback",
		},
		[]string{"from_backend", "to_backend"},
	)

	// QueueDepth reports the current admission queue depth.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current admission queue depth",
		},
	)

	// QueueDropped counts queued requests dropped before dispatch.
	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Queued requests dropped by reason (expired, rejected)",
		},
		[]string{"reason"},
	)

	// TokensProcessed counts billed tokens by direction.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Tokens processed by backend and direction (input, output)",
		},
		[]string{"backend", "direction"},
	)
)
