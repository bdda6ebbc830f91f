// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LatencyBuckets covers local JWKS verification up to slow identity provider round trips
var LatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

var (
	// RequestsTotal counts all HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LatencyBuckets,
		},
		[]string{"method", "route"},
	)

	// AuthDecisionsTotal counts access decisions by credential channel, decision and outcome.
	AuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_auth_decisions_total",
			Help: "Authentication decisions",
		},
		[]string{"channel", "decision", "outcome"},
	)

	// TokenValidationDuration records credential validation latency by channel and result.
	TokenValidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authgate_token_validation_duration_seconds",
			Help:    "Token validation latency",
			Buckets: LatencyBuckets,
		},
		[]string{"channel", "result"},
	)

	// UpstreamFailuresTotal counts identity provider failures by operation.
	UpstreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_upstream_failures_total",
			Help: "Identity provider failures",
		},
		[]string{"operation"},
	)

	// GroupCacheLookupsTotal counts group membership cache lookups by result (hit, miss, error).
	GroupCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_group_cache_lookups_total",
			Help: "Group cache lookups",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthDecisionsTotal,
		TokenValidationDuration,
		UpstreamFailuresTotal,
		GroupCacheLookupsTotal,
	)
}
