// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ProxyErrors      *prometheus.CounterVec
	PanicsRecovered  prometheus.Counter
	BreakerTransits  *prometheus.CounterVec
	TenantInjections *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"upstream", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_upstream_responses_total",
			Help: "Total upstream responses by upstream, method and status code.",
		}, []string{"upstream", "method", "status_code"}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_errors_total",
			Help: "Requests that ended in a routing or forwarding error, by kind.",
		}, []string{"kind"}),

		PanicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_proxy_panics_recovered_total",
			Help: "Panics caught at the request boundary.",
		}),

		BreakerTransits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_circuit_breaker_transitions_total",
			Help: "Upstream circuit breaker state transitions.",
		}, []string{"upstream", "from", "to"}),

		TenantInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_tenant_injections_total",
			Help: "Tenant header injections by resolution source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ProxyErrors,
		m.PanicsRecovered,
		m.BreakerTransits,
		m.TenantInjections,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
