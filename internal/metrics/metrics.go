// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"guardian-gateway/internal/config"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec
	ProxyFailures     *prometheus.CounterVec

	GateRejections   *prometheus.CounterVec
	WebSocketSession prometheus.Gauge

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. Path labels are bounded to the configured route prefixes.
func New(cfg *config.Config) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"service", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gateway_upstream_responses_total",
			Help: "Total upstream responses by service and status code.",
		}, []string{"service", "status_code"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gateway_upstream_retries_total",
			Help: "Connection attempts repeated after a refused connection.",
		}, []string{"service"}),

		ProxyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gateway_proxy_failures_total",
			Help: "Requests that ended in a gateway error envelope, by error code.",
		}, []string{"service", "code"}),

		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_gateway_gate_rejections_total",
			Help: "Requests rejected before forwarding, by gate and reason.",
		}, []string{"gate", "reason"}),

		WebSocketSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_gateway_websocket_sessions",
			Help: "Number of WebSocket sessions currently relayed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamRetries,
		m.ProxyFailures,
		m.GateRejections,
		m.WebSocketSession,
	)

	m.prefixes = []string{"/health", "/api/version"}
	if cfg != nil {
		for _, r := range cfg.Routes {
			m.prefixes = append(m.prefixes, r.Prefix)
		}
		if cfg.Metrics.Path != "" {
			m.prefixes = append(m.prefixes, cfg.Metrics.Path)
		}
	}

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

// NormalizePath returns the longest known prefix covering path, or "other".
func (m *Metrics) NormalizePath(path string) string {
	best := ""
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			if len(prefix) > len(best) {
				best = prefix
			}
		}
	}
	if best == "" {
		return "other"
	}
	return best
}
