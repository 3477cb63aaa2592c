// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Media requests are measured
// to response headers, so the tail stays in the same range as JSON calls.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelayBytes        prometheus.Counter
	RelayFailures     *prometheus.CounterVec
	StreamInterrupted prometheus.Counter

	MetadataRetries prometheus.Counter
	BreakerState    *prometheus.GaugeVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anime_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anime_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anime_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anime_relay_upstream_request_duration_seconds",
			Help:    "Upstream latency to response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"upstream"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anime_relay_upstream_responses_total",
			Help: "Total upstream responses by upstream kind and status code.",
		}, []string{"upstream", "status_code"}),

		RelayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anime_relay_relayed_bytes_total",
			Help: "Total media bytes streamed back to clients.",
		}),

		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anime_relay_relay_failures_total",
			Help: "Relay requests that ended in an error response, by kind.",
		}, []string{"kind"}),

		StreamInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anime_relay_stream_interrupted_total",
			Help: "Media streams cut short after the response status was sent.",
		}),

		MetadataRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anime_relay_metadata_retries_total",
			Help: "Metadata API attempts beyond the first.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anime_relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayBytes,
		m.RelayFailures,
		m.StreamInterrupted,
		m.MetadataRetries,
		m.BreakerState,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Longer prefixes come first so /api/proxy/video wins over /api/anime lookalikes.
var knownPrefixes = []string{
	"/api/proxy/video",
	"/proxy/video",
	"/api/anime",
	"/anime",
	"/healthz",
	"/relay/status",
	"/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if path == "/" {
		return "/"
	}
	return "other"
}
