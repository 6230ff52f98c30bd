// Package metrics holds the Prometheus collectors shared by the gateway
// client, the tool layer and the transports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stas_bridge"

// Metrics groups the bridge collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	gatewayRequests *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	gatewayRetries  *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	rpcRequests     *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway HTTP attempts by method, path and outcome.",
		}, []string{"method", "path", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Latency of single gateway HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Gateway retries scheduled after a retryable failure.",
		}, []string{"method", "path"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool invocations by tool name and result code.",
		}, []string{"tool", "code"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by transport and method.",
		}, []string{"transport", "method"}),
	}
	m.registry.MustRegister(
		m.gatewayRequests,
		m.gatewayLatency,
		m.gatewayRetries,
		m.toolCalls,
		m.rpcRequests,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) GatewayAttempt(method, path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(method, path, outcome).Inc()
	m.gatewayLatency.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) GatewayRetry(method, path string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(method, path).Inc()
}

func (m *Metrics) ToolCall(tool, code string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, code).Inc()
}

func (m *Metrics) RPCRequest(transport, method string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(transport, method).Inc()
}
