// Package metrics exposes the gateway's Prometheus collectors:
//
//	ibkr_mcp_tool_calls_total{tool,outcome}
//	ibkr_mcp_tool_call_duration_seconds{tool}
//	ibkr_mcp_http_requests_total{method,route,code}
//	ibkr_mcp_http_request_duration_seconds{route}
//	ibkr_mcp_broker_connected
//	ibkr_mcp_broker_state
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/session"
)

const namespace = "ibkr_mcp"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	connected    prometheus.Gauge
	state        prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Number of tool invocations by outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests served",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker session is connected",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_state",
			Help:      "Broker session state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
	}

	m.registry.MustRegister(
		m.toolCalls,
		m.toolDuration,
		m.httpRequests,
		m.httpDuration,
		m.connected,
		m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(_ context.Context, call domain.ToolCall) {
	tool := call.Tool
	if call.Kind == domain.KindUnknownTool {
		// Caller-supplied names would make the label set unbounded.
		tool = "unknown"
	}
	outcome := "success"
	if !call.Success {
		outcome = strings.ToLower(string(call.Kind))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(call.Duration.Seconds())
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveState records a session state transition.
func (m *Metrics) ObserveState(st session.State) {
	m.state.Set(float64(st))
	if st == session.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Watch keeps the broker gauges in step with s.
func (m *Metrics) Watch(s *session.Session) {
	m.ObserveState(s.State())
	s.OnStateChange(m.ObserveState)
}
