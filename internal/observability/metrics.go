package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, outcomes, and token consumption
//   - Chunks streamed to clients by type
//   - HITL approval lifecycle
//   - Event-bus dispatch and handler failures
//   - Session lock contention
//   - HTTP API latency
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model and status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ChunkCounter counts chunks streamed to clients.
	// Labels: chunk_type
	ChunkCounter *prometheus.CounterVec

	// ToolCallCounter counts tool calls emitted to the IDE.
	// Labels: tool_name, gated (yes|no)
	ToolCallCounter *prometheus.CounterVec

	// HITLCounter counts approval lifecycle transitions.
	// Labels: outcome (requested|approved|rejected|edited|expired)
	HITLCounter *prometheus.CounterVec

	// AgentSwitchCounter counts agent switches.
	// Labels: from, to
	AgentSwitchCounter *prometheus.CounterVec

	// EventCounter counts events published on the bus.
	// Labels: event_type
	EventCounter *prometheus.CounterVec

	// EventHandlerFailures counts subscriber handler errors.
	// Labels: event_type, subscriber
	EventHandlerFailures *prometheus.CounterVec

	// LockWaitDuration measures session lock acquisition wait in seconds.
	LockWaitDuration prometheus.Histogram

	// ActiveSessions tracks the current number of active sessions.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (orchestrator|llm|store|bus), kind
	ErrorCounter *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance registered on its own registry.
// Using a private registry keeps tests independent and avoids global
// duplicate-registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_llm_request_duration_seconds",
			Help:    "LLM API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_llm_requests_total",
			Help: "LLM requests by outcome.",
		}, []string{"provider", "model", "status"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_llm_tokens_total",
			Help: "Tokens consumed by LLM requests.",
		}, []string{"provider", "model", "type"}),
		ChunkCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_chunks_total",
			Help: "Chunks streamed to clients.",
		}, []string{"chunk_type"}),
		ToolCallCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Tool calls emitted to the IDE.",
		}, []string{"tool_name", "gated"}),
		HITLCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_hitl_total",
			Help: "HITL approval lifecycle transitions.",
		}, []string{"outcome"}),
		AgentSwitchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_agent_switches_total",
			Help: "Agent switches by source and target.",
		}, []string{"from", "to"}),
		EventCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events published on the bus.",
		}, []string{"event_type"}),
		EventHandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_event_handler_failures_total",
			Help: "Event subscriber handler errors.",
		}, []string{"event_type", "subscriber"}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_lock_wait_seconds",
			Help:    "Session lock acquisition wait.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of active sessions.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
		ErrorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Errors by component and kind.",
		}, []string{"component", "kind"}),
	}

	reg.MustRegister(
		m.LLMRequestDuration,
		m.LLMRequestCounter,
		m.LLMTokensUsed,
		m.ChunkCounter,
		m.ToolCallCounter,
		m.HITLCounter,
		m.AgentSwitchCounter,
		m.EventCounter,
		m.EventHandlerFailures,
		m.LockWaitDuration,
		m.ActiveSessions,
		m.HTTPRequestDuration,
		m.ErrorCounter,
	)

	return m
}

// Registry returns the private Prometheus registry for HTTP exposure.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
