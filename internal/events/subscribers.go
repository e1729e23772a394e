package events

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Subscriber priorities. Metrics run before audit so counters reflect an
// event even when the audit write fails.
const (
	PriorityMetrics = 10
	PriorityAudit   = 20
	PrioritySession = 30
)

// MetricsCollector translates bus events into Prometheus metrics.
type MetricsCollector struct {
	metrics *observability.Metrics
}

// NewMetricsCollector creates the metrics subscriber.
func NewMetricsCollector(metrics *observability.Metrics) *MetricsCollector {
	return &MetricsCollector{metrics: metrics}
}

func (c *MetricsCollector) Name() string { return "metrics" }

// Register subscribes the collector to every event type it understands.
func (c *MetricsCollector) Register(bus *Bus) {
	bus.SubscribeAll(AllEventTypes, c, PriorityMetrics)
}

func (c *MetricsCollector) Handle(_ context.Context, event *models.Event) error {
	switch event.Type {
	case models.EventSessionCreated:
		c.metrics.ActiveSessions.Inc()

	case models.EventAgentSwitched:
		if event.Switch != nil {
			c.metrics.AgentSwitchCounter.WithLabelValues(string(event.Switch.From), string(event.Switch.To)).Inc()
		}

	case models.EventToolCallEmitted:
		if event.Tool != nil {
			c.metrics.ToolCallCounter.WithLabelValues(event.Tool.ToolName, "no").Inc()
		}

	case models.EventHITLRequested:
		c.metrics.HITLCounter.WithLabelValues("requested").Inc()
		if event.HITL != nil {
			c.metrics.ToolCallCounter.WithLabelValues(event.HITL.ToolName, "yes").Inc()
		}

	case models.EventHITLDecided:
		if event.HITL != nil {
			outcome := "approved"
			switch event.HITL.Decision {
			case models.DecisionReject:
				outcome = "rejected"
				if event.HITL.Feedback == "expired" {
					outcome = "expired"
				}
			case models.DecisionEdit:
				outcome = "edited"
			}
			c.metrics.HITLCounter.WithLabelValues(outcome).Inc()
		}

	case models.EventLLMRequestCompleted:
		if event.LLM != nil {
			c.metrics.LLMRequestCounter.WithLabelValues(event.LLM.Provider, event.LLM.Model, "success").Inc()
			c.metrics.LLMRequestDuration.WithLabelValues(event.LLM.Provider, event.LLM.Model).
				Observe(event.LLM.Duration.Seconds())
			c.metrics.LLMTokensUsed.WithLabelValues(event.LLM.Provider, event.LLM.Model, "prompt").
				Add(float64(event.LLM.InputTokens))
			c.metrics.LLMTokensUsed.WithLabelValues(event.LLM.Provider, event.LLM.Model, "completion").
				Add(float64(event.LLM.OutputTokens))
		}

	case models.EventLLMRequestFailed:
		if event.LLM != nil {
			c.metrics.LLMRequestCounter.WithLabelValues(event.LLM.Provider, event.LLM.Model, "error").Inc()
		}
	}
	return nil
}

// AuditWriter persists audit records; implemented by the store layer.
type AuditWriter interface {
	WriteAudit(ctx context.Context, event *models.Event) error
}

// AuditLogger writes every event to the audit log table.
type AuditLogger struct {
	writer AuditWriter
}

// NewAuditLogger creates the audit subscriber.
func NewAuditLogger(writer AuditWriter) *AuditLogger {
	return &AuditLogger{writer: writer}
}

func (a *AuditLogger) Name() string { return "audit" }

// Register subscribes the audit logger to the full event stream.
func (a *AuditLogger) Register(bus *Bus) {
	bus.SubscribeAll(AllEventTypes, a, PriorityAudit)
}

func (a *AuditLogger) Handle(ctx context.Context, event *models.Event) error {
	return a.writer.WriteAudit(ctx, event)
}

// SessionUsage is the per-session LLM usage rollup served by the
// observability endpoints.
type SessionUsage struct {
	SessionID     string        `json:"session_id"`
	Requests      int           `json:"llm_requests"`
	Failures      int           `json:"llm_failures"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	TotalLatency  time.Duration `json:"total_latency_ns"`
	Messages      int           `json:"messages"`
	ToolCalls     int           `json:"tool_calls"`
	AgentSwitches int           `json:"agent_switches"`
	LastActivity  time.Time     `json:"last_activity"`
}

// SessionMetricsCollector aggregates LLM usage per session in memory.
type SessionMetricsCollector struct {
	mu    sync.RWMutex
	usage map[string]*SessionUsage
}

// NewSessionMetricsCollector creates the per-session rollup subscriber.
func NewSessionMetricsCollector() *SessionMetricsCollector {
	return &SessionMetricsCollector{usage: make(map[string]*SessionUsage)}
}

func (c *SessionMetricsCollector) Name() string { return "session_metrics" }

// Register subscribes the collector to the event types it aggregates.
func (c *SessionMetricsCollector) Register(bus *Bus) {
	bus.SubscribeAll([]models.EventType{
		models.EventMessageAppended,
		models.EventToolCallEmitted,
		models.EventAgentSwitched,
		models.EventLLMRequestCompleted,
		models.EventLLMRequestFailed,
	}, c, PrioritySession)
}

func (c *SessionMetricsCollector) Handle(_ context.Context, event *models.Event) error {
	if event.SessionID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.usage[event.SessionID]
	if !ok {
		u = &SessionUsage{SessionID: event.SessionID}
		c.usage[event.SessionID] = u
	}
	u.LastActivity = event.Time

	switch event.Type {
	case models.EventMessageAppended:
		u.Messages++
	case models.EventToolCallEmitted:
		u.ToolCalls++
	case models.EventAgentSwitched:
		u.AgentSwitches++
	case models.EventLLMRequestCompleted:
		u.Requests++
		if event.LLM != nil {
			u.InputTokens += event.LLM.InputTokens
			u.OutputTokens += event.LLM.OutputTokens
			u.TotalLatency += event.LLM.Duration
		}
	case models.EventLLMRequestFailed:
		u.Requests++
		u.Failures++
	}
	return nil
}

// Usage returns a copy of the rollup for one session, or nil if unseen.
func (c *SessionMetricsCollector) Usage(sessionID string) *SessionUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.usage[sessionID]
	if !ok {
		return nil
	}
	copied := *u
	return &copied
}

// All returns a snapshot of every session rollup.
func (c *SessionMetricsCollector) All() []*SessionUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SessionUsage, 0, len(c.usage))
	for _, u := range c.usage {
		copied := *u
		out = append(out, &copied)
	}
	return out
}

// Forget drops the rollup for a deleted session.
func (c *SessionMetricsCollector) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.usage, sessionID)
}
