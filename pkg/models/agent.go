package models

import "time"

// AgentType names one of the fixed agent configurations in the registry.
type AgentType string

const (
	AgentOrchestrator AgentType = "orchestrator"
	AgentCoder        AgentType = "coder"
	AgentArchitect    AgentType = "architect"
	AgentDebug        AgentType = "debug"
	AgentAsk          AgentType = "ask"
	AgentUniversal    AgentType = "universal"
)

// Valid reports whether the type names a known agent.
func (t AgentType) Valid() bool {
	switch t {
	case AgentOrchestrator, AgentCoder, AgentArchitect, AgentDebug, AgentAsk, AgentUniversal:
		return true
	}
	return false
}

// AgentSwitch records one transition of a session's active agent.
type AgentSwitch struct {
	From       AgentType `json:"from"`
	To         AgentType `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	SwitchedAt time.Time `json:"switched_at"`
}

// AgentContext tracks the currently-active agent for a session and the
// full history of switches. One context exists per session, created
// lazily on first use.
//
// Invariant: SwitchCount == len(History).
type AgentContext struct {
	SessionID    string         `json:"session_id"`
	CurrentAgent AgentType      `json:"current_agent"`
	History      []AgentSwitch  `json:"history,omitempty"`
	SwitchCount  int            `json:"switch_count"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSwitchAt *time.Time     `json:"last_switch_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
