package models

import "encoding/json"

// ChunkType identifies one logical frame in the server-to-client stream.
type ChunkType string

const (
	ChunkSessionInfo      ChunkType = "session_info"
	ChunkAssistantMessage ChunkType = "assistant_message"
	ChunkToolCall         ChunkType = "tool_call"
	ChunkHITLRequest      ChunkType = "hitl_request"
	ChunkSwitchAgent      ChunkType = "switch_agent"
	ChunkError            ChunkType = "error"
	ChunkDone             ChunkType = "done"
)

// Chunk is one frame yielded by the orchestrator and serialised as one
// SSE data line at the HTTP boundary.
type Chunk struct {
	Type ChunkType `json:"type"`

	// session_info
	SessionID string `json:"session_id,omitempty"`

	// assistant_message
	Token   string `json:"token,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// tool_call / hitl_request
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// switch_agent
	FromAgent AgentType `json:"from_agent,omitempty"`
	ToAgent   AgentType `json:"to_agent,omitempty"`
	Reason    string    `json:"reason,omitempty"`

	// error
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SessionInfoChunk announces the real session ID for a new session.
func SessionInfoChunk(sessionID string) *Chunk {
	return &Chunk{Type: ChunkSessionInfo, SessionID: sessionID}
}

// TextChunk carries streamed assistant text.
func TextChunk(token string, final bool) *Chunk {
	return &Chunk{Type: ChunkAssistantMessage, Token: token, IsFinal: final}
}

// ToolCallChunk asks the IDE to execute a tool and post the result back.
func ToolCallChunk(callID, tool string, args json.RawMessage) *Chunk {
	return &Chunk{Type: ChunkToolCall, CallID: callID, ToolName: tool, Arguments: args}
}

// HITLRequestChunk asks the IDE to prompt the user for approval.
func HITLRequestChunk(callID, tool string, args json.RawMessage) *Chunk {
	return &Chunk{Type: ChunkHITLRequest, CallID: callID, ToolName: tool, Arguments: args}
}

// SwitchAgentChunk informs the client that the active agent changed.
func SwitchAgentChunk(from, to AgentType, reason string) *Chunk {
	return &Chunk{Type: ChunkSwitchAgent, FromAgent: from, ToAgent: to, Reason: reason}
}

// ErrorChunk surfaces a normalised error to the client.
func ErrorChunk(kind, detail string, final bool) *Chunk {
	return &Chunk{Type: ChunkError, Kind: kind, Detail: detail, IsFinal: final}
}

// DoneChunk terminates a stream that completed normally.
func DoneChunk() *Chunk {
	return &Chunk{Type: ChunkDone}
}
