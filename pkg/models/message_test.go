package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessage_HasToolCall(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "read_file"},
			{ID: "c2", Name: "write_file"},
		},
	}

	if !msg.HasToolCall("c1") {
		t.Error("expected c1 to be present")
	}
	if !msg.HasToolCall("c2") {
		t.Error("expected c2 to be present")
	}
	if msg.HasToolCall("c3") {
		t.Error("did not expect c3")
	}

	var nilMsg *Message
	if nilMsg.HasToolCall("c1") {
		t.Error("nil message should have no tool calls")
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	orig := Message{
		ID:         "m1",
		SessionID:  "s1",
		Role:       RoleAssistant,
		Content:    "reading the file",
		ToolCalls:  []ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`)}},
		TokenCount: 12,
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != orig.ID || got.Role != orig.Role || got.Content != orig.Content {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].ID != "c1" {
		t.Errorf("tool calls lost in round trip: %+v", got.ToolCalls)
	}
	if string(got.ToolCalls[0].Arguments) != `{"path":"main.go"}` {
		t.Errorf("arguments mangled: %s", got.ToolCalls[0].Arguments)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"hi", 1},
		{"12345678", 2},
		{string(make([]byte, 400)), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.content); got != tt.want {
			t.Errorf("EstimateTokens(%d bytes) = %d, want %d", len(tt.content), got, tt.want)
		}
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem, RoleTool} {
		if !r.Valid() {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if Role("bot").Valid() {
		t.Error("unexpected valid role")
	}
}

func TestAgentType_Valid(t *testing.T) {
	for _, a := range []AgentType{AgentOrchestrator, AgentCoder, AgentArchitect, AgentDebug, AgentAsk, AgentUniversal} {
		if !a.Valid() {
			t.Errorf("expected %q to be valid", a)
		}
	}
	if AgentType("reviewer").Valid() {
		t.Error("unexpected valid agent type")
	}
}
