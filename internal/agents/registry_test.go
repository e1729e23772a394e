package agents

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestNewRegistry_MultiMode(t *testing.T) {
	r, err := NewRegistry(ModeMulti)
	if err != nil {
		t.Fatal(err)
	}

	want := []models.AgentType{
		models.AgentOrchestrator, models.AgentCoder, models.AgentArchitect,
		models.AgentDebug, models.AgentAsk,
	}
	for _, agentType := range want {
		if _, ok := r.Get(agentType); !ok {
			t.Errorf("agent %s missing in multi mode", agentType)
		}
	}
	if _, ok := r.Get(models.AgentUniversal); ok {
		t.Error("universal agent must not be deployed in multi mode")
	}
	if len(r.All()) != 5 {
		t.Errorf("expected 5 agents, got %d", len(r.All()))
	}
}

func TestNewRegistry_SingleMode(t *testing.T) {
	r, err := NewRegistry(ModeSingle)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(models.AgentUniversal); !ok {
		t.Error("universal agent missing in single mode")
	}
	if _, ok := r.Get(models.AgentCoder); ok {
		t.Error("specialists must not be deployed in single mode")
	}
}

func TestAgentPermissions(t *testing.T) {
	r, err := NewRegistry(ModeMulti)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		agent   models.AgentType
		tool    string
		allowed bool
	}{
		{models.AgentOrchestrator, "read_file", true},
		{models.AgentOrchestrator, tools.SwitchMode, true},
		{models.AgentOrchestrator, "write_file", false},
		{models.AgentCoder, "write_file", true},
		{models.AgentCoder, "execute_command", true},
		{models.AgentArchitect, "write_file", true},
		{models.AgentDebug, "execute_command", true},
		{models.AgentDebug, "write_file", false},
		{models.AgentDebug, "create_directory", false},
		{models.AgentAsk, "read_file", true},
		{models.AgentAsk, "write_file", false},
		{models.AgentAsk, "execute_command", false},
	}

	for _, tt := range tests {
		def, ok := r.Get(tt.agent)
		if !ok {
			t.Fatalf("agent %s missing", tt.agent)
		}
		if got := def.Allowed(tt.tool); got != tt.allowed {
			t.Errorf("%s.Allowed(%s) = %v, want %v", tt.agent, tt.tool, got, tt.allowed)
		}
	}
}

func TestArchitectFileRestrictions(t *testing.T) {
	r, err := NewRegistry(ModeMulti)
	if err != nil {
		t.Fatal(err)
	}
	architect, _ := r.Get(models.AgentArchitect)

	if !architect.PathPermitted("docs/design.md") {
		t.Error("architect must be able to write markdown")
	}
	if architect.PathPermitted("main.go") {
		t.Error("architect must not write non-markdown files")
	}

	coder, _ := r.Get(models.AgentCoder)
	if !coder.PathPermitted("main.go") {
		t.Error("coder has no file restrictions")
	}
}

func TestRouteTarget(t *testing.T) {
	r, err := NewRegistry(ModeMulti)
	if err != nil {
		t.Fatal(err)
	}

	if target, ok := r.RouteTarget("coder"); !ok || target != models.AgentCoder {
		t.Errorf("route coder: %v %v", target, ok)
	}
	if _, ok := r.RouteTarget("orchestrator"); ok {
		t.Error("routing back to the orchestrator is not a valid target")
	}
	if _, ok := r.RouteTarget("universal"); ok {
		t.Error("universal is not deployed in multi mode")
	}

	single, _ := NewRegistry(ModeSingle)
	if target, ok := single.RouteTarget("universal"); !ok || target != models.AgentUniversal {
		t.Errorf("route universal in single mode: %v %v", target, ok)
	}
}

func newGate(t *testing.T) (*Gate, *Registry) {
	t.Helper()
	catalog, err := tools.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	registry, err := NewRegistry(ModeMulti)
	if err != nil {
		t.Fatal(err)
	}
	return NewGate(catalog), registry
}

func TestGate_AllowsPermittedCall(t *testing.T) {
	gate, registry := newGate(t)
	coder, _ := registry.Get(models.AgentCoder)

	err := gate.Check(coder, models.ToolCall{
		ID: "c1", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"main.go","content":"package main"}`),
	})
	if err != nil {
		t.Errorf("permitted call rejected: %v", err)
	}
}

func TestGate_RejectsDisallowedTool(t *testing.T) {
	gate, registry := newGate(t)
	ask, _ := registry.Get(models.AgentAsk)

	err := gate.Check(ask, models.ToolCall{
		ID: "c3", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"a.py","content":"x"}`),
	})
	if err == nil {
		t.Fatal("expected gate rejection for ask + write_file")
	}
	if err.CallID != "c3" || err.Agent != models.AgentAsk {
		t.Errorf("gate error fields wrong: %+v", err)
	}
}

func TestGate_RejectsRestrictedPath(t *testing.T) {
	gate, registry := newGate(t)
	architect, _ := registry.Get(models.AgentArchitect)

	if err := gate.Check(architect, models.ToolCall{
		ID: "c4", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"design.md","content":"# Plan"}`),
	}); err != nil {
		t.Errorf("markdown write rejected: %v", err)
	}

	err := gate.Check(architect, models.ToolCall{
		ID: "c5", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"main.go","content":"package main"}`),
	})
	if err == nil {
		t.Error("expected restriction rejection for non-markdown write")
	}
}

func TestGate_RejectsSchemaViolations(t *testing.T) {
	gate, registry := newGate(t)
	coder, _ := registry.Get(models.AgentCoder)

	err := gate.Check(coder, models.ToolCall{
		ID: "c6", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"a.go"}`), // content missing
	})
	if err == nil {
		t.Error("expected schema rejection for missing content")
	}

	err = gate.Check(coder, models.ToolCall{
		ID: "c7", Name: "read_file",
		Arguments: json.RawMessage(`{"path":`),
	})
	if err == nil {
		t.Error("expected rejection for malformed JSON arguments")
	}
}
