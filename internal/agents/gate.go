package agents

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// GateError describes why a tool call was refused. It is injected back
// into the conversation as a paired tool-role error message so the model
// can react; it is never silently swallowed.
type GateError struct {
	CallID   string
	ToolName string
	Agent    models.AgentType
	Reason   string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("tool %s not permitted for agent %s: %s", e.ToolName, e.Agent, e.Reason)
}

// Message renders the error as tool-result content for the LLM.
func (e *GateError) Message() string {
	return fmt.Sprintf("Error: %s", e.Error())
}

// Gate enforces tool permissions for every tool call the LLM emits.
type Gate struct {
	catalog *tools.Registry
}

// NewGate creates the tool gate over the given catalog.
func NewGate(catalog *tools.Registry) *Gate {
	return &Gate{catalog: catalog}
}

// Check validates one tool call against the agent's permissions:
// membership in the allow-list, argument schema validity, and file
// restrictions on writes. A nil return means the call may be emitted.
func (g *Gate) Check(agent *Definition, call models.ToolCall) *GateError {
	if !agent.Allowed(call.Name) {
		return &GateError{
			CallID:   call.ID,
			ToolName: call.Name,
			Agent:    agent.Type,
			Reason:   "tool is not in the agent's allow-list",
		}
	}

	if err := g.catalog.ValidateArguments(call.Name, call.Arguments); err != nil {
		return &GateError{
			CallID:   call.ID,
			ToolName: call.Name,
			Agent:    agent.Type,
			Reason:   err.Error(),
		}
	}

	if call.Name == "write_file" {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return &GateError{
				CallID:   call.ID,
				ToolName: call.Name,
				Agent:    agent.Type,
				Reason:   "arguments are not a valid JSON object",
			}
		}
		if !agent.PathPermitted(args.Path) {
			return &GateError{
				CallID:   call.ID,
				ToolName: call.Name,
				Agent:    agent.Type,
				Reason:   fmt.Sprintf("path %q violates the agent's file restrictions", args.Path),
			}
		}
	}

	return nil
}
