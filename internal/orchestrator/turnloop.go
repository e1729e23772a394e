package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// turnLoop drives the agent turn state machine: build the prompt for the
// current agent, stream the completion, and dispatch on how it finished.
// The loop re-enters itself after gate rejections and Orchestrator
// routing; it exits when a final answer, a tool call, or a HITL request
// has been delivered.
func (s *Service) turnLoop(ctx context.Context, sessionID string, emit emitFn) error {
	for {
		current, err := s.contexts.CurrentAgent(ctx, sessionID)
		if err != nil {
			return err
		}

		// Single-agent deployments bypass the Orchestrator's routing call
		// and hand the turn straight to the Universal agent.
		if current == models.AgentOrchestrator && s.registry.Mode() == agents.ModeSingle {
			sw, err := s.contexts.Switch(ctx, sessionID, models.AgentUniversal, "single-agent deployment")
			if err != nil {
				return err
			}
			if sw != nil && !emit(models.SwitchAgentChunk(sw.From, sw.To, sw.Reason)) {
				return nil
			}
			continue
		}

		def, ok := s.registry.Get(current)
		if !ok {
			return fmt.Errorf("orchestrator: agent %q is not deployed", current)
		}

		history, err := s.sessions.History(ctx, sessionID, s.config.HistoryLimit)
		if err != nil {
			return err
		}

		turnCtx := observability.WithAgent(ctx, string(current))
		stream, err := s.driver.Stream(turnCtx, &llm.Request{
			System:   def.SystemPrompt,
			Messages: history,
			Tools:    s.allowedTools(def),
		})
		if err != nil {
			return err
		}

		var text strings.Builder
		var calls []models.ToolCall
		finish := llm.FinishReason("")

	consume:
		for chunk := range stream {
			switch {
			case chunk.Err != nil:
				// Surface the error and exit; nothing further is persisted
				// so the client can retry the user message.
				return chunk.Err

			case chunk.Text != "":
				text.WriteString(chunk.Text)
				if !emit(models.TextChunk(chunk.Text, false)) {
					return nil
				}

			case chunk.ToolCall != nil:
				calls = append(calls, *chunk.ToolCall)
			}

			if chunk.Done {
				finish = chunk.FinishReason
				break consume
			}
		}

		switch finish {
		case llm.FinishStop, llm.FinishLength:
			msg := &models.Message{
				SessionID: sessionID,
				Role:      models.RoleAssistant,
				Content:   text.String(),
			}
			if finish == llm.FinishLength {
				msg.Metadata = map[string]any{"truncated": true}
			}
			if _, err := s.sessions.AddMessage(ctx, msg); err != nil {
				return err
			}
			if !emit(models.TextChunk(text.String(), true)) {
				return nil
			}
			emit(models.DoneChunk())
			return nil

		case llm.FinishToolCalls:
			again, err := s.handleToolCalls(ctx, sessionID, def, text.String(), calls, emit)
			if err != nil {
				return err
			}
			if !again {
				return nil
			}
			// Gate rejection or Orchestrator routing: run another turn.

		default:
			// The stream ended without a usable finish; treat as cancelled.
			return nil
		}
	}
}

// handleToolCalls persists the assistant message carrying the calls, then
// dispatches each call: switch_mode changes the agent out-of-band, gate
// failures inject paired error results, gated tools raise HITL requests,
// and everything else is emitted for the IDE to execute. It returns true
// when the loop should run another turn immediately.
func (s *Service) handleToolCalls(ctx context.Context, sessionID string, def *agents.Definition, text string, calls []models.ToolCall, emit emitFn) (bool, error) {
	if len(calls) == 0 {
		// tool_calls finish with no completed calls; treat as a plain stop.
		if _, err := s.sessions.AddMessage(ctx, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   text,
		}); err != nil {
			return false, err
		}
		emit(models.DoneChunk())
		return false, nil
	}

	// The assistant message carrying the calls is persisted before any
	// result so every tool-role message pairs with an earlier call.
	if _, err := s.sessions.AddMessage(ctx, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	}); err != nil {
		return false, err
	}

	emitted := false
	for i := range calls {
		call := calls[i]

		if call.Name == tools.SwitchMode {
			return s.handleSwitchMode(ctx, sessionID, def, call, calls[i+1:], emit)
		}

		if gateErr := s.gate.Check(def, call); gateErr != nil {
			if err := s.appendToolError(ctx, sessionID, call, gateErr.Message()); err != nil {
				return false, err
			}
			if !emit(models.ErrorChunk("tool_not_allowed", gateErr.Error(), false)) {
				return false, nil
			}
			continue
		}

		if s.hitl.RequiresApproval(call.Name) {
			if _, err := s.hitl.CreatePending(ctx, sessionID, call.ID, call.Name, call.Arguments); err != nil {
				return false, err
			}
			if !emit(models.HITLRequestChunk(call.ID, call.Name, call.Arguments)) {
				return false, nil
			}
			emitted = true
			continue
		}

		if !emit(models.ToolCallChunk(call.ID, call.Name, call.Arguments)) {
			return false, nil
		}
		s.bus.Publish(&models.Event{
			Type:      models.EventToolCallEmitted,
			SessionID: sessionID,
			Tool:      &models.ToolEventPayload{CallID: call.ID, ToolName: call.Name, Args: call.Arguments},
		})
		emitted = true
	}

	if emitted {
		// Execution continues remotely; the stream closes and the next
		// action arrives via tool_result or hitl_decision.
		return false, nil
	}

	// Every call was rejected by the gate: let the model react to the
	// injected error results.
	return true, nil
}

// handleSwitchMode applies the out-of-band agent switch signal. The
// switch_mode call itself never receives a tool-role result; any calls
// the model batched after it are cancelled with paired results so the
// transcript stays coherent.
func (s *Service) handleSwitchMode(ctx context.Context, sessionID string, def *agents.Definition, call models.ToolCall, superseded []models.ToolCall, emit emitFn) (bool, error) {
	for _, other := range superseded {
		if other.Name == tools.SwitchMode {
			continue
		}
		if err := s.appendToolError(ctx, sessionID, other, "Cancelled: superseded by agent switch"); err != nil {
			return false, err
		}
	}

	var args struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		emit(models.ErrorChunk("tool_not_allowed", "switch_mode arguments are not valid JSON", true))
		return false, nil
	}

	target, ok := s.registry.RouteTarget(args.Mode)
	if !ok {
		// Unknown target, or a deployment without specialists (the
		// Universal agent has nowhere to switch to). The call stays
		// unpaired like every switch_mode; the client sees the refusal.
		emit(models.ErrorChunk("tool_not_allowed",
			fmt.Sprintf("switch_mode target %q is not deployed", args.Mode), true))
		return false, nil
	}

	sw, err := s.contexts.Switch(ctx, sessionID, target, args.Reason)
	if err != nil {
		return false, err
	}
	if sw != nil && !emit(models.SwitchAgentChunk(sw.From, sw.To, sw.Reason)) {
		return false, nil
	}

	// Orchestrator routing re-enters the loop immediately so the
	// specialist answers the pending user message in the same turn.
	// A specialist-initiated switch waits for the next user input.
	if def.Type == models.AgentOrchestrator {
		return true, nil
	}
	return false, nil
}

// appendToolError persists a tool-role error message paired to the call.
func (s *Service) appendToolError(ctx context.Context, sessionID string, call models.ToolCall, content string) error {
	_, err := s.sessions.AddMessage(ctx, &models.Message{
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	})
	return err
}

// allowedTools filters the catalog to the agent's allow-list for the
// wire request.
func (s *Service) allowedTools(def *agents.Definition) []*tools.Tool {
	all := s.catalog.All()
	out := make([]*tools.Tool, 0, len(all))
	for _, tool := range all {
		if def.Allowed(tool.Name) {
			out = append(out, tool)
		}
	}
	return out
}
