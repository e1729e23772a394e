// Package hitl stores, queries, and resolves pending human-in-the-loop
// tool approvals.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// gatedTools lists the side-effecting tools that always require approval.
var gatedTools = map[string]bool{
	"write_file":       true,
	"execute_command":  true,
	"create_directory": true,
}

// Service manages pending approvals for side-effecting tool calls.
type Service struct {
	store store.ApprovalStore
	bus   *events.Bus

	// destructive holds extra tool names flagged as destructive at
	// construction time; immutable afterwards.
	destructive map[string]bool
}

// NewService creates the HITL service. extraDestructive lists deployment
// specific tools gated in addition to the built-in set.
func NewService(st store.ApprovalStore, bus *events.Bus, extraDestructive []string) *Service {
	destructive := make(map[string]bool, len(extraDestructive))
	for _, name := range extraDestructive {
		destructive[name] = true
	}
	return &Service{store: st, bus: bus, destructive: destructive}
}

// RequiresApproval reports whether a tool is gated behind user approval.
// Read-only tools never are.
func (s *Service) RequiresApproval(toolName string) bool {
	return gatedTools[toolName] || s.destructive[toolName]
}

// CreatePending records an approval awaiting a user decision and
// publishes hitl.requested.
func (s *Service) CreatePending(ctx context.Context, sessionID, callID, toolName string, args json.RawMessage) (*models.PendingApproval, error) {
	approval := &models.PendingApproval{
		CallID:    callID,
		SessionID: sessionID,
		ToolName:  toolName,
		Arguments: args,
		Status:    models.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("create pending approval: %w", err)
	}

	s.bus.Publish(&models.Event{
		Type:      models.EventHITLRequested,
		SessionID: sessionID,
		HITL: &models.HITLEventPayload{
			CallID:   callID,
			ToolName: toolName,
		},
	})
	return approval, nil
}

// ListPending returns a session's unresolved approvals, oldest first;
// used to replay approval prompts on session resume.
func (s *Service) ListPending(ctx context.Context, sessionID string) ([]*models.PendingApproval, error) {
	return s.store.ListPendingApprovals(ctx, sessionID)
}

// Resolve applies a user decision. Resolving an unknown or already
// resolved call ID returns (nil, nil) so replayed decisions stay
// harmless. The pending record is removed and hitl.decided published.
func (s *Service) Resolve(ctx context.Context, callID string, decision models.Decision, feedback string, modifiedArgs json.RawMessage) (*models.PendingApproval, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("hitl: invalid decision %q", decision)
	}

	approval, err := s.store.GetApproval(ctx, callID)
	if errors.Is(err, store.ErrApprovalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch decision {
	case models.DecisionApprove:
		approval.Status = models.ApprovalApproved
	case models.DecisionReject:
		approval.Status = models.ApprovalRejected
	case models.DecisionEdit:
		approval.Status = models.ApprovalEdited
	}
	approval.DecisionFeedback = feedback
	if len(modifiedArgs) > 0 {
		approval.ModifiedArgs = modifiedArgs
	}

	if err := s.store.DeleteApproval(ctx, callID); err != nil {
		return nil, fmt.Errorf("remove resolved approval: %w", err)
	}

	s.bus.Publish(&models.Event{
		Type:      models.EventHITLDecided,
		SessionID: approval.SessionID,
		HITL: &models.HITLEventPayload{
			CallID:   callID,
			ToolName: approval.ToolName,
			Decision: decision,
			Feedback: feedback,
		},
	})
	return approval, nil
}

// EffectiveArguments merges the user's modified arguments over the
// original tool arguments. Edit decisions replace overlapping keys and
// keep the rest.
func EffectiveArguments(original, modified json.RawMessage) json.RawMessage {
	if len(modified) == 0 {
		return original
	}
	if len(original) == 0 {
		return modified
	}

	var base, overlay map[string]any
	if err := json.Unmarshal(original, &base); err != nil {
		return modified
	}
	if err := json.Unmarshal(modified, &overlay); err != nil {
		return original
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return modified
	}
	return merged
}
