// Package agentctx tracks the currently-active agent per session and
// records agent switches.
package agentctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// Service manages the per-session agent context. Contexts are created
// lazily on first use with the Orchestrator active.
type Service struct {
	store store.ContextStore
	bus   *events.Bus
}

// NewService creates the agent context service.
func NewService(st store.ContextStore, bus *events.Bus) *Service {
	return &Service{store: st, bus: bus}
}

// GetOrCreate loads the session's context, creating it with the
// Orchestrator active when none exists yet.
func (s *Service) GetOrCreate(ctx context.Context, sessionID string) (*models.AgentContext, error) {
	agentCtx, err := s.store.GetContext(ctx, sessionID)
	if err == nil {
		return agentCtx, nil
	}
	if !errors.Is(err, store.ErrContextNotFound) {
		return nil, err
	}

	agentCtx = &models.AgentContext{
		SessionID:    sessionID,
		CurrentAgent: models.AgentOrchestrator,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateContext(ctx, agentCtx); err != nil {
		return nil, fmt.Errorf("create agent context: %w", err)
	}
	return agentCtx, nil
}

// CurrentAgent returns the active agent for the session, creating the
// context when needed.
func (s *Service) CurrentAgent(ctx context.Context, sessionID string) (models.AgentType, error) {
	agentCtx, err := s.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return agentCtx.CurrentAgent, nil
}

// Switch transitions the session to a new agent, records the switch, and
// publishes agent.switched. Switching to the already-active agent is a
// no-op and records nothing.
func (s *Service) Switch(ctx context.Context, sessionID string, to models.AgentType, reason string) (*models.AgentSwitch, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("agentctx: unknown agent %q", to)
	}

	agentCtx, err := s.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if agentCtx.CurrentAgent == to {
		return nil, nil
	}

	sw := models.AgentSwitch{
		From:       agentCtx.CurrentAgent,
		To:         to,
		Reason:     reason,
		SwitchedAt: time.Now().UTC(),
	}
	if err := s.store.RecordSwitch(ctx, sessionID, sw); err != nil {
		return nil, fmt.Errorf("record switch: %w", err)
	}

	s.bus.Publish(&models.Event{
		Type:      models.EventAgentSwitched,
		SessionID: sessionID,
		Switch: &models.SwitchEventPayload{
			From:   sw.From,
			To:     sw.To,
			Reason: sw.Reason,
		},
	})
	return &sw, nil
}
