// Package orchestrator implements the central state machine that routes
// user messages through agents, drives the LLM tool-call loop, and emits
// the chunk stream consumed by the client.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/internal/agentctx"
	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/hitl"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// chunkBuffer sizes the outbound chunk channel.
const chunkBuffer = 16

// Config tunes the orchestration service.
type Config struct {
	// HistoryLimit caps the messages included in an LLM prompt.
	HistoryLimit int

	// AdminLockTimeout bounds lock acquisition for non-stream operations.
	AdminLockTimeout time.Duration
}

// Service is the orchestration core. All four entry points acquire the
// session lock, do their work, and release it when the chunk stream is
// exhausted or cancelled.
type Service struct {
	sessions *sessions.Service
	contexts *agentctx.Service
	hitl     *hitl.Service
	registry *agents.Registry
	gate     *agents.Gate
	catalog  *tools.Registry
	driver   *llm.Driver
	locks    *sessions.LockManager
	bus      *events.Bus
	logger   *observability.Logger
	config   Config
}

// New wires the orchestration service from its collaborators.
func New(
	sessionSvc *sessions.Service,
	contextSvc *agentctx.Service,
	hitlSvc *hitl.Service,
	registry *agents.Registry,
	gate *agents.Gate,
	catalog *tools.Registry,
	driver *llm.Driver,
	locks *sessions.LockManager,
	bus *events.Bus,
	logger *observability.Logger,
	config Config,
) *Service {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 100
	}
	if config.AdminLockTimeout <= 0 {
		config.AdminLockTimeout = 5 * time.Second
	}
	return &Service{
		sessions: sessionSvc,
		contexts: contextSvc,
		hitl:     hitlSvc,
		registry: registry,
		gate:     gate,
		catalog:  catalog,
		driver:   driver,
		locks:    locks,
		bus:      bus,
		logger:   logger,
		config:   config,
	}
}

// emitFn delivers one chunk to the client; it returns false when the
// client is gone and the generator should unwind.
type emitFn func(*models.Chunk) bool

// stream runs fn under the session lock on its own goroutine and returns
// the chunk channel. The lock is released when fn returns, including on
// cancellation; fn's error is normalised into a final Error chunk.
func (s *Service) stream(ctx context.Context, sessionID string, fn func(ctx context.Context, emit emitFn) error) <-chan *models.Chunk {
	ch := make(chan *models.Chunk, chunkBuffer)

	go func() {
		defer close(ch)

		emit := func(chunk *models.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		ctx := observability.WithSessionID(ctx, sessionID)

		// Stream handlers wait for the lock as long as the client does.
		release, err := s.locks.Acquire(ctx, sessionID, 0)
		if err != nil {
			emit(errorChunk(err))
			return
		}
		defer release()

		if err := fn(ctx, emit); err != nil {
			s.logger.Error(ctx, "orchestration step failed", "error", err)
			emit(errorChunk(err))
		}
	}()

	return ch
}

// errorChunk normalises any error into a client-facing Error chunk.
func errorChunk(err error) *models.Chunk {
	kind := "internal"
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		kind = "session_not_found"
	case errors.Is(err, store.ErrSessionDeleted):
		kind = "session_deleted"
	case errors.Is(err, sessions.ErrLockTimeout):
		kind = "lock_timeout"
	case errors.Is(err, context.Canceled):
		kind = "cancelled"
	default:
		var llmErr *llm.Error
		if errors.As(err, &llmErr) {
			kind = string(llmErr.Kind)
		}
	}
	return models.ErrorChunk(kind, err.Error(), true)
}

// ProcessMessage handles a user_message. It creates the session when the
// caller supplied no ID (or a placeholder), applies an explicit agent
// override, appends the user message, and enters the agent turn loop.
func (s *Service) ProcessMessage(ctx context.Context, sessionID, content string, agentType models.AgentType, userID string) <-chan *models.Chunk {
	isNew := sessions.IsNewSessionID(sessionID)
	realID := sessionID
	if isNew {
		// The lock must be taken on the real ID, so resolve it up front.
		realID = models.NewID()
	}

	return s.stream(ctx, realID, func(ctx context.Context, emit emitFn) error {
		if isNew {
			session, err := s.sessions.Create(ctx, realID, userID)
			if err != nil {
				return err
			}
			if !emit(models.SessionInfoChunk(session.ID)) {
				return nil
			}
		} else if err := s.ensureLive(ctx, realID); err != nil {
			return err
		}

		if agentType != "" {
			current, err := s.contexts.CurrentAgent(ctx, realID)
			if err != nil {
				return err
			}
			if agentType != current {
				sw, err := s.contexts.Switch(ctx, realID, agentType, "requested by client")
				if err != nil {
					return err
				}
				if sw != nil && !emit(models.SwitchAgentChunk(sw.From, sw.To, sw.Reason)) {
					return nil
				}
			}
		}

		if _, err := s.sessions.AddMessage(ctx, &models.Message{
			SessionID: realID,
			Role:      models.RoleUser,
			Content:   content,
		}); err != nil {
			return err
		}

		return s.turnLoop(ctx, realID, emit)
	})
}

// ProcessToolResult handles a tool_result from the IDE: it appends the
// paired tool-role message and re-enters the turn loop with the same
// agent.
func (s *Service) ProcessToolResult(ctx context.Context, sessionID, callID, toolName, result string) <-chan *models.Chunk {
	return s.stream(ctx, sessionID, func(ctx context.Context, emit emitFn) error {
		if err := s.ensureLive(ctx, sessionID); err != nil {
			return err
		}

		// Never append an orphan tool result: the call must exist on an
		// earlier assistant message.
		paired, err := s.callExists(ctx, sessionID, callID)
		if err != nil {
			return err
		}
		if !paired {
			emit(models.ErrorChunk("validation", "no tool call with id "+callID+" in session history", true))
			return nil
		}

		if _, err := s.sessions.AddMessage(ctx, &models.Message{
			SessionID:  sessionID,
			Role:       models.RoleTool,
			Name:       toolName,
			ToolCallID: callID,
			Content:    result,
		}); err != nil {
			return err
		}

		s.bus.Publish(&models.Event{
			Type:      models.EventToolResultReceived,
			SessionID: sessionID,
			Tool:      &models.ToolEventPayload{CallID: callID, ToolName: toolName},
		})

		return s.turnLoop(ctx, sessionID, emit)
	})
}

// ProcessHITLDecision applies a user's approval decision. Approvals and
// edits emit the gated ToolCall for the IDE to execute; rejections append
// a paired rejection tool message and re-enter the loop so the model can
// react.
func (s *Service) ProcessHITLDecision(ctx context.Context, sessionID, callID string, decision models.Decision, feedback string, modifiedArgs []byte) <-chan *models.Chunk {
	return s.stream(ctx, sessionID, func(ctx context.Context, emit emitFn) error {
		if err := s.ensureLive(ctx, sessionID); err != nil {
			return err
		}

		resolved, err := s.hitl.Resolve(ctx, callID, decision, feedback, modifiedArgs)
		if err != nil {
			return err
		}
		if resolved == nil {
			// Already resolved (or unknown): idempotent no-op.
			emit(models.DoneChunk())
			return nil
		}

		switch decision {
		case models.DecisionApprove, models.DecisionEdit:
			args := hitl.EffectiveArguments(resolved.Arguments, resolved.ModifiedArgs)
			if !emit(models.ToolCallChunk(resolved.CallID, resolved.ToolName, args)) {
				return nil
			}
			s.bus.Publish(&models.Event{
				Type:      models.EventToolCallEmitted,
				SessionID: sessionID,
				Tool:      &models.ToolEventPayload{CallID: resolved.CallID, ToolName: resolved.ToolName, Args: args},
			})
			return nil

		case models.DecisionReject:
			content := "Rejected by user"
			if feedback != "" {
				content = "Rejected by user: " + feedback
			}
			if _, err := s.sessions.AddMessage(ctx, &models.Message{
				SessionID:  sessionID,
				Role:       models.RoleTool,
				Name:       resolved.ToolName,
				ToolCallID: resolved.CallID,
				Content:    content,
			}); err != nil {
				return err
			}
			return s.turnLoop(ctx, sessionID, emit)
		}
		return nil
	})
}

// ProcessSwitchAgent applies an explicit agent switch. With initial
// content it behaves like a user message to the new agent; without, it
// just acknowledges the switch.
func (s *Service) ProcessSwitchAgent(ctx context.Context, sessionID string, target models.AgentType, initialContent string) <-chan *models.Chunk {
	return s.stream(ctx, sessionID, func(ctx context.Context, emit emitFn) error {
		if err := s.ensureLive(ctx, sessionID); err != nil {
			return err
		}

		sw, err := s.contexts.Switch(ctx, sessionID, target, "requested by client")
		if err != nil {
			return err
		}
		if sw != nil && !emit(models.SwitchAgentChunk(sw.From, sw.To, sw.Reason)) {
			return nil
		}

		if initialContent == "" {
			emit(models.DoneChunk())
			return nil
		}

		if _, err := s.sessions.AddMessage(ctx, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleUser,
			Content:   initialContent,
		}); err != nil {
			return err
		}
		return s.turnLoop(ctx, sessionID, emit)
	})
}

// PendingApprovals lists a session's unresolved HITL requests, replayed
// to the client on resume.
func (s *Service) PendingApprovals(ctx context.Context, sessionID string) ([]*models.PendingApproval, error) {
	return s.hitl.ListPending(ctx, sessionID)
}

// ensureLive fails with the appropriate sentinel when the session is
// missing or soft-deleted.
func (s *Service) ensureLive(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if session.Deleted() {
		return store.ErrSessionDeleted
	}
	return nil
}

// callExists scans the prompt window for an assistant message carrying
// the tool call.
func (s *Service) callExists(ctx context.Context, sessionID, callID string) (bool, error) {
	history, err := s.sessions.History(ctx, sessionID, s.config.HistoryLimit)
	if err != nil {
		return false, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == models.RoleAssistant && msg.HasToolCall(callID) {
			return true, nil
		}
	}
	return false, nil
}

// CurrentAgent exposes the session's active agent for control endpoints.
func (s *Service) CurrentAgent(ctx context.Context, sessionID string) (models.AgentType, error) {
	return s.contexts.CurrentAgent(ctx, sessionID)
}

// SwitchAgent applies an administrative agent switch under the session
// lock with the bounded admin timeout.
func (s *Service) SwitchAgent(ctx context.Context, sessionID string, target models.AgentType, reason string) (*models.AgentSwitch, error) {
	release, err := s.locks.Acquire(ctx, sessionID, s.config.AdminLockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ensureLive(ctx, sessionID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "requested by client"
	}
	return s.contexts.Switch(ctx, sessionID, target, reason)
}

// DeleteSession soft-deletes a session as an administrative operation.
// Unlike stream handlers, it bounds lock acquisition and surfaces
// ErrLockTimeout when the session is busy.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.config.AdminLockTimeout)
	if err != nil {
		return err
	}
	defer release()

	return s.sessions.Delete(ctx, sessionID)
}
