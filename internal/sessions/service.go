package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// NewSessionPrefix marks client-supplied placeholder IDs that request a
// fresh session.
const NewSessionPrefix = "new_"

// Service implements session CRUD and the append-only message log.
// Every write is persisted synchronously in its own transaction and
// published on the event bus.
type Service struct {
	store store.Store
	bus   *events.Bus
}

// NewService creates the session service.
func NewService(st store.Store, bus *events.Bus) *Service {
	return &Service{store: st, bus: bus}
}

// IsNewSessionID reports whether the client-supplied ID requests a new
// session (empty or carrying the placeholder prefix).
func IsNewSessionID(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || strings.HasPrefix(id, NewSessionPrefix)
}

// Create creates a session. Supplying the ID of an existing live session
// returns it unchanged, making creation idempotent; placeholder and empty
// IDs produce a server-generated one.
func (s *Service) Create(ctx context.Context, id, userID string) (*models.Session, error) {
	id = strings.TrimSpace(id)
	if IsNewSessionID(id) {
		id = uuid.NewString()
	} else {
		existing, err := s.store.GetSession(ctx, id, false)
		switch {
		case err == nil:
			if existing.Deleted() {
				return nil, store.ErrSessionDeleted
			}
			return existing, nil
		case errors.Is(err, store.ErrSessionNotFound):
			// Fall through and create with the supplied ID.
		default:
			return nil, err
		}
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:             id,
		UserID:         userID,
		IsActive:       true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.bus.Publish(&models.Event{
		Type:      models.EventSessionCreated,
		SessionID: session.ID,
	})
	return session, nil
}

// Get loads a session; includeMessages loads the full log.
func (s *Service) Get(ctx context.Context, id string, includeMessages bool) (*models.Session, error) {
	return s.store.GetSession(ctx, id, includeMessages)
}

// List returns one page of sessions ordered by last activity.
func (s *Service) List(ctx context.Context, opts store.ListOptions) (*models.Page, error) {
	return s.store.ListSessions(ctx, opts)
}

// AddMessage appends a message to the session log. The insert and the
// last-activity bump commit in one transaction, and the append is
// published as a message.appended event.
func (s *Service) AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, errors.New("sessions: message is nil")
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("sessions: invalid role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.TokenCount == 0 {
		msg.TokenCount = models.EstimateTokens(msg.Content)
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.bus.Publish(&models.Event{
		Type:      models.EventMessageAppended,
		SessionID: msg.SessionID,
		Message: &models.MessageEventPayload{
			MessageID:  msg.ID,
			Role:       msg.Role,
			TokenCount: msg.TokenCount,
		},
	})
	return msg, nil
}

// History returns the newest limit messages in chronological order,
// as consumed by the LLM driver when building prompts.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.store.GetHistory(ctx, sessionID, limit)
}

// Delete soft-deletes the session: it is marked deleted and inactive and its
// pending approvals are removed. Messages and the agent context are not
// deleted or marked; they stay stored until purge, and further appends fail
// with ErrSessionDeleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.SoftDeleteSession(ctx, id)
}
