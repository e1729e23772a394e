package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and ephemeral dev runs.
// It applies the same semantics as the SQL stores, including atomic
// last-activity bumps and cascade behaviour on delete.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	messages  map[string][]*models.Message
	contexts  map[string]*models.AgentContext
	approvals map[string]*models.PendingApproval
	audit     []*models.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*models.Session),
		messages:  make(map[string][]*models.Message),
		contexts:  make(map[string]*models.AgentContext),
		approvals: make(map[string]*models.PendingApproval),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneSession(session *models.Session) *models.Session {
	copied := *session
	if session.DeletedAt != nil {
		t := *session.DeletedAt
		copied.DeletedAt = &t
	}
	copied.Messages = nil
	return &copied
}

func cloneMessage(msg *models.Message) *models.Message {
	copied := *msg
	copied.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	if msg.Metadata != nil {
		copied.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// CreateSession inserts a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession loads a session, optionally with messages.
func (s *MemoryStore) GetSession(_ context.Context, id string, includeMessages bool) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := cloneSession(session)
	if includeMessages {
		for _, msg := range s.messages[id] {
			out.Messages = append(out.Messages, cloneMessage(msg))
		}
	}
	return out, nil
}

// ListSessions returns one page ordered by last activity, newest first.
func (s *MemoryStore) ListSessions(_ context.Context, opts ListOptions) (*models.Page, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Size <= 0 {
		opts.Size = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Session
	for _, session := range s.sessions {
		if !opts.IncludeDeleted && session.DeletedAt != nil {
			continue
		}
		if opts.UserID != "" && session.UserID != opts.UserID {
			continue
		}
		all = append(all, cloneSession(session))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActivityAt.After(all[j].LastActivityAt)
	})

	page := &models.Page{Total: len(all), Page: opts.Page, Size: opts.Size}
	start := (opts.Page - 1) * opts.Size
	if start < len(all) {
		end := start + opts.Size
		if end > len(all) {
			end = len(all)
		}
		page.Sessions = all[start:end]
	}
	return page, nil
}

// AppendMessage inserts the message and bumps last_activity_at.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.DeletedAt != nil {
		return ErrSessionDeleted
	}

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], cloneMessage(msg))
	if msg.CreatedAt.After(session.LastActivityAt) {
		session.LastActivityAt = msg.CreatedAt
	}
	return nil
}

// GetHistory returns the newest limit messages in chronological order.
func (s *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// SoftDeleteSession marks the session deleted and clears its approvals.
func (s *MemoryStore) SoftDeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.DeletedAt != nil {
		return ErrSessionDeleted
	}
	now := time.Now().UTC()
	session.DeletedAt = &now
	session.IsActive = false
	s.deleteApprovalsLocked(id)
	return nil
}

func (s *MemoryStore) deleteApprovalsLocked(sessionID string) {
	for callID, approval := range s.approvals {
		if approval.SessionID == sessionID {
			delete(s.approvals, callID)
		}
	}
}

// SweepIdle soft-deletes sessions idle since before cutoff.
func (s *MemoryStore) SweepIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var ids []string
	for id, session := range s.sessions {
		if session.DeletedAt == nil && session.LastActivityAt.Before(cutoff) {
			t := now
			session.DeletedAt = &t
			session.IsActive = false
			s.deleteApprovalsLocked(id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Purge removes sessions soft-deleted before cutoff.
func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, session := range s.sessions {
		if session.DeletedAt != nil && session.DeletedAt.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.messages, id)
			delete(s.contexts, id)
			s.deleteApprovalsLocked(id)
			purged++
		}
	}
	return purged, nil
}

// GetContext loads the agent context for a session.
func (s *MemoryStore) GetContext(_ context.Context, sessionID string) (*models.AgentContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentCtx, ok := s.contexts[sessionID]
	if !ok {
		return nil, ErrContextNotFound
	}
	copied := *agentCtx
	copied.History = append([]models.AgentSwitch(nil), agentCtx.History...)
	if agentCtx.LastSwitchAt != nil {
		t := *agentCtx.LastSwitchAt
		copied.LastSwitchAt = &t
	}
	return &copied, nil
}

// CreateContext inserts a fresh agent context.
func (s *MemoryStore) CreateContext(_ context.Context, agentCtx *models.AgentContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *agentCtx
	copied.History = append([]models.AgentSwitch(nil), agentCtx.History...)
	s.contexts[agentCtx.SessionID] = &copied
	return nil
}

// RecordSwitch appends a switch and advances the context atomically.
func (s *MemoryStore) RecordSwitch(_ context.Context, sessionID string, sw models.AgentSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentCtx, ok := s.contexts[sessionID]
	if !ok {
		return ErrContextNotFound
	}
	agentCtx.History = append(agentCtx.History, sw)
	agentCtx.CurrentAgent = sw.To
	agentCtx.SwitchCount++
	t := sw.SwitchedAt
	agentCtx.LastSwitchAt = &t
	return nil
}

// CreateApproval inserts a pending approval.
func (s *MemoryStore) CreateApproval(_ context.Context, approval *models.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *approval
	s.approvals[approval.CallID] = &copied
	return nil
}

// GetApproval loads one approval by call ID.
func (s *MemoryStore) GetApproval(_ context.Context, callID string) (*models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, ok := s.approvals[callID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	copied := *approval
	return &copied, nil
}

// ListPendingApprovals returns a session's approvals, oldest first.
func (s *MemoryStore) ListPendingApprovals(_ context.Context, sessionID string) ([]*models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PendingApproval
	for _, approval := range s.approvals {
		if approval.SessionID == sessionID {
			copied := *approval
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteApproval removes an approval; missing rows are not an error.
func (s *MemoryStore) DeleteApproval(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals, callID)
	return nil
}

// SweepApprovals removes approvals created before cutoff and returns them.
func (s *MemoryStore) SweepApprovals(_ context.Context, cutoff time.Time) ([]*models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PendingApproval
	for callID, approval := range s.approvals {
		if approval.CreatedAt.Before(cutoff) {
			copied := *approval
			out = append(out, &copied)
			delete(s.approvals, callID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// WriteAudit appends one event to the in-memory audit trail.
func (s *MemoryStore) WriteAudit(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

// AuditLog returns a snapshot of the audit trail, for tests.
func (s *MemoryStore) AuditLog() []*models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Event, len(s.audit))
	copy(out, s.audit)
	return out
}
