// Package store provides durable repositories for sessions, messages,
// agent contexts, pending approvals, and audit records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrSessionDeleted is returned when an operation targets a
	// soft-deleted session.
	ErrSessionDeleted = errors.New("store: session deleted")

	// ErrContextNotFound is returned when no agent context exists for a session.
	ErrContextNotFound = errors.New("store: agent context not found")

	// ErrApprovalNotFound is returned when a call ID has no pending approval.
	ErrApprovalNotFound = errors.New("store: pending approval not found")
)

// ListOptions configures session listing. Pages are 1-based.
type ListOptions struct {
	UserID         string
	IncludeDeleted bool
	Page           int
	Size           int
}

// SessionStore persists sessions and their append-only message logs.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string, includeMessages bool) (*models.Session, error)
	ListSessions(ctx context.Context, opts ListOptions) (*models.Page, error)

	// AppendMessage inserts the message and bumps the session's
	// last_activity_at in one transaction.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// GetHistory returns the newest messages in chronological order,
	// capped at limit (0 = no cap).
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// SoftDeleteSession marks the session deleted, deactivates it, and
	// removes its pending approvals.
	SoftDeleteSession(ctx context.Context, id string) error

	// SweepIdle soft-deletes active sessions whose last activity predates
	// cutoff and returns the affected IDs.
	SweepIdle(ctx context.Context, cutoff time.Time) ([]string, error)

	// Purge permanently removes sessions soft-deleted before cutoff,
	// cascading to messages, contexts, switches, and approvals.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// ContextStore persists the per-session agent context.
type ContextStore interface {
	GetContext(ctx context.Context, sessionID string) (*models.AgentContext, error)
	CreateContext(ctx context.Context, agentCtx *models.AgentContext) error

	// RecordSwitch appends a switch entry, updates the current agent, and
	// increments the switch count in one transaction.
	RecordSwitch(ctx context.Context, sessionID string, sw models.AgentSwitch) error
}

// ApprovalStore persists pending tool approvals.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *models.PendingApproval) error
	GetApproval(ctx context.Context, callID string) (*models.PendingApproval, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]*models.PendingApproval, error)
	DeleteApproval(ctx context.Context, callID string) error

	// SweepApprovals removes approvals created before cutoff and returns
	// the removed records so callers can emit expiry events.
	SweepApprovals(ctx context.Context, cutoff time.Time) ([]*models.PendingApproval, error)
}

// AuditStore persists the durable audit trail.
type AuditStore interface {
	WriteAudit(ctx context.Context, event *models.Event) error
}

// Store is the full persistence surface required by the runtime.
type Store interface {
	SessionStore
	ContextStore
	ApprovalStore
	AuditStore

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	Close() error
}
