package models

import "time"

// Session represents a conversation between one user and the runtime.
// It is the unit of concurrency and persistence: all state transitions
// for a session are serialised by the session lock.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`

	// Messages is populated only when explicitly requested.
	Messages []*Message `json:"messages,omitempty"`
}

// Deleted reports whether the session has been soft-deleted.
func (s *Session) Deleted() bool {
	return s != nil && s.DeletedAt != nil
}

// Page is one page of a session listing ordered by last activity.
type Page struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	Size     int        `json:"size"`
}

// User represents an authenticated caller extracted from the bearer token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
