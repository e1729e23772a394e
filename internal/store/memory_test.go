package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func newSession(id string, at time.Time) *models.Session {
	return &models.Session{
		ID:             id,
		UserID:         "u1",
		IsActive:       true,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := s.CreateSession(ctx, newSession("s1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSession(ctx, "s1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive || got.Deleted() {
		t.Errorf("unexpected session state: %+v", got)
	}

	if _, err := s.GetSession(ctx, "nope", false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	if err := s.SoftDeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.SoftDeleteSession(ctx, "s1"); !errors.Is(err, ErrSessionDeleted) {
		t.Errorf("expected ErrSessionDeleted on second delete, got %v", err)
	}

	got, err = s.GetSession(ctx, "s1", false)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if !got.Deleted() || got.IsActive {
		t.Errorf("session not soft-deleted: %+v", got)
	}
}

func TestMemoryStore_AppendMessageBumpsActivity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession("s1", base)); err != nil {
		t.Fatal(err)
	}

	later := base.Add(time.Minute)
	err := s.AppendMessage(ctx, &models.Message{
		ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hi", CreatedAt: later,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _ := s.GetSession(ctx, "s1", true)
	if !got.LastActivityAt.Equal(later) {
		t.Errorf("last_activity_at not bumped: %v", got.LastActivityAt)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Errorf("message not stored: %+v", got.Messages)
	}

	// Appending to a missing or deleted session fails.
	err = s.AppendMessage(ctx, &models.Message{ID: "m2", SessionID: "ghost", Role: models.RoleUser, CreatedAt: later})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := s.SoftDeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	err = s.AppendMessage(ctx, &models.Message{ID: "m3", SessionID: "s1", Role: models.RoleUser, CreatedAt: later})
	if !errors.Is(err, ErrSessionDeleted) {
		t.Errorf("expected ErrSessionDeleted, got %v", err)
	}
}

func TestMemoryStore_GetHistoryLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession("s1", base)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		err := s.AppendMessage(ctx, &models.Message{
			ID:        string(rune('a' + i)),
			SessionID: "s1",
			Role:      models.RoleUser,
			Content:   string(rune('0' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetHistory(ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// Newest three, chronological.
	if msgs[0].Content != "2" || msgs[2].Content != "4" {
		t.Errorf("history window wrong: %q .. %q", msgs[0].Content, msgs[2].Content)
	}
}

func TestMemoryStore_ListSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		sess := newSession(id, base.Add(time.Duration(i)*time.Hour))
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SoftDeleteSession(ctx, "mid"); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListSessions(ctx, ListOptions{Page: 1, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 live sessions, got %d", page.Total)
	}
	if page.Sessions[0].ID != "new" || page.Sessions[1].ID != "old" {
		t.Errorf("ordering wrong: %s, %s", page.Sessions[0].ID, page.Sessions[1].ID)
	}

	withDeleted, err := s.ListSessions(ctx, ListOptions{Page: 1, Size: 10, IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if withDeleted.Total != 3 {
		t.Errorf("expected 3 with deleted, got %d", withDeleted.Total)
	}
}

func TestMemoryStore_ContextAndSwitches(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.GetContext(ctx, "s1"); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}

	err := s.CreateContext(ctx, &models.AgentContext{
		SessionID: "s1", CurrentAgent: models.AgentOrchestrator, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i, to := range []models.AgentType{models.AgentCoder, models.AgentDebug} {
		sw := models.AgentSwitch{From: models.AgentOrchestrator, To: to, Reason: "r", SwitchedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.RecordSwitch(ctx, "s1", sw); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetContext(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentAgent != models.AgentDebug {
		t.Errorf("current agent: %s", got.CurrentAgent)
	}
	if got.SwitchCount != 2 || len(got.History) != 2 {
		t.Errorf("switch bookkeeping off: count=%d history=%d", got.SwitchCount, len(got.History))
	}
}

func TestMemoryStore_Approvals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession("s1", base)); err != nil {
		t.Fatal(err)
	}

	approval := &models.PendingApproval{
		CallID:    "c1",
		SessionID: "s1",
		ToolName:  "write_file",
		Arguments: json.RawMessage(`{"path":"a.go"}`),
		Status:    models.ApprovalPending,
		CreatedAt: base,
	}
	if err := s.CreateApproval(ctx, approval); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetApproval(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ToolName != "write_file" || got.Status != models.ApprovalPending {
		t.Errorf("approval round trip wrong: %+v", got)
	}

	pending, err := s.ListPendingApprovals(ctx, "s1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("list pending: %v (%d)", err, len(pending))
	}

	// Session deletion cascades to approvals.
	if err := s.SoftDeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetApproval(ctx, "c1"); !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("expected approval removed with session, got %v", err)
	}
}

func TestMemoryStore_Sweeps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := s.CreateSession(ctx, newSession("stale", base)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, newSession("fresh", base.Add(48*time.Hour))); err != nil {
		t.Fatal(err)
	}

	ids, err := s.SweepIdle(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("sweep picked wrong sessions: %v", ids)
	}

	// Expired approvals are swept and returned.
	if err := s.CreateApproval(ctx, &models.PendingApproval{
		CallID: "c-old", SessionID: "fresh", ToolName: "execute_command",
		Status: models.ApprovalPending, CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
	expired, err := s.SweepApprovals(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].CallID != "c-old" {
		t.Errorf("approval sweep wrong: %+v", expired)
	}
}
