package hitl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestService(extra ...string) (*Service, *events.Bus) {
	bus := events.NewBus(nil, nil)
	return NewService(store.NewMemoryStore(), bus, extra), bus
}

func TestRequiresApproval(t *testing.T) {
	svc, bus := newTestService("drop_database")
	defer bus.Close()

	gated := []string{"write_file", "execute_command", "create_directory", "drop_database"}
	for _, name := range gated {
		if !svc.RequiresApproval(name) {
			t.Errorf("expected %s to require approval", name)
		}
	}

	readOnly := []string{"read_file", "list_files", "search_in_code", "attempt_completion"}
	for _, name := range readOnly {
		if svc.RequiresApproval(name) {
			t.Errorf("read-only tool %s must not require approval", name)
		}
	}
}

func TestCreatePendingAndList(t *testing.T) {
	svc, bus := newTestService()
	defer bus.Close()

	args := json.RawMessage(`{"path":"a.py","content":"x"}`)
	approval, err := svc.CreatePending(context.Background(), "s1", "c1", "write_file", args)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if approval.Status != models.ApprovalPending {
		t.Errorf("status: %s", approval.Status)
	}

	pending, err := svc.ListPending(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].CallID != "c1" {
		t.Errorf("pending list wrong: %+v", pending)
	}
}

func TestResolve_RemovesPending(t *testing.T) {
	svc, bus := newTestService()
	defer bus.Close()

	if _, err := svc.CreatePending(context.Background(), "s1", "c1", "write_file", nil); err != nil {
		t.Fatal(err)
	}

	resolved, err := svc.Resolve(context.Background(), "c1", models.DecisionReject, "no", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || resolved.Status != models.ApprovalRejected {
		t.Fatalf("resolution wrong: %+v", resolved)
	}
	if resolved.DecisionFeedback != "no" {
		t.Errorf("feedback lost: %q", resolved.DecisionFeedback)
	}

	pending, _ := svc.ListPending(context.Background(), "s1")
	if len(pending) != 0 {
		t.Errorf("resolved approval still pending: %+v", pending)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	svc, bus := newTestService()
	defer bus.Close()

	if _, err := svc.CreatePending(context.Background(), "s1", "c1", "write_file", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(context.Background(), "c1", models.DecisionApprove, "", nil); err != nil {
		t.Fatal(err)
	}

	// Second resolution of the same call is a no-op, not an error.
	second, err := svc.Resolve(context.Background(), "c1", models.DecisionReject, "changed my mind", nil)
	if err != nil {
		t.Fatalf("second resolve errored: %v", err)
	}
	if second != nil {
		t.Errorf("second resolve should be a no-op, got %+v", second)
	}
}

func TestResolve_InvalidDecision(t *testing.T) {
	svc, bus := newTestService()
	defer bus.Close()

	if _, err := svc.Resolve(context.Background(), "c1", "maybe", "", nil); err == nil {
		t.Error("expected invalid decision rejected")
	}
}

func TestResolve_EditKeepsModifiedArgs(t *testing.T) {
	svc, bus := newTestService()
	defer bus.Close()

	if _, err := svc.CreatePending(context.Background(), "s1", "c1", "write_file",
		json.RawMessage(`{"path":"a.py","content":"x"}`)); err != nil {
		t.Fatal(err)
	}

	resolved, err := svc.Resolve(context.Background(), "c1", models.DecisionEdit, "",
		json.RawMessage(`{"content":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != models.ApprovalEdited {
		t.Errorf("status: %s", resolved.Status)
	}

	merged := EffectiveArguments(resolved.Arguments, resolved.ModifiedArgs)
	var decoded map[string]any
	if err := json.Unmarshal(merged, &decoded); err != nil {
		t.Fatalf("merged args invalid: %v", err)
	}
	if decoded["path"] != "a.py" || decoded["content"] != "y" {
		t.Errorf("merge wrong: %v", decoded)
	}
}

func TestEffectiveArguments_EdgeCases(t *testing.T) {
	if got := EffectiveArguments(json.RawMessage(`{"a":1}`), nil); string(got) != `{"a":1}` {
		t.Errorf("nil overlay: %s", got)
	}
	if got := EffectiveArguments(nil, json.RawMessage(`{"b":2}`)); string(got) != `{"b":2}` {
		t.Errorf("nil base: %s", got)
	}
}
