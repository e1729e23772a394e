package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/breaker"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeBackend scripts Open outcomes for the driver.
type fakeBackend struct {
	mu    sync.Mutex
	opens []func() (<-chan *Chunk, error)
	calls int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Open(context.Context, *Request) (<-chan *Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.opens) {
		f.calls++
		return nil, &Error{Kind: KindPermanent, Detail: "script exhausted"}
	}
	open := f.opens[f.calls]
	f.calls++
	return open()
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func scriptedStream(chunks ...*Chunk) func() (<-chan *Chunk, error) {
	return func() (<-chan *Chunk, error) {
		ch := make(chan *Chunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
}

func newTestDriver(backend Backend, brk *breaker.Breaker) *Driver {
	if brk == nil {
		brk = breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: 50 * time.Millisecond})
	}
	bus := events.NewBus(nil, nil)
	return NewDriver(backend, brk, bus, nil, Config{
		Retry:         fastRetry(),
		ChunkTimeout:  200 * time.Millisecond,
		StreamTimeout: time.Second,
		DefaultModel:  "gpt-4o",
	})
}

func collect(t *testing.T, ch <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestDriver_StreamsTextAndCompletes(t *testing.T) {
	backend := &fakeBackend{opens: []func() (<-chan *Chunk, error){
		scriptedStream(
			&Chunk{Text: "Hel"},
			&Chunk{Text: "lo."},
			&Chunk{Done: true, FinishReason: FinishStop, InputTokens: 10, OutputTokens: 2},
		),
	}}
	d := newTestDriver(backend, nil)

	ch, err := d.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := collect(t, ch)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Text+chunks[1].Text != "Hello." {
		t.Errorf("text lost: %+v", chunks)
	}
	final := chunks[2]
	if !final.Done || final.FinishReason != FinishStop || final.InputTokens != 10 {
		t.Errorf("final chunk wrong: %+v", final)
	}
}

func TestDriver_RetriesTransientOpenFailures(t *testing.T) {
	backend := &fakeBackend{opens: []func() (<-chan *Chunk, error){
		func() (<-chan *Chunk, error) { return nil, &Error{Kind: KindTransient, Detail: "503"} },
		func() (<-chan *Chunk, error) { return nil, &Error{Kind: KindTransient, Detail: "503"} },
		scriptedStream(&Chunk{Done: true, FinishReason: FinishStop}),
	}}
	d := newTestDriver(backend, nil)

	ch, err := d.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	collect(t, ch)
	if backend.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", backend.callCount())
	}
}

func TestDriver_PermanentFailureNotRetried(t *testing.T) {
	backend := &fakeBackend{opens: []func() (<-chan *Chunk, error){
		func() (<-chan *Chunk, error) { return nil, &Error{Kind: KindPermanent, Detail: "400"} },
	}}
	d := newTestDriver(backend, nil)

	_, err := d.Stream(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if AsError(err).Kind != KindPermanent {
		t.Errorf("kind: %v", AsError(err).Kind)
	}
	if backend.callCount() != 1 {
		t.Errorf("permanent failure retried: %d attempts", backend.callCount())
	}
}

func TestDriver_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	// Every open fails transiently; with 3 attempts per call, the second
	// call crosses the 5-failure threshold.
	var opens []func() (<-chan *Chunk, error)
	for i := 0; i < 10; i++ {
		opens = append(opens, func() (<-chan *Chunk, error) {
			return nil, &Error{Kind: KindTransient, Detail: "503"}
		})
	}
	backend := &fakeBackend{opens: opens}
	brk := breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: 50 * time.Millisecond})
	d := newTestDriver(backend, brk)

	if _, err := d.Stream(context.Background(), &Request{}); err == nil {
		t.Fatal("first call should fail")
	}
	if _, err := d.Stream(context.Background(), &Request{}); err == nil {
		t.Fatal("second call should fail")
	}
	if brk.State() != breaker.Open {
		t.Fatalf("breaker should be open after 5 consecutive failures, state=%s", brk.State())
	}

	// While open, calls fail fast with circuit_open and do not hit the backend.
	before := backend.callCount()
	_, err := d.Stream(context.Background(), &Request{})
	if err == nil || AsError(err).Kind != KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if backend.callCount() != before {
		t.Error("open breaker still reached the backend")
	}
}

func TestDriver_BreakerRecovers(t *testing.T) {
	var opens []func() (<-chan *Chunk, error)
	for i := 0; i < 5; i++ {
		opens = append(opens, func() (<-chan *Chunk, error) {
			return nil, &Error{Kind: KindTransient, Detail: "503"}
		})
	}
	opens = append(opens, scriptedStream(&Chunk{Done: true, FinishReason: FinishStop}))
	backend := &fakeBackend{opens: opens}
	brk := breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: 20 * time.Millisecond})
	d := newTestDriver(backend, brk)

	d.Stream(context.Background(), &Request{})
	d.Stream(context.Background(), &Request{})
	if brk.State() != breaker.Open {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)

	// Recovery window passed: one probe is admitted and succeeds.
	ch, err := d.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	collect(t, ch)
	if brk.State() != breaker.Closed {
		t.Errorf("breaker not closed after successful probe: %s", brk.State())
	}
}

func TestDriver_ChunkTimeout(t *testing.T) {
	backend := &fakeBackend{opens: []func() (<-chan *Chunk, error){
		func() (<-chan *Chunk, error) {
			ch := make(chan *Chunk) // never delivers
			return ch, nil
		},
	}}
	d := newTestDriver(backend, nil)

	ch, err := d.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("expected a single error chunk, got %+v", chunks)
	}
	if AsError(chunks[0].Err).Kind != KindTimeout {
		t.Errorf("kind: %v", AsError(chunks[0].Err).Kind)
	}
}

func TestDriver_MidStreamErrorCountsAsFailure(t *testing.T) {
	backend := &fakeBackend{opens: []func() (<-chan *Chunk, error){
		scriptedStream(
			&Chunk{Text: "partial"},
			&Chunk{Err: &Error{Kind: KindTransient, Detail: "connection reset"}},
		),
	}}
	brk := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	d := newTestDriver(backend, brk)

	ch, err := d.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Fatalf("expected trailing error chunk: %+v", chunks)
	}
	if brk.State() != breaker.Open {
		t.Error("mid-stream failure must count toward the breaker")
	}
}

func TestConvertMessagesToOpenAI_StripsSwitchMode(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "fix the bug"},
		// Orchestrator routing: the switch_mode call is persisted but
		// never answered, so it must not reach the wire.
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "r1", Name: "switch_mode", Arguments: []byte(`{"mode":"coder"}`)},
		}},
		{Role: models.RoleAssistant, Content: "Looking now.", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"main.go"}`)},
			{ID: "c2", Name: "switch_mode", Arguments: []byte(`{"mode":"debug"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "package main"},
	}

	wire := convertMessagesToOpenAI("", msgs)

	// The switch-only assistant message disappears entirely.
	if len(wire) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(wire))
	}
	for _, m := range wire {
		for _, tc := range m.ToolCalls {
			if tc.Function.Name == "switch_mode" {
				t.Errorf("switch_mode leaked onto the wire: %+v", tc)
			}
		}
	}
	if len(wire[1].ToolCalls) != 1 || wire[1].ToolCalls[0].ID != "c1" {
		t.Errorf("real tool call lost while stripping: %+v", wire[1].ToolCalls)
	}
}

func TestConvertMessagesToAnthropic_StripsSwitchMode(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "fix the bug"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "r1", Name: "switch_mode", Arguments: []byte(`{"mode":"coder"}`)},
		}},
		{Role: models.RoleAssistant, Content: "Reading.", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"main.go"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "package main"},
	}

	wire, err := convertMessagesToAnthropic(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// user, assistant(text+tool_use), user(tool_result); the switch-only
	// assistant message has no remaining content and is dropped.
	if len(wire) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(wire))
	}
	if len(wire[1].Content) != 2 {
		t.Errorf("expected text + tool_use blocks, got %d blocks", len(wire[1].Content))
	}
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "read main.py"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"main.py"}`)}}},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "print('hi')"},
		{Role: models.RoleAssistant, Content: "The file prints 'hi'."},
	}

	wire := convertMessagesToOpenAI("system prompt", msgs)
	if len(wire) != 5 {
		t.Fatalf("expected 5 wire messages, got %d", len(wire))
	}
	if wire[0].Role != "system" || wire[0].Content != "system prompt" {
		t.Errorf("system message wrong: %+v", wire[0])
	}
	if len(wire[2].ToolCalls) != 1 || wire[2].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls lost: %+v", wire[2])
	}
	if wire[3].Role != "tool" || wire[3].ToolCallID != "c1" {
		t.Errorf("tool message wrong: %+v", wire[3])
	}
}
