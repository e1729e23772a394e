// Package llm drives streaming chat-completion requests against the
// external LLM proxy, with retries, circuit breaking, and timeouts.
package llm

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/internal/breaker"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// FinishReason is why a completion stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Chunk is one element of the driver's lazy completion stream.
//
// Fragmented tool calls are reassembled inside the backend; ToolCall
// chunks always carry a complete logical call with fully concatenated
// argument JSON.
type Chunk struct {
	// Text is delta content.
	Text string

	// ToolCall is a completed logical tool call.
	ToolCall *models.ToolCall

	// Done marks the final chunk; FinishReason and usage are set.
	Done         bool
	FinishReason FinishReason
	InputTokens  int
	OutputTokens int

	// Err terminates the stream abnormally.
	Err error
}

// Request describes one chat-completion call.
type Request struct {
	Model       string
	System      string
	Messages    []*models.Message
	Tools       []*tools.Tool
	Temperature float32
	MaxTokens   int
}

// Backend opens a raw completion stream against one provider.
type Backend interface {
	// Name identifies the provider in events and metrics.
	Name() string

	// Open starts a streaming completion. Errors are *Error values;
	// transient kinds are retried by the driver.
	Open(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Config tunes the driver around its backend.
type Config struct {
	Retry         retry.Config
	ChunkTimeout  time.Duration
	StreamTimeout time.Duration
	DefaultModel  string
	DefaultMaxTok int
	DefaultTemp   float32
}

// Driver wraps a Backend with retry, circuit breaking, per-chunk and
// whole-stream timeouts, and llm.* event publication.
type Driver struct {
	backend Backend
	breaker *breaker.Breaker
	bus     *events.Bus
	logger  *observability.Logger
	config  Config
}

// NewDriver assembles the driver. breaker must not be shared with other
// downstreams; it carries this backend's failure state.
func NewDriver(backend Backend, brk *breaker.Breaker, bus *events.Bus, logger *observability.Logger, config Config) *Driver {
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = 30 * time.Second
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 5 * time.Minute
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	return &Driver{
		backend: backend,
		breaker: brk,
		bus:     bus,
		logger:  logger,
		config:  config,
	}
}

// Name returns the underlying provider name.
func (d *Driver) Name() string { return d.backend.Name() }

// Stream opens a completion stream. It fails fast with a circuit_open
// error while the breaker is open, retries transient open failures with
// exponential backoff, and enforces the chunk and stream deadlines while
// pumping. Exactly one of llm.request_completed / llm.request_failed is
// published per call.
func (d *Driver) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if req.Model == "" {
		req.Model = d.config.DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = d.config.DefaultMaxTok
	}
	if req.Temperature == 0 {
		req.Temperature = d.config.DefaultTemp
	}

	sessionID := ""
	if sid, ok := ctx.Value(observability.SessionIDKey).(string); ok {
		sessionID = sid
	}

	if d.breaker.State() == breaker.Open {
		open := &Error{Kind: KindCircuitOpen, Detail: "llm circuit breaker is open", Err: breaker.ErrCircuitOpen}
		d.publishFailed(sessionID, req.Model, open)
		return nil, open
	}

	start := time.Now()
	d.bus.Publish(&models.Event{
		Type:      models.EventLLMRequestStarted,
		SessionID: sessionID,
		LLM:       &models.LLMEventPayload{Provider: d.backend.Name(), Model: req.Model},
	})

	// Every attempt is gated by the breaker and every failed attempt
	// counts toward tripping it.
	inner, result := retry.DoWithValue(ctx, d.config.Retry, func() (<-chan *Chunk, error) {
		if err := d.breaker.Allow(); err != nil {
			return nil, retry.Permanent(&Error{Kind: KindCircuitOpen, Detail: "llm circuit breaker is open", Err: err})
		}
		ch, err := d.backend.Open(ctx, req)
		if err == nil {
			return ch, nil
		}
		typed := AsError(err)
		d.breaker.Failure()
		if !typed.Retryable() {
			return nil, retry.Permanent(typed)
		}
		return nil, typed
	})
	if result.Err != nil {
		typed := AsError(result.Err)
		d.publishFailed(sessionID, req.Model, typed)
		return nil, typed
	}

	out := make(chan *Chunk, 16)
	go d.pump(ctx, sessionID, req.Model, start, inner, out)
	return out, nil
}

// pump forwards backend chunks, enforcing the per-chunk and total-stream
// deadlines, and settles the breaker and events on completion.
func (d *Driver) pump(ctx context.Context, sessionID, model string, start time.Time, inner <-chan *Chunk, out chan<- *Chunk) {
	defer close(out)

	deadline := time.NewTimer(d.config.StreamTimeout)
	defer deadline.Stop()

	chunkTimer := time.NewTimer(d.config.ChunkTimeout)
	defer chunkTimer.Stop()

	fail := func(err *Error) {
		d.breaker.Failure()
		d.publishFailed(sessionID, model, err)
		out <- &Chunk{Err: err, Done: true, FinishReason: FinishError}
	}

	for {
		if !chunkTimer.Stop() {
			select {
			case <-chunkTimer.C:
			default:
			}
		}
		chunkTimer.Reset(d.config.ChunkTimeout)

		select {
		case <-ctx.Done():
			// Client cancellation: abort quietly, no breaker penalty.
			d.publishFailed(sessionID, model, &Error{Kind: KindPermanent, Detail: "cancelled", Err: ctx.Err()})
			return

		case <-deadline.C:
			fail(&Error{Kind: KindTimeout, Detail: "stream exceeded total timeout"})
			return

		case <-chunkTimer.C:
			fail(&Error{Kind: KindTimeout, Detail: "no chunk within read timeout"})
			return

		case chunk, ok := <-inner:
			if !ok {
				// Backend closed without a Done chunk; treat as truncation.
				fail(&Error{Kind: KindTransient, Detail: "stream closed unexpectedly"})
				return
			}
			if chunk.Err != nil {
				fail(AsError(chunk.Err))
				return
			}

			out <- chunk

			if chunk.Done {
				d.breaker.Success()
				d.bus.Publish(&models.Event{
					Type:      models.EventLLMRequestCompleted,
					SessionID: sessionID,
					LLM: &models.LLMEventPayload{
						Provider:     d.backend.Name(),
						Model:        model,
						Duration:     time.Since(start),
						InputTokens:  chunk.InputTokens,
						OutputTokens: chunk.OutputTokens,
					},
				})
				return
			}
		}
	}
}

func (d *Driver) publishFailed(sessionID, model string, err *Error) {
	d.bus.Publish(&models.Event{
		Type:      models.EventLLMRequestFailed,
		SessionID: sessionID,
		LLM: &models.LLMEventPayload{
			Provider: d.backend.Name(),
			Model:    model,
			Error:    err.Error(),
		},
	})
}
