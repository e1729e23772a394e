// Package events implements the in-process typed event bus and the
// subscribers shipped with the runtime.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Handler consumes events of one or more types. Handler errors are logged
// and counted; they never propagate to the publisher.
type Handler interface {
	// Name identifies the subscriber in logs and metrics.
	Name() string

	// Handle processes one event. The event must not be mutated.
	Handle(ctx context.Context, event *models.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, event *models.Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, event *models.Event) error {
	return h.Fn(ctx, event)
}

type subscription struct {
	handler  Handler
	priority int
}

// queueSize bounds each per-type dispatch queue. Publishing blocks when a
// queue is full so delivery order within a type is never dropped.
const queueSize = 256

// Bus is an in-process publish/subscribe bus. Publication returns as soon
// as the event is enqueued; handlers run on a dedicated goroutine per event
// type, preserving per-type ordering. Lower priority numbers run first.
type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventType][]subscription
	queues map[models.EventType]chan *models.Event

	// sendMu serialises in-flight sends against Close so a queue is
	// never closed under a publisher.
	sendMu sync.RWMutex
	closed bool

	logger  *observability.Logger
	metrics *observability.Metrics

	wg sync.WaitGroup
}

// NewBus creates an event bus. logger and metrics may be nil in tests.
func NewBus(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		subs:    make(map[models.EventType][]subscription),
		queues:  make(map[models.EventType]chan *models.Event),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a handler for one event type. Handlers with a lower
// priority number run first. Subscribing after events have been published is
// allowed (each dispatch reads the current subscriber list), but the
// registry is expected to be immutable once the server is serving.
func (b *Bus) Subscribe(eventType models.EventType, handler Handler, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := append(b.subs[eventType], subscription{handler: handler, priority: priority})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority < subs[j].priority })
	b.subs[eventType] = subs
}

// SubscribeAll registers a handler for every listed type at the same priority.
func (b *Bus) SubscribeAll(types []models.EventType, handler Handler, priority int) {
	for _, t := range types {
		b.Subscribe(t, handler, priority)
	}
}

// Publish enqueues the event for asynchronous dispatch. It fills in the
// event ID and timestamp when missing. Publishing on a closed bus is a
// silent no-op so shutdown races stay harmless.
func (b *Bus) Publish(event *models.Event) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	if b.metrics != nil {
		b.metrics.EventCounter.WithLabelValues(string(event.Type)).Inc()
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return
	}

	b.mu.Lock()
	queue, ok := b.queues[event.Type]
	if !ok {
		queue = make(chan *models.Event, queueSize)
		b.queues[event.Type] = queue
		b.wg.Add(1)
		go b.dispatchLoop(event.Type, queue)
	}
	b.mu.Unlock()

	queue <- event
}

func (b *Bus) dispatchLoop(eventType models.EventType, queue <-chan *models.Event) {
	defer b.wg.Done()

	for event := range queue {
		b.mu.RLock()
		subs := b.subs[eventType]
		b.mu.RUnlock()

		for _, sub := range subs {
			b.deliver(sub.handler, event)
		}
	}
}

func (b *Bus) deliver(handler Handler, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error(context.Background(), "event handler panicked",
					"subscriber", handler.Name(), "event_type", string(event.Type), "panic", r)
			}
			if b.metrics != nil {
				b.metrics.EventHandlerFailures.WithLabelValues(string(event.Type), handler.Name()).Inc()
			}
		}
	}()

	if err := handler.Handle(context.Background(), event); err != nil {
		if b.logger != nil {
			b.logger.Error(context.Background(), "event handler failed",
				"subscriber", handler.Name(), "event_type", string(event.Type), "error", err)
		}
		if b.metrics != nil {
			b.metrics.EventHandlerFailures.WithLabelValues(string(event.Type), handler.Name()).Inc()
		}
	}
}

// Close drains all queues and waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.sendMu.Lock()
	if b.closed {
		b.sendMu.Unlock()
		return
	}
	b.closed = true
	b.sendMu.Unlock()

	b.mu.Lock()
	for _, queue := range b.queues {
		close(queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// AllEventTypes lists every event type the runtime publishes, for
// subscribers that want the full stream.
var AllEventTypes = []models.EventType{
	models.EventSessionCreated,
	models.EventMessageAppended,
	models.EventAgentSwitched,
	models.EventToolCallEmitted,
	models.EventToolResultReceived,
	models.EventHITLRequested,
	models.EventHITLDecided,
	models.EventLLMRequestStarted,
	models.EventLLMRequestCompleted,
	models.EventLLMRequestFailed,
	models.EventSystemStartup,
	models.EventSystemShutdown,
}
