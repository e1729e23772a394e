// Package breaker implements a circuit breaker for the outbound LLM
// client. The breaker carries state (consecutive failure counts, open
// timestamps) and is injected as a first-class component so it can be
// tested in isolation.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker's position.
type State int

const (
	// Closed passes all calls through and counts consecutive failures.
	Closed State = iota

	// Open fails every call fast until the recovery timeout elapses.
	Open

	// HalfOpen admits a single probe call; its outcome decides the next state.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe.
	RecoveryTimeout time.Duration
}

// DefaultConfig matches the runtime defaults: trip after five consecutive
// failures, probe after sixty seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a thread-safe circuit breaker.
//
// State machine: Closed → Open on FailureThreshold consecutive failures;
// Open → HalfOpen after RecoveryTimeout; HalfOpen → Closed on one success
// or back to Open on one failure.
type Breaker struct {
	mu sync.Mutex

	config   Config
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the recovery timeout elapses, at which point one
// probe is admitted in the half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call. In the half-open state it closes
// the breaker; in the closed state it resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = Closed
}

// Failure records a failed call. It trips the breaker after the
// configured number of consecutive failures, and immediately re-opens a
// half-open breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.trip()
		}
	case Open:
		// Late failure from a call admitted before the trip; nothing to do.
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.failures = 0
	b.probing = false
	b.openedAt = b.now()
}

// State returns the current state, accounting for recovery-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		return HalfOpen
	}
	return b.state
}
