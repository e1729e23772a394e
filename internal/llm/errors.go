package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an LLM failure for retry and client reporting.
type ErrorKind string

const (
	// KindTransient errors (429, 503, 504, connection resets, read
	// timeouts) are retried with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent errors (other 4xx, 500, malformed bodies) fail
	// immediately.
	KindPermanent ErrorKind = "permanent"

	// KindCircuitOpen means the breaker refused the call outright.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindTimeout covers per-chunk and whole-stream deadline expiry.
	KindTimeout ErrorKind = "timeout"
)

// Error is the typed failure surfaced by the driver.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("llm: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("llm: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure should be retried.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// AsError extracts a typed *Error from err, or wraps it as permanent.
func AsError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: KindPermanent, Detail: err.Error(), Err: err}
}

// classifyStatus maps an HTTP status from the LLM proxy to an error kind.
func classifyStatus(code int) ErrorKind {
	switch code {
	case 429, 503, 504:
		return KindTransient
	default:
		return KindPermanent
	}
}

// classifyTransport maps transport-level failures. Connection resets and
// read timeouts are transient; context cancellation is permanent because
// the caller went away.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}
