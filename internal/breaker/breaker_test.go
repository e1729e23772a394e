package breaker

import (
	"testing"
	"time"
)

func newTestBreaker() (*Breaker, *time.Time) {
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker refused call %d: %v", i, err)
		}
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("breaker tripped early: %s", b.State())
	}

	b.Failure() // fifth consecutive failure
	if b.State() != Open {
		t.Fatalf("breaker did not trip: %s", b.State())
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Errorf("open breaker admitted a call: %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if b.State() != Closed {
		t.Error("non-consecutive failures must not trip the breaker")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatal("breaker should be open")
	}

	// After the recovery timeout, exactly one probe is admitted.
	*now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe refused after recovery timeout: %v", err)
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Error("second call admitted during half-open probe")
	}

	// Probe success closes the breaker.
	b.Success()
	if b.State() != Closed {
		t.Errorf("breaker not closed after probe success: %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("closed breaker refused call: %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	*now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}

	b.Failure()
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Error("breaker must reopen after a failed probe")
	}

	// A second recovery window admits another probe.
	*now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("probe refused after second recovery window: %v", err)
	}
}

func TestState_String(t *testing.T) {
	if Closed.String() != "closed" || Open.String() != "open" || HalfOpen.String() != "half_open" {
		t.Error("state names wrong")
	}
}
