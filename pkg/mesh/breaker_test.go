package mesh

import (
	"testing"
	"time"
)

// TestCircuitBreakerTripsAndRecovers drives the T=3/reset=200ms/S=2
// scenario: three consecutive failures trip the breaker; after the
// reset timeout it admits bounded probes; two consecutive probe
// successes close it again.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 1, 200*time.Millisecond)

	if cb.State() != BreakerClosed {
		t.Fatalf("initial state = %v, want Closed", cb.State())
	}

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("Allow() #%d = false while Closed", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want Open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("Allow() = true while Open")
	}

	time.Sleep(250 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after reset timeout = %v, want HalfOpen", cb.State())
	}

	if !cb.Allow() {
		t.Fatal("Allow() = false for first half-open probe")
	}
	if cb.Allow() {
		t.Fatal("Allow() = true for second concurrent probe beyond probeLimit=1")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after 1/2 successes = %v, want still HalfOpen", cb.State())
	}

	if !cb.Allow() {
		t.Fatal("Allow() = false for second half-open probe")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after 2/2 successes = %v, want Closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 1, 10*time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want Open", cb.State())
	}
	time.Sleep(20 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", cb.State())
	}
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state after half-open failure = %v, want Open", cb.State())
	}
}
