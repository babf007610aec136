package mesh

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker is a three-state admission gate isolating a failing
// resource: Closed admits everything, Open admits nothing until
// resetTimeout has elapsed, and HalfOpen admits a bounded number of
// concurrent probes to test recovery.
type CircuitBreaker struct {
	threshold    uint32
	successLimit uint32
	probeLimit   uint32
	resetTimeout time.Duration

	mu              sync.Mutex
	state           BreakerState
	failures        uint32
	halfOpenSucc    uint32
	halfOpenInFlight uint32
	lastFailure     time.Time
	openedAt        time.Time
}

// NewCircuitBreaker returns a Closed breaker that opens after threshold
// consecutive failures, waits resetTimeout before probing, requires
// successLimit consecutive half-open successes to close again, and
// admits at most probeLimit concurrent half-open probes.
func NewCircuitBreaker(threshold, successLimit, probeLimit uint32, resetTimeout time.Duration) *CircuitBreaker {
	if probeLimit == 0 {
		probeLimit = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		successLimit: successLimit,
		probeLimit:   probeLimit,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// State returns the breaker's current state, transitioning Open to
// HalfOpen first if resetTimeout has elapsed.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeTransitionToHalfOpenLocked()
	return c.state
}

func (c *CircuitBreaker) maybeTransitionToHalfOpenLocked() {
	if c.state == BreakerOpen && time.Since(c.openedAt) >= c.resetTimeout {
		c.state = BreakerHalfOpen
		c.halfOpenSucc = 0
		c.halfOpenInFlight = 0
	}
}

// Allow reports whether a request may proceed right now, reserving a
// half-open probe slot if it does. Callers that receive true must
// eventually call RecordSuccess or RecordFailure exactly once.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeTransitionToHalfOpenLocked()

	switch c.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.halfOpenInFlight >= c.probeLimit {
			return false
		}
		c.halfOpenInFlight++
		return true
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful call. In Closed it clears the
// failure counter; in HalfOpen it counts toward successLimit and closes
// the breaker once reached.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerClosed:
		c.failures = 0
	case BreakerHalfOpen:
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		c.halfOpenSucc++
		if c.halfOpenSucc >= c.successLimit {
			c.state = BreakerClosed
			c.failures = 0
			c.halfOpenSucc = 0
		}
	}
}

// RecordFailure reports a failed call. In Closed it may trip the
// breaker to Open once threshold consecutive failures accumulate; in
// HalfOpen any single failure re-opens the breaker immediately.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastFailure = now

	switch c.state {
	case BreakerClosed:
		c.failures++
		if c.failures >= c.threshold {
			c.state = BreakerOpen
			c.openedAt = now
		}
	case BreakerHalfOpen:
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		c.state = BreakerOpen
		c.openedAt = now
		c.halfOpenSucc = 0
	}
}
