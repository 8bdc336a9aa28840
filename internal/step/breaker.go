package step

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all attempts through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all attempts immediately.
	BreakerOpen
	// BreakerHalfOpen allows a single probe attempt through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one step name across all workflow instances: after
// enough consecutive failures the step short-circuits for a cool-down
// window instead of hammering a downstream dependency that is down. Safe
// for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
}

// NewCircuitBreaker creates a breaker.
// failureThreshold: consecutive failures to trip Closed -> Open.
// successThreshold: consecutive successes in HalfOpen to close again.
// cooldown: duration to stay Open before allowing a probe.
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Allow checks whether an attempt should be allowed through.
// Returns nil if allowed, or an error if the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.openedAt) > cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("circuit breaker is open")
	default:
		return nil
	}
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
		cb.successes = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// BreakerRegistry holds one breaker per step name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

// NewBreakerRegistry creates a registry whose breakers share one
// configuration.
func NewBreakerRegistry(failureThreshold, successThreshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// For returns the breaker for a step name, creating it on first use.
func (r *BreakerRegistry) For(stepName string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[stepName]
	if !ok {
		cb = NewCircuitBreaker(r.failureThreshold, r.successThreshold, r.cooldown)
		r.breakers[stepName] = cb
	}
	return cb
}
