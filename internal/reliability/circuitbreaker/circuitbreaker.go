package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker provides fast-fail behavior when the backing store fails
// repeatedly. Closed admits everything; open rejects until the cool-off
// timeout; half-open admits probes until enough succeed to close again.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	onStateChange    func(from, to State)
}

// New creates a circuit breaker.
func New(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// SetStateChangeCallback registers a callback for state transitions.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// AllowRequest reports whether a request may proceed, moving an open breaker
// to half-open once the cool-off timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	default:
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.setStateLocked(StateHalfOpen)
			cb.failureCount = 0
			cb.successCount = 0
			return true
		}
		return false
	}
}

// RecordSuccess counts a success and may close a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure counts a failure and may trip the breaker open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.setStateLocked(StateOpen)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
		cb.failureCount = 0
		cb.successCount = 0
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(old, newState)
	}
}
