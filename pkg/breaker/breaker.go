// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for backend dial attempts.
// When an endpoint refuses or times out repeatedly, its breaker opens and
// subsequent sessions fail fast with ErrCircuitOpen instead of each burning
// a full retry budget against a dead backend.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive dial failures before opening.
	MaxFailures int
	// ResetTimeout is how long an open circuit holds before letting a probe
	// dial through in half-open.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close again.
	SuccessThreshold int
}

// CircuitBreaker gates dial attempts against one backend endpoint. Shared
// by every session targeting that endpoint.
type CircuitBreaker struct {
	mu            sync.RWMutex
	config        Config
	state         State
	failures      int
	successes     int
	changedAt     time.Time
	onStateChange func(from, to State)
}

// New creates a circuit breaker. Zero config fields get working defaults.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		config:    config,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Call runs dial if the circuit admits it and records the outcome. While
// the circuit is open, dial is not invoked and ErrCircuitOpen is returned
// until ResetTimeout elapses; the first call after that runs as a half-open
// probe.
func (cb *CircuitBreaker) Call(dial func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := dial()
	cb.record(err)
	return err
}

// admit decides whether a dial may proceed, moving Open → HalfOpen once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if time.Since(cb.changedAt) > cb.config.ResetTimeout {
		cb.transition(StateHalfOpen)
		return true
	}
	return false
}

// record folds one dial outcome into the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transition(StateOpen)
	}
}

// transition moves to next and resets the counters the new state starts
// from. Callers hold the lock.
func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = time.Now()

	switch next {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(prev, next)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a callback for state transitions. The callback
// runs on its own goroutine and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns the current state and counters.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}
