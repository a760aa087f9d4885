// Package resilience guards the model backends of EchoForge.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend once it keeps failing. [FallbackGroup] chains a
// primary backend with fallbacks, each behind its own breaker.
// [LLMFallback] and [EmbeddingsFallback] apply it to the two provider kinds
// used by the dialogue pipeline and the knowledge index.
//
// All types are safe for concurrent use.
package resilience

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not elapsed yet.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, typically the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls in the half-open state.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a three-state breaker around one backend.
//
// A context.Canceled coming out of the guarded call is passed through
// without counting against the backend: a player closing the connection
// mid-turn says nothing about the model.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last time the breaker opened
	trials   int       // admitted while half-open
	passed   int       // trials that succeeded
	changes  []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults: 5 failures, 30s reset timeout, 3 trials.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cmp.Or(max(cfg.MaxFailures, 0), 5),
		resetTimeout:  cmp.Or(max(cfg.ResetTimeout, 0), 30*time.Second),
		halfOpenMax:   cmp.Or(max(cfg.HalfOpenMax, 0), 3),
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Execute runs fn unless the breaker refuses with [ErrCircuitOpen], and
// returns fn's error unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.unlock()

	if cb.state == StateOpen {
		if cb.cooling() {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateClosed {
		return false, nil
	}
	if cb.trials >= cb.halfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.trials++
	return true, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	defer cb.unlock()

	switch {
	case errors.Is(err, context.Canceled):
		if trial {
			cb.trials--
		}
	case err != nil && trial:
		cb.trip()
	case err != nil:
		if cb.failures++; cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case trial:
		if cb.passed++; cb.passed >= cb.halfOpenMax {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// cooling reports whether an open breaker is still inside its reset
// timeout. cb.mu must be held.
func (cb *CircuitBreaker) cooling() bool {
	return cb.now().Sub(cb.openedAt) < cb.resetTimeout
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.moveTo(StateOpen)
}

// moveTo changes state, clears the counters and queues the transition for
// unlock. cb.mu must be held.
func (cb *CircuitBreaker) moveTo(s State) {
	cb.failures, cb.trials, cb.passed = 0, 0, 0
	if cb.state == s {
		return
	}
	cb.changes = append(cb.changes, transition{from: cb.state, to: s})
	cb.state = s
}

// unlock releases cb.mu, then logs and reports the queued transitions.
func (cb *CircuitBreaker) unlock() {
	changes := cb.changes
	cb.changes = nil
	cb.mu.Unlock()

	for _, t := range changes {
		if t.to == StateOpen {
			slog.Warn("circuit breaker opened", "name", cb.name, "from", t.from.String())
		} else {
			slog.Info("circuit breaker state changed", "name", cb.name, "from", t.from.String(), "to", t.to.String())
		}
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker past its reset timeout
// already reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.cooling() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlock()
	cb.moveTo(StateClosed)
}
