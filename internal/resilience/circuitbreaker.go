// Package resilience keeps completion-provider outages from taking the
// conversation down with them. A [CircuitBreaker] stops hammering a provider
// that keeps failing, and a [Chain] fails over across providers whose
// breakers still admit calls.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a circuit breaker state.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of trial calls to find out
	// whether the provider has recovered.
	StateHalfOpen
)

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

// Breaker defaults, applied by [NewCircuitBreaker] for zero config fields.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes one breaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics, typically the provider
	// name it guards.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before admitting
	// trial calls again.
	ResetTimeout time.Duration

	// HalfOpenMax is how many trial calls must succeed to close the
	// breaker. It also caps how many calls half-open admits.
	HalfOpenMax int

	// OnTransition, when set, observes every state change. It runs with
	// the breaker's lock held and must not call back into the breaker.
	OnTransition func(from, to State)
}

// CircuitBreaker is a three-state breaker guarding one provider. All methods
// are safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last opened

	// half-open trial accounting
	trials   int
	trialOKs int
}

// NewCircuitBreaker creates a breaker, filling zero config fields with the
// package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns an error wrapping [ErrCircuitOpen]; fn's own error
// passes through unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State reports the breaker's effective state: an open breaker whose reset
// timeout has elapsed reports half-open even before the first trial call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.trials, cb.trialOKs = 0, 0, 0
	cb.transition(StateClosed)
}

// admit decides whether a call may proceed, moving an expired open breaker
// to half-open first.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.cfg.Name)
		}
		cb.transition(StateHalfOpen)
		cb.trials = 1
		return nil
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			return fmt.Errorf("%w: %s (trial budget exhausted)", ErrCircuitOpen, cb.cfg.Name)
		}
		cb.trials++
		return nil
	default:
		return nil
	}
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && cb.state == StateHalfOpen:
		cb.trialOKs++
		if cb.trialOKs >= cb.cfg.HalfOpenMax {
			cb.transition(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case cb.state == StateHalfOpen:
		// One failed trial is enough evidence the provider is still down.
		cb.open()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	}
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.transition(StateOpen)
}

// transition moves the breaker to a new state, resets the counters the new
// state relies on, and notifies observers. Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateClosed:
		cb.failures, cb.trials, cb.trialOKs = 0, 0, 0
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	case StateHalfOpen:
		cb.trials, cb.trialOKs = 0, 0
		slog.Info("circuit breaker half-open, admitting trial calls", "name", cb.cfg.Name)
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"from", from.String(),
			"reset_timeout", cb.cfg.ResetTimeout,
		)
	}

	if cb.cfg.OnTransition != nil {
		cb.cfg.OnTransition(from, to)
	}
}
