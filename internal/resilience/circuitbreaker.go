// Package resilience guards the extraction backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend which keeps failing. [FallbackGroup] puts one
// breaker in front of each of several interchangeable values and tries them
// in order. [ExtractorFallback] applies that to qualification extractors.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any failure
	// re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the state name.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// OnStateChange, if set, is called with the breaker's lock held after
	// every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Context cancellation is not a backend failure: a call that returns
// [context.Canceled] leaves the failure count untouched.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	clock        clock.Clock
	onChange     func(name string, from, to State)
	log          *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		clock:        cfg.Clock,
		onChange:     cfg.OnStateChange,
		log:          slog.Default().With("component", "resilience", "breaker", cfg.Name),
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		cb.transitionLocked(StateHalfOpen)
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.recordSuccessLocked(probe)
	case errors.Is(err, context.Canceled):
		if probe {
			cb.halfOpenCalls--
		}
	default:
		cb.recordFailureLocked(probe)
	}
	return err
}

func (cb *CircuitBreaker) recordFailureLocked(probe bool) {
	cb.lastFailure = cb.clock.Now()
	if probe {
		cb.consecutiveFail = cb.maxFailures
		cb.transitionLocked(StateOpen)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccessLocked(probe bool) {
	if !probe {
		cb.consecutiveFail = 0
		return
	}
	// A probe that finished after another probe re-opened the breaker does
	// not count.
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		cb.consecutiveFail = 0
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.log.Warn("circuit breaker opened", "from", from, "consecutive_failures", cb.consecutiveFail)
	default:
		cb.log.Info("circuit breaker state changed", "from", from, "to", to)
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.transitionLocked(StateClosed)
}
