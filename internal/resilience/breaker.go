// Package resilience wraps downstream store operations with retry and a
// circuit breaker, breaker outermost. Domain errors (not-found, conflict,
// validation) pass through unchanged and never trip the breaker; only
// transient infrastructure failures count against it.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openauthd/openauthd/internal/oautherr"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerError is returned on fast-fail while the breaker is open.
type CircuitBreakerError struct {
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// maxWindowRecords bounds the rolling outcome window.
const maxWindowRecords = 1000

// BreakerConfig tunes the circuit breaker. Zero values take the defaults.
type BreakerConfig struct {
	FailureThreshold int           // percent of failures that opens, default 50
	MinimumRequests  int           // sample floor before opening, default 5
	WindowSize       time.Duration // rolling window, default 60s
	Cooldown         time.Duration // open→half-open delay, default 30s
	SuccessThreshold int           // consecutive half-open successes to close, default 3
	Clock            clockwork.Clock
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 50
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker is a three-state circuit breaker over a rolling outcome window.
// It is per-adapter process state and safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	state             State
	window            []outcome
	openedAt          time.Time
	halfOpenSuccesses int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under breaker control. While open, fn is never invoked
// and a *CircuitBreakerError is returned. Classification of fn's error as
// failure or pass-through follows IsTransient.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return &CircuitBreakerError{State: StateOpen}
		}
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	case StateHalfOpen, StateClosed:
	}
	return nil
}

func (b *Breaker) after(err error) {
	failure := err != nil && IsTransient(err)
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if failure {
			b.trip(now)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.window = nil
		}

	case StateClosed:
		b.window = append(b.window, outcome{at: now, failure: failure})
		if len(b.window) > maxWindowRecords {
			b.window = b.window[len(b.window)-maxWindowRecords:]
		}
		if !failure {
			return
		}
		b.pruneLocked(now)
		total := len(b.window)
		if total < b.cfg.MinimumRequests {
			return
		}
		failures := 0
		for _, o := range b.window {
			if o.failure {
				failures++
			}
		}
		if failures*100 >= b.cfg.FailureThreshold*total {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.window = nil
	b.halfOpenSuccesses = 0
}

// pruneLocked drops outcomes older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for ; i < len(b.window); i++ {
		if !b.window[i].at.Before(cutoff) {
			break
		}
	}
	b.window = b.window[i:]
}

// IsCircuitOpen reports whether err is a breaker fast-fail. Read-side
// callers use this to degrade to a nil result instead of propagating.
func IsCircuitOpen(err error) bool {
	var cbe *CircuitBreakerError
	return asErr(err, &cbe)
}

// IsTransient classifies errors for both retry and breaker accounting.
// Coded domain errors pass through untouched; everything else (raw driver
// and I/O failures, explicit infrastructure errors) is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	if e := oautherr.AsError(err); e != nil {
		return e.Kind == oautherr.KindInfrastructure
	}
	return true
}
