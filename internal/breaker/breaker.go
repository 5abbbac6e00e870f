// Package breaker implements the per-host circuit breaker that guards
// Docker daemon calls. A run of consecutive failures opens the breaker;
// while open, calls fail fast without touching the daemon. After a
// cooldown one trial call is admitted; its outcome decides whether the
// breaker closes again or reopens.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/clock"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Defaults match the control plane's documented behaviour.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// StateChangeFunc is invoked (outside the breaker lock) on every state
// transition.
type StateChangeFunc func(name string, from, to State)

// Breaker is a three-state failure guard for one host.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clk       clock.Clock
	onChange  StateChangeFunc

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool // a half-open trial call is in flight
	pending  []pendingChange
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that opens the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before admitting a trial.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock injects a fake clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(b *Breaker) { b.clk = clk }
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed Breaker named after its host.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		clk:       clock.Real{},
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a guarded call may proceed. In the open state it
// fails with ErrOpen until the cooldown has elapsed, then transitions to
// half-open and admits exactly one trial call; concurrent callers during
// the trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.clk.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.setStateLocked(StateHalfOpen)
		b.trialing = true
		b.unlockAndNotify()
		return nil
	case StateHalfOpen:
		if b.trialing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialing = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Success records a successful guarded call. It resets the failure count
// and, from half-open, closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.trialing = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
	}
	b.unlockAndNotify()
}

// Failure records a failed guarded call. From half-open it reopens
// immediately; from closed it opens once the threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.trialing = false
	switch b.state {
	case StateHalfOpen:
		b.openedAt = b.clk.Now()
		b.setStateLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.clk.Now()
			b.setStateLocked(StateOpen)
		}
	case StateOpen:
		// Already open; restart the cooldown so a flapping host stays out.
		b.openedAt = b.clk.Now()
	}
	b.unlockAndNotify()
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next Allow admits the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset force-closes the breaker and clears all counters. Used by the
// admin reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.trialing = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
	}
	b.unlockAndNotify()
}

// pendingChange is recorded by setStateLocked and delivered by
// unlockAndNotify once the lock is released, so callbacks never run under
// the breaker lock.
type pendingChange struct {
	from, to State
}

func (b *Breaker) setStateLocked(to State) {
	b.pending = append(b.pending, pendingChange{from: b.state, to: to})
	b.state = to
}

func (b *Breaker) unlockAndNotify() {
	changes := b.pending
	b.pending = nil
	b.mu.Unlock()
	if b.onChange != nil {
		for _, c := range changes {
			b.onChange(b.name, c.from, c.to)
		}
	}
}
