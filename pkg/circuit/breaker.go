// Package circuit implements a closed/open/half-open circuit breaker
// with exponential backoff between recovery probes.
package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state.
type State int32

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
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker is open and the
	// backoff window has not elapsed.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned in half-open state when another
	// caller already holds the single recovery probe.
	ErrProbeInFlight = errors.New("recovery probe already in flight")
)

// Breaker fronts an unreliable downstream. After MaxFailures
// consecutive failures it opens; once the backoff elapses a single
// probe is let through; a probe failure doubles the backoff.
type Breaker struct {
	maxFailures int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	state    int32 // atomic State
	failures int32 // atomic, consecutive failures while closed
	probing  int32 // atomic, half-open probe gate

	mu            sync.Mutex
	backoff       time.Duration
	retryAt       time.Time
	onStateChange func(from, to State)

	now func() time.Time // test hook
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxFailures   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	OnStateChange func(from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Breaker{
		maxFailures:   cfg.MaxFailures,
		baseBackoff:   cfg.BaseBackoff,
		maxBackoff:    cfg.MaxBackoff,
		state:         int32(StateClosed),
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Allow reports whether an attempt may proceed. In half-open state the
// caller owns the single probe and must report the outcome through
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return nil

	case StateOpen:
		b.mu.Lock()
		if b.now().Before(b.retryAt) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.mu.Unlock()
		fallthrough

	case StateHalfOpen:
		if !atomic.CompareAndSwapInt32(&b.probing, 0, 1) {
			return ErrProbeInFlight
		}
		return nil
	}
	return nil
}

// RecordSuccess reports a successful attempt.
func (b *Breaker) RecordSuccess() {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		atomic.StoreInt32(&b.failures, 0)

	case StateHalfOpen:
		b.mu.Lock()
		b.backoff = 0
		b.transitionTo(StateClosed)
		b.mu.Unlock()
		atomic.StoreInt32(&b.probing, 0)
	}
}

// RecordFailure reports a failed attempt.
func (b *Breaker) RecordFailure() {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		if int(atomic.AddInt32(&b.failures, 1)) > b.maxFailures {
			b.mu.Lock()
			b.backoff = b.baseBackoff
			b.retryAt = b.now().Add(b.backoff)
			b.transitionTo(StateOpen)
			b.mu.Unlock()
		}

	case StateHalfOpen:
		b.mu.Lock()
		b.backoff *= 2
		if b.backoff == 0 {
			b.backoff = b.baseBackoff
		}
		if b.backoff > b.maxBackoff {
			b.backoff = b.maxBackoff
		}
		b.retryAt = b.now().Add(b.backoff)
		b.transitionTo(StateOpen)
		b.mu.Unlock()
		atomic.StoreInt32(&b.probing, 0)
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Failures returns the consecutive failure count while closed.
func (b *Breaker) Failures() int {
	return int(atomic.LoadInt32(&b.failures))
}

// RetryAt returns when the next recovery probe is permitted.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAt
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.backoff = 0
	b.transitionTo(StateClosed)
	b.mu.Unlock()
	atomic.StoreInt32(&b.probing, 0)
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(newState State) {
	oldState := State(atomic.LoadInt32(&b.state))
	if oldState == newState {
		return
	}
	atomic.StoreInt32(&b.state, int32(newState))
	atomic.StoreInt32(&b.failures, 0)
	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// SetNowFunc overrides the clock; tests only.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
