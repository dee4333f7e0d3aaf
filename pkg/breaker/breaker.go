package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called synchronously after every transition.
// It must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to a single dependency.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  []time.Time
	openedAt  time.Time
	trialBusy bool

	name             string
	failureThreshold int
	monitoringPeriod time.Duration
	resetTimeout     time.Duration
	isFailure        func(error) bool
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithName sets the name reported to the state change callback and in errors.
func WithName(name string) Option {
	return func(b *Breaker) {
		if name != "" {
			b.name = name
		}
	}
}

// WithFailureThreshold sets how many failures inside the monitoring period open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithMonitoringPeriod sets the sliding window failures are counted in.
func WithMonitoringPeriod(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.monitoringPeriod = d
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before admitting a trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithFailurePredicate decides which non-nil errors count as dependency failures.
// Errors for which it returns false are treated as successful round trips.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		monitoringPeriod: time.Minute,
		resetTimeout:     30 * time.Second,
		isFailure:        func(error) bool { return true },
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Execute runs fn unless the breaker is open.
// A call whose context is already done is returned without being recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := b.allow()
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	switch {
	case callErr != nil && ctx.Err() != nil && errors.Is(callErr, ctx.Err()):
		// Caller gave up; says nothing about the dependency.
		b.abandon(trial)
	case callErr != nil && b.isFailure(callErr):
		b.recordFailure(trial)
	default:
		b.recordSuccess(trial)
	}

	return callErr
}

// State returns the current state, moving Open to HalfOpen if the reset timeout passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.resetTimeout)) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker closed and forgets recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.trialBusy = false
	b.transition(StateClosed)
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		retryAt := b.openedAt.Add(b.resetTimeout)
		if now.Before(retryAt) {
			return false, fmt.Errorf("%w: %s, retry in %s", ErrOpen, b.name, retryAt.Sub(now).Round(time.Millisecond))
		}
		b.transition(StateHalfOpen)
		b.trialBusy = true
		return true, nil

	case StateHalfOpen:
		if b.trialBusy {
			return false, fmt.Errorf("%w: %s, trial call in flight", ErrOpen, b.name)
		}
		b.trialBusy = true
		return true, nil
	}

	return false, fmt.Errorf("%w: %s in unknown state %d", ErrOpen, b.name, b.state)
}

func (b *Breaker) recordFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if trial || b.state == StateHalfOpen {
		b.trialBusy = false
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	if b.state != StateClosed {
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.failureThreshold {
		b.failures = b.failures[:0]
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) recordSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial || b.state == StateHalfOpen {
		b.trialBusy = false
		b.failures = b.failures[:0]
		b.transition(StateClosed)
		return
	}

	if b.state == StateClosed {
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) abandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialBusy = false
	b.mu.Unlock()
}

// pruneLocked drops failures older than the monitoring period.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.monitoringPeriod)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
