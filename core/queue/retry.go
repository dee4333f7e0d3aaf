package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Action is the outcome of a retry decision.
type Action int

const (
	ActionRequeue Action = iota
	ActionDeadLetter
)

func (a Action) String() string {
	if a == ActionDeadLetter {
		return "dead-letter"
	}
	return "requeue"
}

// Decision tells the caller what to do with a message that was nacked or whose lease expired.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// DefaultJitterFraction is the share of the exponential term added as random jitter.
const DefaultJitterFraction = 0.1

// RetryPolicy computes exponential backoff with jitter and decides when to give up.
type RetryPolicy struct {
	jitter float64
	rand   func() float64
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithJitterFraction sets the upper bound of jitter relative to the exponential term.
func WithJitterFraction(f float64) RetryOption {
	return func(p *RetryPolicy) {
		if f >= 0 {
			p.jitter = f
		}
	}
}

// WithRandomSource replaces the uniform [0,1) source, mostly for tests.
func WithRandomSource(fn func() float64) RetryOption {
	return func(p *RetryPolicy) {
		if fn != nil {
			p.rand = fn
		}
	}
}

// NewRetryPolicy creates a policy with 10% jitter.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		jitter: DefaultJitterFraction,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide requeues while RetryCount < MaxRetries, otherwise dead-letters.
func (p *RetryPolicy) Decide(msg *Message, cfg QueueConfig) Decision {
	if msg.Metadata.RetryCount >= cfg.MaxRetries {
		return Decision{Action: ActionDeadLetter}
	}
	return Decision{Action: ActionRequeue, Delay: p.Backoff(msg.Metadata.RetryCount, cfg)}
}

// Backoff returns min(MaxRetryDelay, RetryDelay*2^attempt + jitter).
func (p *RetryPolicy) Backoff(attempt int, cfg QueueConfig) time.Duration {
	if cfg.RetryDelay <= 0 {
		return 0
	}

	exp := float64(cfg.RetryDelay) * math.Pow(2, float64(attempt))
	delay := exp + p.rand()*p.jitter*exp

	ceiling := cfg.MaxRetryDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	if math.IsNaN(delay) || delay >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}
