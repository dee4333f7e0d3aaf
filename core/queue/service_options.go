package queue

import (
	"log/slog"
	"time"

	"github.com/forgeworks/workq/pkg/breaker"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*serviceOptions) error

type serviceOptions struct {
	logger      *slog.Logger
	queues      []QueueConfig
	now         func() time.Time
	archive     Archive
	policy      *RetryPolicy
	breaker     *breaker.Breaker
	noBreaker   bool
	workerOpts  []WorkerOption
	enqueueOpts []EnqueuerOption
}

// WithServiceLogger sets the logger shared by every component of the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) error {
		if logger == nil {
			return nil // Just use the default logger
		}
		o.logger = logger
		return nil
	}
}

// WithQueues replaces the default one-queue-per-priority topology.
func WithQueues(queues ...QueueConfig) ServiceOption {
	return func(o *serviceOptions) error {
		if len(queues) == 0 {
			return nil
		}
		o.queues = queues
		return nil
	}
}

// WithClock replaces time.Now in every component. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// WithDeadLetterArchive mirrors every dead-letter record into a.
func WithDeadLetterArchive(a Archive) ServiceOption {
	return func(o *serviceOptions) error {
		o.archive = a
		return nil
	}
}

// WithRetryPolicy replaces the default jittered exponential policy.
func WithRetryPolicy(p *RetryPolicy) ServiceOption {
	return func(o *serviceOptions) error {
		if p != nil {
			o.policy = p
		}
		return nil
	}
}

// WithBreaker wraps the storage with cb instead of a breaker built from Config.
func WithBreaker(cb *breaker.Breaker) ServiceOption {
	return func(o *serviceOptions) error {
		if cb != nil {
			o.breaker = cb
		}
		return nil
	}
}

// WithoutBreaker uses the storage as given, for stores that are already wrapped.
func WithoutBreaker() ServiceOption {
	return func(o *serviceOptions) error {
		o.noBreaker = true
		return nil
	}
}

// WithWorkerOptions applies options to the worker component.
func WithWorkerOptions(opts ...WorkerOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.workerOpts = append(o.workerOpts, opts...)
		return nil
	}
}

// WithEnqueuerOptions applies options to the enqueuer component.
func WithEnqueuerOptions(opts ...EnqueuerOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.enqueueOpts = append(o.enqueueOpts, opts...)
		return nil
	}
}
