package queue

import (
	"context"
	"errors"
	"time"

	"github.com/forgeworks/workq/pkg/breaker"
)

// ResilientStorage routes every Storage call through a circuit breaker so that a
// degraded store makes callers fail fast with ErrCircuitOpen instead of stalling.
type ResilientStorage struct {
	next Storage
	cb   *breaker.Breaker
}

// NewResilientStorage wraps next with cb. Only ErrStoreUnavailable counts against the
// breaker; empty queues and missing leases are normal answers from a healthy store.
// If cb is nil a breaker with default settings is created.
func NewResilientStorage(next Storage, cb *breaker.Breaker) (*ResilientStorage, error) {
	if next == nil {
		return nil, ErrStoreNil
	}
	if cb == nil {
		cb = NewStoreBreaker(DefaultConfig())
	}
	return &ResilientStorage{next: next, cb: cb}, nil
}

// NewStoreBreaker builds a breaker from config that counts only store outages.
func NewStoreBreaker(cfg Config, opts ...breaker.Option) *breaker.Breaker {
	base := []breaker.Option{
		breaker.WithName("queue-store"),
		breaker.WithFailureThreshold(cfg.BreakerFailureThreshold),
		breaker.WithMonitoringPeriod(cfg.BreakerMonitoringPeriod),
		breaker.WithResetTimeout(cfg.BreakerResetTimeout),
		breaker.WithFailurePredicate(IsStoreFailure),
	}
	return breaker.New(append(base, opts...)...)
}

// IsStoreFailure reports whether err indicates the store itself is unhealthy.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Breaker exposes the underlying breaker for state reporting.
func (rs *ResilientStorage) Breaker() *breaker.Breaker {
	return rs.cb
}

// Unwrap returns the wrapped store.
func (rs *ResilientStorage) Unwrap() Storage {
	return rs.next
}

func (rs *ResilientStorage) Insert(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time) error {
	return rs.cb.Execute(ctx, func(ctx context.Context) error {
		return rs.next.Insert(ctx, queue, msg, rank, notBefore, now)
	})
}

func (rs *ResilientStorage) Lease(ctx context.Context, queue string, now, expiresAt time.Time) (*Lease, error) {
	var lease *Lease
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		lease, err = rs.next.Lease(ctx, queue, now, expiresAt)
		return err
	})
	return lease, err
}

func (rs *ResilientStorage) Release(ctx context.Context, queue, id string, cond Condition) (bool, error) {
	var ok bool
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.next.Release(ctx, queue, id, cond)
		return err
	})
	return ok, err
}

func (rs *ResilientStorage) Extend(ctx context.Context, queue, id string, expiresAt time.Time, cond Condition) (bool, error) {
	var ok bool
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.next.Extend(ctx, queue, id, expiresAt, cond)
		return err
	})
	return ok, err
}

func (rs *ResilientStorage) Expired(ctx context.Context, queue string, now time.Time, limit int) ([]Lease, error) {
	var leases []Lease
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		leases, err = rs.next.Expired(ctx, queue, now, limit)
		return err
	})
	return leases, err
}

func (rs *ResilientStorage) Requeue(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time, cond Condition) (bool, error) {
	var ok bool
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.next.Requeue(ctx, queue, msg, rank, notBefore, now, cond)
		return err
	})
	return ok, err
}

func (rs *ResilientStorage) DeadLetter(ctx context.Context, rec *DeadLetterRecord, cond Condition) (bool, error) {
	var ok bool
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.next.DeadLetter(ctx, rec, cond)
		return err
	})
	return ok, err
}

func (rs *ResilientStorage) DeadLetters(ctx context.Context, deadLetterQueue string, limit int) ([]*DeadLetterRecord, error) {
	var records []*DeadLetterRecord
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		records, err = rs.next.DeadLetters(ctx, deadLetterQueue, limit)
		return err
	})
	return records, err
}

func (rs *ResilientStorage) Stats(ctx context.Context, queue, deadLetterQueue string) (QueueStats, error) {
	var stats QueueStats
	err := rs.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		stats, err = rs.next.Stats(ctx, queue, deadLetterQueue)
		return err
	})
	return stats, err
}

func (rs *ResilientStorage) Ping(ctx context.Context) error {
	return rs.cb.Execute(ctx, rs.next.Ping)
}
