package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/forgeworks/workq/core/logger"
)

// Redeliverer applies the retry policy to a leased message that failed, either
// through an explicit nack or an expired lease. Both outcomes are conditional
// moves out of the processing set, so a consumer and the reaper racing on the
// same message cannot both act on it.
type Redeliverer struct {
	store  Storage
	policy *RetryPolicy
	sink   *DeadLetterSink
	now    func() time.Time
	logger *slog.Logger
}

// NewRedeliverer wires a retry policy and a dead-letter sink over store.
func NewRedeliverer(store Storage, policy *RetryPolicy, sink *DeadLetterSink, now func() time.Time, log *slog.Logger) (*Redeliverer, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if policy == nil {
		policy = NewRetryPolicy()
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sink == nil {
		var err error
		if sink, err = NewDeadLetterSink(store, WithDeadLetterClock(now), WithDeadLetterLogger(log)); err != nil {
			return nil, err
		}
	}
	return &Redeliverer{store: store, policy: policy, sink: sink, now: now, logger: log}, nil
}

// Outcome reports what Redeliver did.
type Outcome struct {
	Decision Decision
	// Applied is false when the message no longer held a matching lease, which
	// means someone else acked, nacked or reclaimed it first.
	Applied bool
}

// Redeliver requeues msg with backoff or dead-letters it. When retry is false the
// message is dead-lettered regardless of its remaining budget.
func (r *Redeliverer) Redeliver(ctx context.Context, msg *Message, cfg QueueConfig, retry bool, reason string, cond Condition) (Outcome, error) {
	decision := Decision{Action: ActionDeadLetter}
	if retry {
		decision = r.policy.Decide(msg, cfg)
	}

	if decision.Action == ActionDeadLetter {
		if retry {
			reason = joinReason(reason, ErrRetriesExhausted)
		}
		ok, err := r.sink.Quarantine(ctx, msg, cfg, reason, cond)
		return Outcome{Decision: decision, Applied: ok}, err
	}

	now := r.now()
	notBefore := now.Add(decision.Delay)

	next := msg.Clone()
	next.Metadata.RetryCount++
	if reason != "" {
		next.Metadata.LastError = reason
	}

	ok, err := r.store.Requeue(ctx, cfg.Name, next, Rank(next.Priority, notBefore), notBefore, now, cond)
	if err != nil {
		return Outcome{Decision: decision}, fmt.Errorf("failed to requeue message %s in queue %q: %w", msg.ID, cfg.Name, err)
	}

	if ok {
		r.logger.InfoContext(ctx, "message requeued",
			logger.Queue(cfg.Name),
			logger.MessageID(msg.ID),
			logger.TraceID(msg.Metadata.TraceID),
			logger.RetryCount(next.Metadata.RetryCount),
			slog.Duration("delay", decision.Delay))
	}

	return Outcome{Decision: decision, Applied: ok}, nil
}

func undecodableReason(err error) string {
	if errors.Is(err, ErrUndecodable) {
		return err.Error()
	}
	return fmt.Sprintf("%v: %v", ErrUndecodable, err)
}

func joinReason(reason string, err error) string {
	if reason == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", reason, err)
}
