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

// LeaseManager moves messages into the processing set with a visibility timeout and
// removes them again on ack.
type LeaseManager struct {
	store  Storage
	now    func() time.Time
	logger *slog.Logger
}

// NewLeaseManager creates a lease manager on top of store.
func NewLeaseManager(store Storage, now func() time.Time, log *slog.Logger) (*LeaseManager, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LeaseManager{store: store, now: now, logger: log}, nil
}

// Lease extracts the next eligible message of cfg.Name and hides it for
// cfg.VisibilityTimeout. Returns ErrQueueEmpty when nothing is eligible.
func (lm *LeaseManager) Lease(ctx context.Context, cfg QueueConfig) (*Lease, error) {
	now := lm.now()
	lease, err := lm.store.Lease(ctx, cfg.Name, now, now.Add(cfg.VisibilityTimeout))
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lease from queue %q: %w", cfg.Name, err)
	}
	return lease, nil
}

// Release acks a lease. Releasing a lease that the reaper already reclaimed is a
// no-op, even when the message has since been leased again: it is logged and nil
// is returned.
func (lm *LeaseManager) Release(ctx context.Context, lease Lease) error {
	ok, err := lm.store.Release(ctx, lease.Queue, lease.MessageID, Condition{Token: lease.Token})
	if err != nil {
		return fmt.Errorf("failed to release message %s in queue %q: %w", lease.MessageID, lease.Queue, err)
	}
	if !ok {
		lm.logger.WarnContext(ctx, "released lease was already reclaimed",
			logger.Component("lease-manager"),
			logger.Queue(lease.Queue),
			logger.MessageID(lease.MessageID))
	}
	return nil
}

// Extend pushes the expiry of a live lease to now+d and returns the new expiry.
// Returns ErrMessageNotFound when the lease is gone.
func (lm *LeaseManager) Extend(ctx context.Context, lease Lease, d time.Duration) (time.Time, error) {
	expiresAt := lm.now().Add(d)
	ok, err := lm.store.Extend(ctx, lease.Queue, lease.MessageID, expiresAt, Condition{Token: lease.Token})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to extend lease of message %s in queue %q: %w", lease.MessageID, lease.Queue, err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("extend %s: %w", lease.MessageID, ErrMessageNotFound)
	}
	return expiresAt, nil
}
