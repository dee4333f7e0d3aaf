package queue

import (
	"context"
	"time"
)

// Condition guards a change to a lease. The change happens only while the message
// still holds a lease. When Token is set the lease must carry that token, so a
// holder whose lease was reclaimed and re-leased cannot touch the new one. When
// ExpiredBy is set the lease must have expired at or before ExpiredBy; a reaper
// uses it so it never reclaims a lease that was extended after it was scanned.
type Condition struct {
	Token     string
	ExpiredBy time.Time
}

// Storage is the ordered-set store that owns every message. A message id lives in
// exactly one of the pending/delayed, processing or dead-letter sets. Every method
// that moves a message between sets must be a single atomic operation.
//
// Implementations wrap transport failures with ErrStoreUnavailable.
type Storage interface {
	// Insert adds msg to queue at rank. If notBefore is after now the message waits
	// in the delayed set until it becomes due. Inserting an id the queue already
	// holds is a no-op.
	Insert(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time) error

	// Lease promotes due delayed messages, then atomically removes the lowest-rank
	// pending message and records it in the processing set until expiresAt under a
	// fresh token. Returns ErrQueueEmpty when nothing is eligible.
	Lease(ctx context.Context, queue string, now, expiresAt time.Time) (*Lease, error)

	// Release drops a lease when cond holds. It reports false when there was no
	// matching lease to drop.
	Release(ctx context.Context, queue, id string, cond Condition) (bool, error)

	// Extend moves the expiry of a live lease when cond holds. It reports false
	// when there is no matching lease.
	Extend(ctx context.Context, queue, id string, expiresAt time.Time, cond Condition) (bool, error)

	// Expired returns up to limit leases whose expiry is at or before now, oldest
	// first. A lease whose body cannot be decoded is returned with DecodeErr set
	// rather than failing the whole page.
	Expired(ctx context.Context, queue string, now time.Time, limit int) ([]Lease, error)

	// Requeue moves a leased message back to queue with updated metadata when cond
	// holds. It reports false when cond did not hold.
	Requeue(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time, cond Condition) (bool, error)

	// DeadLetter moves a leased message into the dead-letter set named by
	// rec.DeadLetterQueue when cond holds. It reports false when cond did not hold.
	DeadLetter(ctx context.Context, rec *DeadLetterRecord, cond Condition) (bool, error)

	// DeadLetters returns up to limit records of a dead-letter queue, oldest first.
	DeadLetters(ctx context.Context, deadLetterQueue string, limit int) ([]*DeadLetterRecord, error)

	// Stats counts the sets of queue and its dead-letter queue.
	Stats(ctx context.Context, queue, deadLetterQueue string) (QueueStats, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}
