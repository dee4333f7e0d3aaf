package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgeworks/workq/core/queue"
)

// Querier is the subset of pgxpool.Pool and pgx.Tx the archive uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DeadLetterArchive copies dead-lettered messages into the dead_letters table
// so they outlive the queue store's own retention.
//
// A transaction stored in the context with WithTx takes precedence over the
// archive's own querier.
type DeadLetterArchive struct {
	db Querier
}

// NewDeadLetterArchive returns an archive writing through db.
func NewDeadLetterArchive(db Querier) (*DeadLetterArchive, error) {
	if db == nil {
		return nil, errors.New("pg: querier cannot be nil")
	}
	return &DeadLetterArchive{db: db}, nil
}

var _ queue.Archive = (*DeadLetterArchive)(nil)

const insertDeadLetter = `
INSERT INTO dead_letters (
    message_id, original_queue, dead_letter_queue, priority, trace_id,
    payload, attributes, created_at, final_retry_count, reason, dead_lettered_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (dead_letter_queue, message_id, dead_lettered_at) DO NOTHING`

// Archive implements queue.Archive. Re-archiving the same record is a no-op.
func (a *DeadLetterArchive) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("pg: dead letter record cannot be nil")
	}
	msg := rec.Message

	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}
	var attrs any
	if len(msg.Metadata.Attributes) > 0 {
		attrs = msg.Metadata.Attributes
	}

	_, err := a.querier(ctx).Exec(ctx, insertDeadLetter,
		msg.ID,
		rec.OriginalQueue,
		rec.DeadLetterQueue,
		msg.Priority.String(),
		msg.Metadata.TraceID,
		payload,
		attrs,
		msg.Metadata.CreatedAt,
		rec.FinalRetryCount,
		rec.Reason,
		rec.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", msg.ID, err)
	}
	return nil
}

const listDeadLetters = `
SELECT message_id, original_queue, dead_letter_queue, priority, trace_id,
       payload, attributes, created_at, final_retry_count, reason, dead_lettered_at
FROM dead_letters
WHERE dead_letter_queue = $1 AND dead_lettered_at >= $2
ORDER BY dead_lettered_at, id
LIMIT $3`

// List returns archived records of a dead-letter queue, oldest first, starting
// at since.
func (a *DeadLetterArchive) List(ctx context.Context, deadLetterQueue string, since time.Time, limit int) ([]*queue.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.querier(ctx).Query(ctx, listDeadLetters, deadLetterQueue, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("scan dead letters: %w", err)
	}
	return records, nil
}

func scanDeadLetter(row pgx.CollectableRow) (*queue.DeadLetterRecord, error) {
	var (
		rec      queue.DeadLetterRecord
		msg      queue.Message
		priority string
		payload  []byte
		attrs    map[string]string
	)
	err := row.Scan(
		&msg.ID, &rec.OriginalQueue, &rec.DeadLetterQueue, &priority, &msg.Metadata.TraceID,
		&payload, &attrs, &msg.Metadata.CreatedAt, &rec.FinalRetryCount, &rec.Reason, &rec.DeadLetteredAt,
	)
	if err != nil {
		return nil, err
	}

	p, err := queue.ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	msg.Priority = p
	msg.Queue = rec.OriginalQueue
	msg.Payload = payload
	msg.Metadata.Attributes = attrs
	msg.Metadata.RetryCount = rec.FinalRetryCount
	msg.Metadata.LastError = rec.Reason
	rec.Message = &msg
	return &rec, nil
}

func (a *DeadLetterArchive) querier(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return a.db
}
