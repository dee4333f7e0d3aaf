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

// Archive receives a copy of every dead-letter record after the store accepted it.
// The store's dead-letter set stays authoritative; an archive is a durable mirror
// operators can query with their own tools.
type Archive interface {
	Archive(ctx context.Context, rec *DeadLetterRecord) error
}

// Archives fans a record out to every archive in order. All archives are
// attempted; their errors are joined.
func Archives(archives ...Archive) Archive {
	list := make(multiArchive, 0, len(archives))
	for _, a := range archives {
		if a != nil {
			list = append(list, a)
		}
	}
	return list
}

type multiArchive []Archive

func (m multiArchive) Archive(ctx context.Context, rec *DeadLetterRecord) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeadLetterSink quarantines messages that exhausted their retries.
type DeadLetterSink struct {
	store   Storage
	archive Archive
	now     func() time.Time
	logger  *slog.Logger
}

// DeadLetterOption configures a DeadLetterSink.
type DeadLetterOption func(*DeadLetterSink)

// WithArchive mirrors records into a.
func WithArchive(a Archive) DeadLetterOption {
	return func(s *DeadLetterSink) {
		s.archive = a
	}
}

// WithDeadLetterLogger sets the sink logger.
func WithDeadLetterLogger(log *slog.Logger) DeadLetterOption {
	return func(s *DeadLetterSink) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithDeadLetterClock replaces time.Now.
func WithDeadLetterClock(now func() time.Time) DeadLetterOption {
	return func(s *DeadLetterSink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDeadLetterSink creates a sink writing into store.
func NewDeadLetterSink(store Storage, opts ...DeadLetterOption) (*DeadLetterSink, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	s := &DeadLetterSink{
		store:  store,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Quarantine moves a leased message into cfg.DeadLetterQueue when cond holds.
// It reports false if the lease was already gone.
func (s *DeadLetterSink) Quarantine(ctx context.Context, msg *Message, cfg QueueConfig, reason string, cond Condition) (bool, error) {
	rec := &DeadLetterRecord{
		Message:         msg.Clone(),
		DeadLetterQueue: cfg.DeadLetterQueue,
		OriginalQueue:   cfg.Name,
		DeadLetteredAt:  s.now(),
		FinalRetryCount: msg.Metadata.RetryCount,
		Reason:          reason,
	}

	ok, err := s.store.DeadLetter(ctx, rec, cond)
	if err != nil {
		return false, fmt.Errorf("failed to dead-letter message %s from queue %q: %w", msg.ID, cfg.Name, err)
	}
	if !ok {
		return false, nil
	}

	s.logger.WarnContext(ctx, "message moved to dead letter queue",
		logger.Component("dead-letter"),
		logger.Queue(cfg.Name),
		logger.MessageID(msg.ID),
		logger.TraceID(msg.Metadata.TraceID),
		logger.RetryCount(rec.FinalRetryCount),
		logger.DeadLetterQueue(rec.DeadLetterQueue),
		slog.String("reason", reason))

	if s.archive != nil {
		if err := s.archive.Archive(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to archive dead letter record",
				logger.Component("dead-letter"),
				logger.MessageID(msg.ID),
				logger.Error(err))
		}
	}

	return true, nil
}

// List returns up to limit records of a dead-letter queue, oldest first.
func (s *DeadLetterSink) List(ctx context.Context, deadLetterQueue string, limit int) ([]*DeadLetterRecord, error) {
	records, err := s.store.DeadLetters(ctx, deadLetterQueue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter queue %q: %w", deadLetterQueue, err)
	}
	return records, nil
}
