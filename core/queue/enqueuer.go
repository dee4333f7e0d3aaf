package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/workq/core/logger"
)

// Enqueuer is the producer side: it stamps messages with identity and delivery
// metadata, scores them and inserts them into their target queue.
type Enqueuer struct {
	store           Storage
	queues          map[string]QueueConfig
	defaultPriority Priority
	now             func() time.Time
	logger          *slog.Logger
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	defaultPriority Priority
	now             func() time.Time
	logger          *slog.Logger
}

// WithDefaultPriority sets the priority of messages enqueued without WithPriority.
func WithDefaultPriority(p Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if p.Valid() {
			o.defaultPriority = p
		}
	}
}

// WithEnqueuerClock replaces time.Now.
func WithEnqueuerClock(now func() time.Time) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEnqueuerLogger sets the enqueuer logger.
func WithEnqueuerLogger(log *slog.Logger) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// NewEnqueuer creates an enqueuer that may target any of queues.
func NewEnqueuer(store Storage, queues []QueueConfig, opts ...EnqueuerOption) (*Enqueuer, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	options := &enqueuerOptions{
		defaultPriority: PriorityDefault,
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(options)
	}

	byName, err := indexQueues(queues)
	if err != nil {
		return nil, err
	}

	return &Enqueuer{
		store:           store,
		queues:          byName,
		defaultPriority: options.defaultPriority,
		now:             options.now,
		logger:          options.logger,
	}, nil
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue       string
	priority    Priority
	traceID     string
	messageID   string
	attributes  map[string]string
	delay       time.Duration
	scheduledAt *time.Time
}

// WithPriority sets the message priority. Without WithQueue the priority also
// selects the target queue.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

// WithQueue routes the message to a named queue instead of its priority queue.
func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.queue = name
	}
}

// WithTraceID propagates an existing correlation id instead of generating one.
func WithTraceID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.traceID = id
	}
}

// WithMessageID sets the message id, for producers that deduplicate upstream.
func WithMessageID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.messageID = id
	}
}

// WithAttributes attaches string attributes carried through retries and into
// dead-letter records.
func WithAttributes(attrs map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.attributes = attrs
	}
}

// WithDelay makes the message eligible only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithScheduledAt makes the message eligible only at t.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &t
	}
}

// Enqueue marshals payload to JSON and inserts it. json.RawMessage payloads are
// stored as is.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (*Message, error) {
	if payload == nil {
		return nil, ErrPayloadNil
	}

	options := &enqueueOptions{priority: e.defaultPriority}
	for _, opt := range opts {
		opt(options)
	}

	if !options.priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, options.priority)
	}
	if options.queue == "" {
		options.queue = options.priority.QueueName()
	}
	if _, ok := e.queues[options.queue]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, options.queue)
	}

	msg, err := e.buildMessage(payload, options)
	if err != nil {
		return nil, err
	}

	notBefore := msg.Metadata.CreatedAt
	if options.scheduledAt != nil {
		notBefore = *options.scheduledAt
	} else if options.delay > 0 {
		notBefore = notBefore.Add(options.delay)
	}

	rank := Rank(msg.Priority, notBefore)
	if err := e.store.Insert(ctx, msg.Queue, msg, rank, notBefore, msg.Metadata.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue message into queue %q: %w", msg.Queue, err)
	}

	e.logger.DebugContext(ctx, "message enqueued",
		logger.Queue(msg.Queue),
		logger.MessageID(msg.ID),
		logger.TraceID(msg.Metadata.TraceID),
		slog.String("priority", msg.Priority.String()))

	return msg, nil
}

// buildMessage marshals the payload and generates ids and timestamps.
func (e *Enqueuer) buildMessage(payload any, options *enqueueOptions) (*Message, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
		}
		raw = b
	}

	// Version 7 ids sort by creation time, so equal ranks still dequeue FIFO.
	id := options.messageID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate message id: %w", err)
		}
		id = v7.String()
	}
	traceID := options.traceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	msg := &Message{
		ID:       id,
		Queue:    options.queue,
		Priority: options.priority,
		Payload:  raw,
		Metadata: Metadata{
			CreatedAt:  e.now(),
			RetryCount: 0,
			TraceID:    traceID,
		},
	}
	if len(options.attributes) > 0 {
		msg.Metadata.Attributes = make(map[string]string, len(options.attributes))
		for k, v := range options.attributes {
			msg.Metadata.Attributes[k] = v
		}
	}
	return msg, nil
}
