package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/workq/core/logger"
)

// Consumer pulls messages with Dequeue and settles them with Ack or Nack.
// It remembers the leases it handed out, keyed by receipt, so that Close can
// wait for them and a stale copy of a message never settles a newer delivery.
type Consumer struct {
	id          uuid.UUID
	queues      map[string]QueueConfig
	leases      *LeaseManager
	redeliverer *Redeliverer
	logger      *slog.Logger

	pollInterval    time.Duration
	shutdownTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]Lease
	closed   bool
	drained  chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
	redeliverer     *Redeliverer
	logger          *slog.Logger
}

// WithPollInterval sets how often a blocking Dequeue retries an empty queue.
func WithPollInterval(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithConsumerShutdownTimeout bounds how long Close waits for in-flight leases.
func WithConsumerShutdownTimeout(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithConsumerClock replaces time.Now.
func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(o *consumerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithConsumerRedeliverer shares a redeliverer with the reapers.
func WithConsumerRedeliverer(rd *Redeliverer) ConsumerOption {
	return func(o *consumerOptions) {
		if rd != nil {
			o.redeliverer = rd
		}
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// NewConsumer creates a consumer for the given queues.
func NewConsumer(store Storage, queues []QueueConfig, opts ...ConsumerOption) (*Consumer, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	options := &consumerOptions{
		pollInterval:    100 * time.Millisecond,
		shutdownTimeout: 30 * time.Second,
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

	leases, err := NewLeaseManager(store, options.now, options.logger)
	if err != nil {
		return nil, err
	}

	rd := options.redeliverer
	if rd == nil {
		if rd, err = NewRedeliverer(store, nil, nil, options.now, options.logger); err != nil {
			return nil, err
		}
	}

	return &Consumer{
		id:              uuid.New(),
		queues:          byName,
		leases:          leases,
		redeliverer:     rd,
		logger:          options.logger,
		pollInterval:    options.pollInterval,
		shutdownTimeout: options.shutdownTimeout,
		inflight:        make(map[string]Lease),
	}, nil
}

// ID returns the consumer instance id used in logs.
func (c *Consumer) ID() string {
	return c.id.String()
}

// Dequeue leases the next message of queue. It waits up to timeout for a message
// to become eligible and returns ErrQueueEmpty when none did. A zero timeout makes
// a single attempt.
func (c *Consumer) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	cfg, ok := c.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	deadline := time.Now().Add(timeout)
	for {
		if c.isClosed() {
			return nil, ErrConsumerClosed
		}

		lease, err := c.leases.Lease(ctx, cfg)
		if err == nil && lease.DecodeErr != nil {
			if err := c.quarantineUndecodable(ctx, cfg, *lease); err != nil {
				return nil, err
			}
			continue
		}
		if err == nil {
			lease.Message.Receipt = lease.Token
			if !c.track(*lease) {
				c.logger.InfoContext(ctx, "lease handed out during shutdown, left for the reaper",
					logger.Queue(queue),
					logger.MessageID(lease.MessageID),
					logger.ConsumerID(c.ID()))
				return nil, ErrConsumerClosed
			}
			c.logger.DebugContext(ctx, "message leased",
				logger.Queue(queue),
				logger.MessageID(lease.MessageID),
				logger.TraceID(lease.Message.Metadata.TraceID),
				logger.ConsumerID(c.ID()),
				slog.Time("expires_at", lease.ExpiresAt))
			return lease.Message, nil
		}
		if !errors.Is(err, ErrQueueEmpty) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		wait := min(c.pollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Ack releases the lease of a message returned by Dequeue. Returns
// ErrMessageNotFound if this consumer handed out no such delivery. A lease that
// the reaper already reclaimed is released as a no-op, even when the message has
// been leased again since.
func (c *Consumer) Ack(ctx context.Context, msg *Message) error {
	lease, ok := c.lookup(msg)
	if !ok {
		return c.unknown(ctx, "ack", msg)
	}

	if err := c.leases.Release(ctx, lease); err != nil {
		return err
	}

	c.untrack(lease.Token)
	return nil
}

// Nack reports a failed message returned by Dequeue. With requeue the retry
// policy decides between a delayed requeue and dead-lettering; without it the
// message is dead-lettered. Either move applies only while this delivery still
// holds the lease. reason may be nil.
func (c *Consumer) Nack(ctx context.Context, msg *Message, requeue bool, reason error) error {
	lease, ok := c.lookup(msg)
	if !ok {
		return c.unknown(ctx, "nack", msg)
	}

	var why string
	if reason != nil {
		why = reason.Error()
	}

	outcome, err := c.redeliverer.Redeliver(ctx, lease.Message, c.queues[lease.Queue], requeue, why, Condition{Token: lease.Token})
	if err != nil {
		return err
	}
	if !outcome.Applied {
		c.logger.WarnContext(ctx, "nacked lease was already reclaimed",
			logger.Queue(lease.Queue),
			logger.MessageID(lease.MessageID),
			logger.ConsumerID(c.ID()))
	}

	c.untrack(lease.Token)
	return nil
}

// Extend keeps a long-running message hidden for another d.
func (c *Consumer) Extend(ctx context.Context, msg *Message, d time.Duration) error {
	lease, ok := c.lookup(msg)
	if !ok {
		return c.unknown(ctx, "extend", msg)
	}

	expiresAt, err := c.leases.Extend(ctx, lease, d)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			c.untrack(lease.Token)
		}
		return err
	}

	c.mu.Lock()
	if l, ok := c.inflight[lease.Token]; ok {
		l.ExpiresAt = expiresAt
		c.inflight[lease.Token] = l
	}
	c.mu.Unlock()
	return nil
}

// InFlight returns the leases handed out and not yet settled, ordered by expiry.
func (c *Consumer) InFlight() []Lease {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Lease, 0, len(c.inflight))
	for _, l := range c.inflight {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Close stops handing out leases and waits for in-flight messages to be settled,
// up to the shutdown timeout or until ctx is done. Leases still open afterwards are
// logged; the reaper reclaims them once they expire.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if len(c.inflight) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.drained = make(chan struct{})
	drained := c.drained
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "consumer closing, waiting for in-flight messages",
		logger.ConsumerID(c.ID()),
		slog.Duration("timeout", c.shutdownTimeout))

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	open := c.InFlight()
	if len(open) == 0 {
		return nil
	}
	for _, l := range open {
		c.logger.WarnContext(context.Background(), "lease left open at shutdown",
			logger.Queue(l.Queue),
			logger.MessageID(l.MessageID),
			slog.Time("expires_at", l.ExpiresAt),
			logger.ConsumerID(c.ID()))
	}
	return fmt.Errorf("%w: %d leases still open", ErrShutdownTimeout, len(open))
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// track records a handed-out lease. It refuses once Close has started, so Close
// never reports a drained consumer while a lease is being handed out; a refused
// lease expires and the reaper reclaims it.
func (c *Consumer) track(l Lease) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.inflight[l.Token] = l
	return true
}

func (c *Consumer) untrack(receipt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, receipt)
	if c.closed && len(c.inflight) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

func (c *Consumer) lookup(msg *Message) (Lease, bool) {
	if msg == nil || msg.Receipt == "" {
		return Lease{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.inflight[msg.Receipt]
	return l, ok
}

func (c *Consumer) unknown(ctx context.Context, op string, msg *Message) error {
	var id string
	if msg != nil {
		id = msg.ID
	}
	c.logger.WarnContext(ctx, "no lease held for message",
		logger.Action(op),
		logger.MessageID(id),
		logger.ConsumerID(c.ID()))
	return fmt.Errorf("%s %s: %w", op, id, ErrMessageNotFound)
}

// quarantineUndecodable dead-letters a leased message whose stored body cannot be
// decoded. Retrying cannot fix it and it would otherwise sit in processing until
// its lease expires.
func (c *Consumer) quarantineUndecodable(ctx context.Context, cfg QueueConfig, lease Lease) error {
	c.logger.ErrorContext(ctx, "leased message cannot be decoded",
		logger.Queue(cfg.Name),
		logger.MessageID(lease.MessageID),
		logger.ConsumerID(c.ID()),
		logger.Error(lease.DecodeErr))

	_, err := c.redeliverer.Redeliver(ctx, lease.Message, cfg, false, undecodableReason(lease.DecodeErr), Condition{Token: lease.Token})
	return err
}

func indexQueues(queues []QueueConfig) (map[string]QueueConfig, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: no queues configured", ErrInvalidConfig)
	}
	byName := make(map[string]QueueConfig, len(queues))
	for _, q := range queues {
		q = q.WithDefaults(DefaultConfig())
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[q.Name]; dup {
			return nil, fmt.Errorf("%w: queue %q declared twice", ErrInvalidConfig, q.Name)
		}
		byName[q.Name] = q
	}
	return byName, nil
}
