package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/workq/core/logger"
	"github.com/forgeworks/workq/pkg/breaker"
)

// Service wires the queue components over one storage: an enqueuer for
// producers, a consumer for pull-based callers, a worker for registered
// handlers and a reaper per queue. Every component shares a single circuit
// breaker so a failing store trips all of them at once.
type Service struct {
	cfg         Config
	store       Storage
	resilient   *ResilientStorage
	queues      []QueueConfig
	enqueuer    *Enqueuer
	consumer    *Consumer
	worker      *Worker
	reapers     []*Reaper
	sink        *DeadLetterSink
	redeliverer *Redeliverer
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService creates a queue service over storage.
//
// Example usage:
//
//	storage := queue.NewMemoryStorage()
//	defer storage.Close()
//
//	svc, err := queue.NewService(queue.DefaultConfig(), storage,
//	    queue.WithServiceLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	type EmailTask struct {
//	    To string `json:"to"`
//	}
//
//	svc.RegisterHandler("high", queue.NewPayloadHandler(func(ctx context.Context, t EmailTask) error {
//	    return send(ctx, t.To)
//	}))
//
//	go svc.Run(ctx)
//
//	svc.Enqueue(ctx, EmailTask{To: "user@example.com"}, queue.WithPriority(queue.PriorityHigh))
func NewService(cfg Config, storage Storage, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrStoreNil
	}

	options := &serviceOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("failed to apply service option: %w", err)
		}
	}
	if len(options.queues) == 0 {
		options.queues = DefaultTopology(cfg)
	}

	s := &Service{
		cfg:    cfg,
		store:  storage,
		logger: options.logger,
	}

	if !options.noBreaker {
		cb := options.breaker
		if cb == nil {
			cb = NewStoreBreaker(cfg, breaker.WithStateChange(s.logBreakerTransition))
		}
		rs, err := NewResilientStorage(storage, cb)
		if err != nil {
			return nil, err
		}
		s.resilient = rs
		s.store = rs
	}

	byName, err := indexQueues(options.queues)
	if err != nil {
		return nil, err
	}
	s.queues = make([]QueueConfig, 0, len(options.queues))
	for _, q := range options.queues {
		s.queues = append(s.queues, byName[q.Name])
	}

	sink, err := NewDeadLetterSink(s.store,
		WithArchive(options.archive),
		WithDeadLetterLogger(options.logger),
		WithDeadLetterClock(options.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter sink: %w", err)
	}
	s.sink = sink

	s.redeliverer, err = NewRedeliverer(s.store, options.policy, sink, options.now, options.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redeliverer: %w", err)
	}

	enqueueOpts := append([]EnqueuerOption{
		WithEnqueuerClock(options.now),
		WithEnqueuerLogger(options.logger),
	}, options.enqueueOpts...)
	if s.enqueuer, err = NewEnqueuer(s.store, s.queues, enqueueOpts...); err != nil {
		return nil, fmt.Errorf("failed to create enqueuer: %w", err)
	}

	s.consumer, err = NewConsumer(s.store, s.queues,
		WithPollInterval(cfg.PollInterval),
		WithConsumerShutdownTimeout(cfg.ShutdownTimeout),
		WithConsumerClock(options.now),
		WithConsumerRedeliverer(s.redeliverer),
		WithConsumerLogger(options.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	workerOpts := append([]WorkerOption{
		WithDequeueTimeout(cfg.DequeueTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithErrorBackoff(cfg.PollInterval * 10),
		WithWorkerLogger(options.logger),
	}, options.workerOpts...)
	if s.worker, err = NewWorker(s.consumer, workerOpts...); err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	for _, q := range s.queues {
		r, err := NewReaper(s.store, q,
			WithReaperClock(options.now),
			WithReaperRedeliverer(s.redeliverer),
			WithReaperLogger(options.logger),
			WithReaperShutdownTimeout(cfg.ShutdownTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create reaper for queue %q: %w", q.Name, err)
		}
		s.reapers = append(s.reapers, r)
	}

	return s, nil
}

// Run starts the reapers and, when handlers are registered, the worker. It
// blocks until the context is cancelled or Stop is called, then drains the
// consumer.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("queue service: %w", ErrAlreadyStarted)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	defer close(stopped)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	for _, r := range s.reapers {
		eg.Go(r.Run(ctx))
	}

	if s.worker.HandlerCount() > 0 {
		s.logger.InfoContext(ctx, "starting queue worker",
			logger.Count("handlers", s.worker.HandlerCount()))
		eg.Go(s.worker.Run(ctx))
	} else {
		s.logger.InfoContext(ctx, "no handlers registered, worker will not start")
	}

	err := eg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer closeCancel()
	if closeErr := s.consumer.Close(closeCtx); closeErr != nil {
		s.logger.ErrorContext(closeCtx, "consumer did not drain", logger.Error(closeErr))
		if err == nil {
			err = closeErr
		}
	}

	return err
}

// Stop cancels Run and waits for it to return.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("queue service: %w", ErrNotStarted)
	}

	s.logger.InfoContext(context.Background(), "stopping queue service")
	cancel()
	<-stopped
	return nil
}

// Close drains the consumer without running the service. Pull-based callers
// use it to wait for their in-flight messages before exit.
func (s *Service) Close(ctx context.Context) error {
	return s.consumer.Close(ctx)
}

// Enqueue submits a message. See Enqueuer.Enqueue.
func (s *Service) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (*Message, error) {
	return s.enqueuer.Enqueue(ctx, payload, opts...)
}

// EnqueueWithDelay submits a message that becomes eligible after delay.
func (s *Service) EnqueueWithDelay(ctx context.Context, payload any, delay time.Duration, opts ...EnqueueOption) (*Message, error) {
	allOpts := append([]EnqueueOption{WithDelay(delay)}, opts...)
	return s.enqueuer.Enqueue(ctx, payload, allOpts...)
}

// Dequeue leases the next message of queue. See Consumer.Dequeue.
func (s *Service) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	return s.consumer.Dequeue(ctx, queue, timeout)
}

// Ack settles a processed message returned by Dequeue.
func (s *Service) Ack(ctx context.Context, msg *Message) error {
	return s.consumer.Ack(ctx, msg)
}

// Nack settles a failed message returned by Dequeue.
func (s *Service) Nack(ctx context.Context, msg *Message, requeue bool, reason error) error {
	return s.consumer.Nack(ctx, msg, requeue, reason)
}

// Extend prolongs the lease of a message still being processed.
func (s *Service) Extend(ctx context.Context, msg *Message, d time.Duration) error {
	return s.consumer.Extend(ctx, msg, d)
}

// RegisterHandler routes messages of queue to handler.
func (s *Service) RegisterHandler(queue string, handler Handler) error {
	return s.worker.RegisterHandler(queue, handler)
}

// Stats returns the counters of one queue.
func (s *Service) Stats(ctx context.Context, queue string) (QueueStats, error) {
	cfg, ok := s.consumer.queues[queue]
	if !ok {
		return QueueStats{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return s.store.Stats(ctx, cfg.Name, cfg.DeadLetterQueue)
}

// AllStats returns the counters of every queue in declaration order.
func (s *Service) AllStats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(s.queues))
	for _, q := range s.queues {
		st, err := s.store.Stats(ctx, q.Name, q.DeadLetterQueue)
		if err != nil {
			return nil, fmt.Errorf("failed to read stats of queue %q: %w", q.Name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// DeadLetters lists the records of the dead-letter queue of queue, oldest first.
func (s *Service) DeadLetters(ctx context.Context, queue string, limit int) ([]*DeadLetterRecord, error) {
	cfg, ok := s.consumer.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return s.sink.List(ctx, cfg.DeadLetterQueue, limit)
}

// Healthcheck pings the storage through the breaker and, when handlers are
// registered, checks the worker.
func (s *Service) Healthcheck(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	if s.worker.HandlerCount() == 0 {
		return nil
	}
	return s.worker.Healthcheck(ctx)
}

// Queues returns the resolved queue configurations.
func (s *Service) Queues() []QueueConfig {
	return append([]QueueConfig(nil), s.queues...)
}

// Breaker returns the storage circuit breaker, or nil when built WithoutBreaker.
func (s *Service) Breaker() *breaker.Breaker {
	if s.resilient == nil {
		return nil
	}
	return s.resilient.Breaker()
}

// Storage returns the storage used by the components.
func (s *Service) Storage() Storage {
	return s.store
}

// Worker returns the worker instance.
func (s *Service) Worker() *Worker {
	return s.worker
}

// Consumer returns the consumer instance.
func (s *Service) Consumer() *Consumer {
	return s.consumer
}

// Reapers returns the per-queue reapers.
func (s *Service) Reapers() []*Reaper {
	return s.reapers
}

func (s *Service) logBreakerTransition(name string, from, to breaker.State) {
	level := slog.LevelInfo
	if to == breaker.StateOpen {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
