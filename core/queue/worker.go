package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeworks/workq/core/logger"
)

// Worker runs registered handlers against a Consumer. Each queue with a handler
// gets MaxConcurrency pull loops.
type Worker struct {
	consumer *Consumer
	handlers map[string]Handler
	wg       sync.WaitGroup
	mu       sync.RWMutex

	// Configuration
	dequeueTimeout  time.Duration
	errorBackoff    time.Duration
	handlerTimeout  time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// State management
	ctx    context.Context
	cancel context.CancelFunc

	// Observability metrics
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	activeTasks    atomic.Int32
	capacity       atomic.Int32
}

// WorkerStats provides observability metrics for monitoring and debugging
type WorkerStats struct {
	TasksProcessed int64 // Messages acked after a successful handler run
	TasksFailed    int64 // Messages nacked, including panics
	ActiveTasks    int32 // Messages currently being handled
	Capacity       int32 // Total pull loops across queues
	IsRunning      bool  // Whether the worker is currently running
}

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*Worker)

// WithDequeueTimeout sets how long one pull loop blocks on an empty queue.
func WithDequeueTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.dequeueTimeout = d
		}
	}
}

// WithErrorBackoff sets the pause after a store error such as ErrCircuitOpen.
func WithErrorBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.errorBackoff = d
		}
	}
}

// WithHandlerTimeout bounds a single handler call. Defaults to no limit beyond
// the worker context; keep it below the visibility timeout.
func WithHandlerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.handlerTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for running handlers.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.shutdownTimeout = d
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.logger = log
		}
	}
}

// NewWorker creates a worker pulling through consumer.
func NewWorker(consumer *Consumer, opts ...WorkerOption) (*Worker, error) {
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}

	w := &Worker{
		consumer:        consumer,
		handlers:        make(map[string]Handler),
		dequeueTimeout:  5 * time.Second,
		errorBackoff:    time.Second,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandler sets the handler of queue, replacing any previous one.
func (w *Worker) RegisterHandler(queue string, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if _, ok := w.consumer.queues[queue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queue] = handler
	return nil
}

// HandlerCount returns the number of queues with a handler.
func (w *Worker) HandlerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

// Start runs the pull loops until the context is cancelled. This is a blocking
// operation; use Run() for the errgroup pattern or call it in a goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w", ErrAlreadyStarted)
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	runCtx := w.ctx

	var capacity int32
	for queue, handler := range w.handlers {
		n := w.consumer.queues[queue].MaxConcurrency
		capacity += int32(n)
		for range n {
			w.wg.Add(1)
			go w.loop(runCtx, queue, handler)
		}
	}
	w.capacity.Store(capacity)
	w.mu.Unlock()

	w.logger.InfoContext(runCtx, "worker started",
		logger.ConsumerID(w.consumer.ID()),
		logger.Count("handlers", w.HandlerCount()),
		logger.Count("capacity", int(capacity)))

	<-runCtx.Done()
	return runCtx.Err()
}

// Stop cancels the pull loops and waits for running handlers to settle their
// messages. Returns an error if the shutdown timeout is exceeded.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w", ErrNotStarted)
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.InfoContext(context.Background(), "worker stopping, waiting for active handlers",
		slog.Duration("timeout", w.shutdownTimeout))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.InfoContext(context.Background(), "worker stopped cleanly")
		return nil
	case <-time.After(w.shutdownTimeout):
		w.logger.WarnContext(context.Background(), "worker shutdown timeout exceeded - leases will be reclaimed by the reaper",
			slog.Duration("timeout", w.shutdownTimeout))
		return fmt.Errorf("worker: %w after %s", ErrShutdownTimeout, w.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = w.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) loop(ctx context.Context, queue string, handler Handler) {
	defer w.wg.Done()

	for ctx.Err() == nil {
		msg, err := w.consumer.Dequeue(ctx, queue, w.dequeueTimeout)
		switch {
		case err == nil:
			w.process(queue, handler, msg)
		case errors.Is(err, ErrQueueEmpty):
		case errors.Is(err, ErrConsumerClosed), ctx.Err() != nil:
			return
		default:
			w.logger.ErrorContext(ctx, "failed to dequeue",
				logger.Queue(queue),
				logger.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.errorBackoff):
			}
		}
	}
}

// process runs the handler and settles the message. Settlement uses a context
// detached from worker shutdown so a cancelled worker still acks finished work.
func (w *Worker) process(queue string, handler Handler, msg *Message) {
	start := time.Now()
	w.activeTasks.Add(1)
	defer w.activeTasks.Add(-1)

	err := w.invoke(handler, msg)
	settleCtx := context.Background()

	if err == nil {
		if ackErr := w.consumer.Ack(settleCtx, msg); ackErr != nil {
			w.logger.ErrorContext(settleCtx, "failed to ack message",
				logger.Queue(queue),
				logger.MessageID(msg.ID),
				logger.Error(ackErr))
			return
		}
		w.tasksProcessed.Add(1)
		w.logger.InfoContext(settleCtx, "message processed",
			logger.Queue(queue),
			logger.MessageID(msg.ID),
			logger.TraceID(msg.Metadata.TraceID),
			logger.Elapsed(start))
		return
	}

	w.tasksFailed.Add(1)
	requeue := !IsPermanent(err)

	w.logger.ErrorContext(settleCtx, "message handler failed",
		logger.Queue(queue),
		logger.MessageID(msg.ID),
		logger.TraceID(msg.Metadata.TraceID),
		logger.RetryCount(msg.Metadata.RetryCount),
		slog.Bool("requeue", requeue),
		logger.Elapsed(start),
		logger.Error(err))

	if nackErr := w.consumer.Nack(settleCtx, msg, requeue, err); nackErr != nil {
		w.logger.ErrorContext(settleCtx, "failed to nack message",
			logger.Queue(queue),
			logger.MessageID(msg.ID),
			logger.Error(nackErr))
	}
}

// invoke calls the handler and turns a panic into a retryable failure.
func (w *Worker) invoke(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()

	ctx := context.Background()
	if w.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.handlerTimeout)
		defer cancel()
	}

	return handler.Handle(ctx, msg)
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	isRunning := w.cancel != nil
	w.mu.RUnlock()

	return WorkerStats{
		TasksProcessed: w.tasksProcessed.Load(),
		TasksFailed:    w.tasksFailed.Load(),
		ActiveTasks:    w.activeTasks.Load(),
		Capacity:       w.capacity.Load(),
		IsRunning:      isRunning,
	}
}

// Healthcheck reports whether the worker runs and has a free slot.
func (w *Worker) Healthcheck(ctx context.Context) error {
	stats := w.Stats()

	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, fmt.Errorf("worker: %w", ErrNotStarted))
	}
	if stats.Capacity > 0 && stats.ActiveTasks >= stats.Capacity {
		return errors.Join(ErrHealthcheckFailed, ErrWorkerOverloaded,
			fmt.Errorf("%d/%d slots busy", stats.ActiveTasks, stats.Capacity))
	}
	return nil
}
