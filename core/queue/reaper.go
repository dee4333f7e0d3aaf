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

// reclaimReason is recorded as LastError on messages whose lease expired.
const reclaimReason = "visibility timeout expired"

// Reaper periodically reclaims expired leases of a single queue and applies the
// retry policy to them as an implicit nack. One reaper runs per queue so each can
// be started, stopped and tested on its own.
type Reaper struct {
	store       Storage
	redeliverer *Redeliverer
	cfg         QueueConfig
	now         func() time.Time
	logger      *slog.Logger

	shutdownTimeout time.Duration

	// State management
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Observability metrics
	scans        atomic.Int64
	scanErrors   atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// ReaperStats provides observability metrics for monitoring and debugging.
type ReaperStats struct {
	Queue        string
	Scans        int64 // Completed scan passes
	ScanErrors   int64 // Scan passes aborted by a store error
	Requeued     int64 // Expired leases put back with backoff
	DeadLettered int64 // Expired leases that exhausted their retries
	IsRunning    bool
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the reaper logger.
func WithReaperLogger(log *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithReaperClock replaces time.Now.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReaperRedeliverer shares a redeliverer, and with it a retry policy and
// dead-letter sink, with the consumers of the same queue.
func WithReaperRedeliverer(rd *Redeliverer) ReaperOption {
	return func(r *Reaper) {
		if rd != nil {
			r.redeliverer = rd
		}
	}
}

// WithReaperShutdownTimeout bounds how long Stop waits for an in-flight scan.
func WithReaperShutdownTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// NewReaper creates a reaper for the queue described by cfg.
func NewReaper(store Storage, cfg QueueConfig, opts ...ReaperOption) (*Reaper, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	cfg = cfg.WithDefaults(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Reaper{
		store:           store,
		cfg:             cfg,
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.redeliverer == nil {
		rd, err := NewRedeliverer(store, nil, nil, r.now, r.logger)
		if err != nil {
			return nil, err
		}
		r.redeliverer = rd
	}

	return r, nil
}

// Queue returns the name of the reaped queue.
func (r *Reaper) Queue() string {
	return r.cfg.Name
}

// Start runs scans every ReapInterval until the context is cancelled. This is a
// blocking operation; use Run() for the errgroup pattern or call it in a goroutine.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("reaper for queue %q: %w", r.cfg.Name, ErrAlreadyStarted)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.InfoContext(runCtx, "reaper started",
		logger.Component("reaper"),
		logger.Queue(r.cfg.Name),
		slog.Duration("interval", r.cfg.ReapInterval))

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			r.logger.InfoContext(context.Background(), "reaper stopping", logger.Queue(r.cfg.Name))
			return runCtx.Err()
		case <-ticker.C:
			r.scanWithWait(runCtx)
		}
	}
}

// Stop cancels the reaper and waits up to the shutdown timeout for a running scan.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return fmt.Errorf("reaper for queue %q: %w", r.cfg.Name, ErrNotStarted)
	}
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.InfoContext(context.Background(), "reaper stopped cleanly", logger.Queue(r.cfg.Name))
		return nil
	case <-time.After(r.shutdownTimeout):
		r.logger.WarnContext(context.Background(), "reaper shutdown timeout exceeded",
			logger.Queue(r.cfg.Name),
			slog.Duration("timeout", r.shutdownTimeout))
		return fmt.Errorf("reaper for queue %q: %w after %s", r.cfg.Name, ErrShutdownTimeout, r.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (r *Reaper) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- r.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = r.Stop()
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

func (r *Reaper) scanWithWait(ctx context.Context) {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	n, err := r.ReapOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.ErrorContext(ctx, "reaper scan failed",
			logger.Component("reaper"),
			logger.Queue(r.cfg.Name),
			logger.Count("reclaimed", n),
			logger.Error(err))
		return
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "reaper pass finished",
			logger.Component("reaper"),
			logger.Queue(r.cfg.Name),
			logger.Count("reclaimed", n))
	}
}

// ReapOnce performs a single scan pass and returns the number of reclaimed leases.
// Leases released, extended or leased again between the scan and the reclaim are
// left alone. A lease whose body cannot be decoded is dead-lettered straight away.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := r.now()
	reclaimed := 0

	for {
		leases, err := r.store.Expired(ctx, r.cfg.Name, now, r.cfg.ReapBatchSize)
		if err != nil {
			r.scanErrors.Add(1)
			return reclaimed, fmt.Errorf("failed to scan expired leases of queue %q: %w", r.cfg.Name, err)
		}

		applied := 0
		for _, lease := range leases {
			if lease.Message == nil {
				continue
			}

			cond := Condition{Token: lease.Token, ExpiredBy: now}
			retry, reason := true, reclaimReason
			if lease.DecodeErr != nil {
				retry, reason = false, undecodableReason(lease.DecodeErr)
				r.logger.ErrorContext(ctx, "expired lease cannot be decoded",
					logger.Component("reaper"),
					logger.Queue(r.cfg.Name),
					logger.MessageID(lease.MessageID),
					logger.Error(lease.DecodeErr))
			}

			outcome, err := r.redeliverer.Redeliver(ctx, lease.Message, r.cfg, retry, reason, cond)
			if err != nil {
				r.scanErrors.Add(1)
				return reclaimed, err
			}
			if !outcome.Applied {
				continue
			}

			applied++
			if outcome.Decision.Action == ActionDeadLetter {
				r.deadLettered.Add(1)
			} else {
				r.requeued.Add(1)
			}

			r.logger.InfoContext(ctx, "reclaimed expired lease",
				logger.Component("reaper"),
				logger.Queue(r.cfg.Name),
				logger.MessageID(lease.MessageID),
				logger.TraceID(lease.Message.Metadata.TraceID),
				logger.Action(outcome.Decision.Action.String()),
				slog.Time("expired_at", lease.ExpiresAt))
		}
		reclaimed += applied

		// A short page means the processing set has no more expired entries; a page
		// where nothing applied was lost to concurrent acks and would repeat forever.
		if len(leases) < r.cfg.ReapBatchSize || applied == 0 {
			break
		}
	}

	r.scans.Add(1)
	return reclaimed, nil
}

// Stats returns current reaper statistics.
func (r *Reaper) Stats() ReaperStats {
	return ReaperStats{
		Queue:        r.cfg.Name,
		Scans:        r.scans.Load(),
		ScanErrors:   r.scanErrors.Load(),
		Requeued:     r.requeued.Load(),
		DeadLettered: r.deadLettered.Load(),
		IsRunning:    r.running.Load(),
	}
}
