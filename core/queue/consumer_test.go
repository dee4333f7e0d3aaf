package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
)

type pipeline struct {
	store    *queue.MemoryStorage
	clock    *fakeClock
	enqueuer *queue.Enqueuer
	consumer *queue.Consumer
}

func newPipeline(t *testing.T, queues ...queue.QueueConfig) *pipeline {
	t.Helper()

	store := queue.NewMemoryStorage()
	clock := newFakeClock()

	enqueuer, err := queue.NewEnqueuer(store, queues, queue.WithEnqueuerClock(clock.Now))
	require.NoError(t, err)

	rd, err := queue.NewRedeliverer(store, noJitter(), nil, clock.Now, nil)
	require.NoError(t, err)

	consumer, err := queue.NewConsumer(store, queues,
		queue.WithConsumerClock(clock.Now),
		queue.WithConsumerRedeliverer(rd),
		queue.WithPollInterval(5*time.Millisecond),
		queue.WithConsumerShutdownTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)

	return &pipeline{store: store, clock: clock, enqueuer: enqueuer, consumer: consumer}
}

func TestConsumer_PriorityOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	enqueue := func(prio queue.Priority, label string) {
		_, err := p.enqueuer.Enqueue(ctx, map[string]string{"label": label},
			queue.WithQueue("jobs"), queue.WithPriority(prio))
		require.NoError(t, err)
		p.clock.Advance(time.Millisecond)
	}

	enqueue(queue.PriorityLow, "low-1")
	enqueue(queue.PriorityHigh, "high-1")
	enqueue(queue.PriorityBackground, "bg-1")
	enqueue(queue.PriorityCritical, "crit-1")
	enqueue(queue.PriorityHigh, "high-2")
	enqueue(queue.PriorityCritical, "crit-2")

	var got []string
	for range 6 {
		msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
		require.NoError(t, err)
		got = append(got, string(msg.Payload))
	}

	assert.Equal(t, []string{
		`{"label":"crit-1"}`,
		`{"label":"crit-2"}`,
		`{"label":"high-1"}`,
		`{"label":"high-2"}`,
		`{"label":"low-1"}`,
		`{"label":"bg-1"}`,
	}, got)
}

func TestConsumer_FIFOWithinSameMillisecond(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	var ids []string
	for range 20 {
		msg, err := p.enqueuer.Enqueue(ctx, struct{}{}, queue.WithQueue("jobs"))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	for _, want := range ids {
		msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
		require.NoError(t, err)
		assert.Equal(t, want, msg.ID)
	}
}

func TestConsumer_MutualExclusion(t *testing.T) {
	t.Parallel()

	const messages = 200
	const consumers = 8

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))
	for i := range messages {
		_, err := p.enqueuer.Enqueue(ctx, i, queue.WithQueue("jobs"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
				if errors.Is(err, queue.ErrQueueEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, messages)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestConsumer_LeaseRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	_, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
	require.NoError(t, err)

	msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)

	stats, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Len(t, p.consumer.InFlight(), 1)

	require.NoError(t, p.consumer.Ack(ctx, msg))

	stats, err = p.store.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Pending)
	assert.Empty(t, p.consumer.InFlight())

	t.Run("second ack is unknown", func(t *testing.T) {
		assert.ErrorIs(t, p.consumer.Ack(ctx, msg), queue.ErrMessageNotFound)
	})
}

func TestConsumer_RetryMonotonicity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	sent, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"), queue.WithPriority(queue.PriorityCritical))
	require.NoError(t, err)

	msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)
	require.NoError(t, p.consumer.Nack(ctx, msg, true, errors.New("downstream timeout")))

	stats, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Zero(t, stats.Processing)

	// Base delay is one second and jitter is disabled.
	_, err = p.consumer.Dequeue(ctx, "jobs", 0)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	p.clock.Advance(999 * time.Millisecond)
	_, err = p.consumer.Dequeue(ctx, "jobs", 0)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	p.clock.Advance(time.Millisecond)
	retried, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, retried.ID)
	assert.Equal(t, 1, retried.Metadata.RetryCount)
	assert.Equal(t, "downstream timeout", retried.Metadata.LastError)
	assert.Equal(t, sent.Metadata.TraceID, retried.Metadata.TraceID)

	require.NoError(t, p.consumer.Nack(ctx, retried, true, nil))
	p.clock.Advance(time.Second)
	_, err = p.consumer.Dequeue(ctx, "jobs", 0)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty, "second backoff is two seconds")

	p.clock.Advance(time.Second)
	again, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Metadata.RetryCount)
}

func TestConsumer_DeadLetterTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testQueue("jobs")
	cfg.MaxRetries = 1
	p := newPipeline(t, cfg)

	sent, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
	require.NoError(t, err)

	msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)
	require.NoError(t, p.consumer.Nack(ctx, msg, true, errors.New("first")))

	p.clock.Advance(time.Second)
	msg, err = p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)
	require.NoError(t, p.consumer.Nack(ctx, msg, true, errors.New("second")))

	stats, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Equal(t, queue.QueueStats{Queue: "jobs", DeadLetterQueue: "jobs.dlq", DeadLettered: 1}, stats)

	records, err := p.store.DeadLetters(ctx, "jobs.dlq", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sent.ID, records[0].Message.ID)
	assert.Equal(t, "jobs", records[0].OriginalQueue)
	assert.Equal(t, 1, records[0].FinalRetryCount)
	assert.Contains(t, records[0].Reason, "second")
	assert.Contains(t, records[0].Reason, queue.ErrRetriesExhausted.Error())

	p.clock.Advance(time.Hour)
	_, err = p.consumer.Dequeue(ctx, "jobs", 0)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)
}

func TestConsumer_NackWithoutRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	_, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
	require.NoError(t, err)
	msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)

	require.NoError(t, p.consumer.Nack(ctx, msg, false, errors.New("malformed")))

	records, err := p.store.DeadLetters(ctx, "jobs.dlq", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].FinalRetryCount)
	assert.Equal(t, "malformed", records[0].Reason)
}

func TestConsumer_Extend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))

	_, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
	require.NoError(t, err)
	msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
	require.NoError(t, err)

	p.clock.Advance(20 * time.Second)
	require.NoError(t, p.consumer.Extend(ctx, msg, time.Minute))

	inflight := p.consumer.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, p.clock.Now().Add(time.Minute), inflight[0].ExpiresAt)

	expired, err := p.store.Expired(ctx, "jobs", p.clock.Now().Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	assert.ErrorIs(t, p.consumer.Extend(ctx, &queue.Message{ID: "unknown", Receipt: "unknown"}, time.Minute), queue.ErrMessageNotFound)
}

func TestConsumer_Dequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown queue", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		_, err := p.consumer.Dequeue(ctx, "nope", 0)
		assert.ErrorIs(t, err, queue.ErrUnknownQueue)
	})

	t.Run("blocks until a message arrives", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = p.enqueuer.Enqueue(ctx, "late", queue.WithQueue("jobs"))
		}()

		msg, err := p.consumer.Dequeue(ctx, "jobs", 2*time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `"late"`, string(msg.Payload))
	})

	t.Run("times out on an empty queue", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		start := time.Now()
		_, err := p.consumer.Dequeue(ctx, "jobs", 50*time.Millisecond)
		assert.ErrorIs(t, err, queue.ErrQueueEmpty)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("context cancellation", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := p.consumer.Dequeue(cctx, "jobs", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConsumer_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("waits for in-flight messages", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		_, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
		require.NoError(t, err)
		msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- p.consumer.Close(ctx) }()

		time.Sleep(20 * time.Millisecond)
		_, err = p.consumer.Dequeue(ctx, "jobs", 0)
		assert.ErrorIs(t, err, queue.ErrConsumerClosed)

		require.NoError(t, p.consumer.Ack(ctx, msg))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("close did not return after the last ack")
		}
	})

	t.Run("no delivery outlives a drained close", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		for i := range 500 {
			_, err := p.enqueuer.Enqueue(ctx, i, queue.WithQueue("jobs"))
			require.NoError(t, err)
		}

		var (
			closed  atomic.Bool
			late    atomic.Int64
			settled atomic.Int64
			wg      sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msg, err := p.consumer.Dequeue(ctx, "jobs", 0)
					if err != nil {
						return
					}
					if closed.Load() {
						late.Add(1)
					}
					if assert.NoError(t, p.consumer.Ack(ctx, msg)) {
						settled.Add(1)
					}
				}
			}()
		}

		time.Sleep(time.Millisecond)
		require.NoError(t, p.consumer.Close(ctx))
		closed.Store(true)
		wg.Wait()

		assert.Zero(t, late.Load())
		assert.Empty(t, p.consumer.InFlight())

		_, err := p.consumer.Dequeue(ctx, "jobs", 0)
		assert.ErrorIs(t, err, queue.ErrConsumerClosed)
	})

	t.Run("times out with open leases", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		_, err := p.enqueuer.Enqueue(ctx, "payload", queue.WithQueue("jobs"))
		require.NoError(t, err)
		_, err = p.consumer.Dequeue(ctx, "jobs", 0)
		require.NoError(t, err)

		err = p.consumer.Close(ctx)
		assert.ErrorIs(t, err, queue.ErrShutdownTimeout)
	})
}
