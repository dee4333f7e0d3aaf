package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
)

type testPayload struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

func newTestWorker(t *testing.T, p *pipeline) *queue.Worker {
	t.Helper()

	w, err := queue.NewWorker(p.consumer,
		queue.WithDequeueTimeout(20*time.Millisecond),
		queue.WithErrorBackoff(10*time.Millisecond),
		queue.WithShutdownTimeout(time.Second),
	)
	require.NoError(t, err)
	return w
}

func runWorker(t *testing.T, w *queue.Worker) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx)() }()

	require.Eventually(t, func() bool { return w.Stats().IsRunning }, time.Second, 5*time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_NewWorker(t *testing.T) {
	t.Parallel()

	_, err := queue.NewWorker(nil)
	assert.Error(t, err)

	p := newPipeline(t, testQueue("jobs"))
	w := newTestWorker(t, p)

	assert.ErrorIs(t, w.RegisterHandler("nope", queue.HandlerFunc(func(context.Context, *queue.Message) error { return nil })), queue.ErrUnknownQueue)
	assert.Error(t, w.RegisterHandler("jobs", nil))
	assert.ErrorIs(t, w.Start(context.Background()), queue.ErrNoHandlers)
	assert.ErrorIs(t, w.Stop(), queue.ErrNotStarted)
}

func TestWorker_ProcessesAndAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPipeline(t, testQueue("jobs"))
	w := newTestWorker(t, p)

	var sum atomic.Int64
	require.NoError(t, w.RegisterHandler("jobs", queue.NewPayloadHandler(func(_ context.Context, pl testPayload) error {
		sum.Add(int64(pl.Value))
		return nil
	})))

	stop := runWorker(t, w)
	for i := 1; i <= 5; i++ {
		_, err := p.enqueuer.Enqueue(ctx, testPayload{Message: "add", Value: i}, queue.WithQueue("jobs"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return w.Stats().TasksProcessed == 5 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int64(15), sum.Load())
	stats, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.Processing+stats.Delayed+stats.DeadLettered)
	assert.False(t, w.Stats().IsRunning)
}

func TestWorker_FailureHandling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("permanent error dead-letters immediately", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		w := newTestWorker(t, p)
		require.NoError(t, w.RegisterHandler("jobs", queue.HandlerFunc(func(context.Context, *queue.Message) error {
			return queue.Permanent(errors.New("invalid recipient"))
		})))

		stop := runWorker(t, w)
		_, err := p.enqueuer.Enqueue(ctx, "x", queue.WithQueue("jobs"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return w.Stats().TasksFailed == 1 }, 2*time.Second, 5*time.Millisecond)
		stop()

		records, err := p.store.DeadLetters(ctx, "jobs.dlq", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "invalid recipient", records[0].Reason)
	})

	t.Run("undecodable payload is permanent", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		w := newTestWorker(t, p)
		require.NoError(t, w.RegisterHandler("jobs", queue.NewPayloadHandler(func(context.Context, testPayload) error {
			return nil
		})))

		stop := runWorker(t, w)
		_, err := p.enqueuer.Enqueue(ctx, []int{1, 2}, queue.WithQueue("jobs"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			st, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
			return err == nil && st.DeadLettered == 1
		}, 2*time.Second, 5*time.Millisecond)
		stop()
	})

	t.Run("panic is retried", func(t *testing.T) {
		t.Parallel()

		p := newPipeline(t, testQueue("jobs"))
		w := newTestWorker(t, p)

		var calls atomic.Int32
		require.NoError(t, w.RegisterHandler("jobs", queue.HandlerFunc(func(_ context.Context, msg *queue.Message) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return nil
		})))

		stop := runWorker(t, w)
		defer stop()

		_, err := p.enqueuer.Enqueue(ctx, "x", queue.WithQueue("jobs"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			st, err := p.store.Stats(ctx, "jobs", "jobs.dlq")
			return err == nil && st.Delayed == 1
		}, 2*time.Second, 5*time.Millisecond)

		p.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return w.Stats().TasksProcessed == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(1), w.Stats().TasksFailed)
	})
}

func TestWorker_Healthcheck(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, testQueue("jobs"))
	w := newTestWorker(t, p)

	err := w.Healthcheck(context.Background())
	assert.ErrorIs(t, err, queue.ErrHealthcheckFailed)
	assert.ErrorIs(t, err, queue.ErrNotStarted)

	release := make(chan struct{})
	require.NoError(t, w.RegisterHandler("jobs", queue.HandlerFunc(func(context.Context, *queue.Message) error {
		<-release
		return nil
	})))

	stop := runWorker(t, w)
	assert.NoError(t, w.Healthcheck(context.Background()))

	// Two pull loops, both busy.
	for range 2 {
		_, err := p.enqueuer.Enqueue(context.Background(), "x", queue.WithQueue("jobs"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return w.Stats().ActiveTasks == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, w.Healthcheck(context.Background()), queue.ErrWorkerOverloaded)

	close(release)
	stop()
}
