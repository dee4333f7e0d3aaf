package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
)

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("routes by priority under the default topology", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage()
		enq, err := queue.NewEnqueuer(store, queue.DefaultTopology(queue.DefaultConfig()))
		require.NoError(t, err)

		msg, err := enq.Enqueue(ctx, testPayload{Message: "hi"}, queue.WithPriority(queue.PriorityCritical))
		require.NoError(t, err)
		assert.Equal(t, "critical", msg.Queue)

		id, err := uuid.Parse(msg.ID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())
		assert.NotEmpty(t, msg.Metadata.TraceID)
		assert.Zero(t, msg.Metadata.RetryCount)

		msg, err = enq.Enqueue(ctx, testPayload{})
		require.NoError(t, err)
		assert.Equal(t, "medium", msg.Queue)

		stats, err := store.Stats(ctx, "critical", "critical.dlq")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)
	})

	t.Run("preserves caller identity and raw payloads", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage()
		enq, err := queue.NewEnqueuer(store, []queue.QueueConfig{testQueue("jobs")})
		require.NoError(t, err)

		raw := json.RawMessage(`{"already":"encoded"}`)
		msg, err := enq.Enqueue(ctx, raw,
			queue.WithQueue("jobs"),
			queue.WithMessageID("order-42"),
			queue.WithTraceID("trace-abc"),
			queue.WithAttributes(map[string]string{"tenant": "acme"}),
		)
		require.NoError(t, err)
		assert.Equal(t, "order-42", msg.ID)
		assert.Equal(t, "trace-abc", msg.Metadata.TraceID)
		assert.Equal(t, "acme", msg.Metadata.Attributes["tenant"])
		assert.JSONEq(t, string(raw), string(msg.Payload))
	})

	t.Run("delayed messages wait in the delayed set", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage()
		enq, err := queue.NewEnqueuer(store, []queue.QueueConfig{testQueue("jobs")})
		require.NoError(t, err)

		_, err = enq.Enqueue(ctx, "later", queue.WithQueue("jobs"), queue.WithDelay(time.Hour))
		require.NoError(t, err)
		_, err = enq.Enqueue(ctx, "scheduled", queue.WithQueue("jobs"), queue.WithScheduledAt(time.Now().Add(time.Hour)))
		require.NoError(t, err)

		stats, err := store.Stats(ctx, "jobs", "jobs.dlq")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Delayed)
		assert.Zero(t, stats.Pending)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage()
		enq, err := queue.NewEnqueuer(store, []queue.QueueConfig{testQueue("jobs")})
		require.NoError(t, err)

		_, err = enq.Enqueue(ctx, nil, queue.WithQueue("jobs"))
		assert.ErrorIs(t, err, queue.ErrPayloadNil)

		_, err = enq.Enqueue(ctx, "x", queue.WithQueue("jobs"), queue.WithPriority(queue.Priority(42)))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = enq.Enqueue(ctx, "x", queue.WithPriority(queue.PriorityHigh))
		assert.ErrorIs(t, err, queue.ErrUnknownQueue)

		_, err = enq.Enqueue(ctx, make(chan int), queue.WithQueue("jobs"))
		assert.Error(t, err)

		require.NoError(t, store.Close())
		_, err = enq.Enqueue(ctx, "x", queue.WithQueue("jobs"))
		assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
	})

	t.Run("constructor errors", func(t *testing.T) {
		t.Parallel()

		_, err := queue.NewEnqueuer(nil, []queue.QueueConfig{testQueue("jobs")})
		assert.ErrorIs(t, err, queue.ErrStoreNil)

		_, err = queue.NewEnqueuer(queue.NewMemoryStorage(), nil)
		assert.ErrorIs(t, err, queue.ErrInvalidConfig)

		_, err = queue.NewEnqueuer(queue.NewMemoryStorage(), []queue.QueueConfig{testQueue("jobs"), testQueue("jobs")})
		assert.ErrorIs(t, err, queue.ErrInvalidConfig)
	})
}

func TestQueueConfig(t *testing.T) {
	t.Parallel()

	cfg := queue.QueueConfig{Name: "jobs"}.WithDefaults(queue.DefaultConfig())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "jobs.dlq", cfg.DeadLetterQueue)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Zero(t, cfg.MaxRetries, "zero retries is a valid choice")

	bad := cfg
	bad.DeadLetterQueue = "jobs"
	assert.ErrorIs(t, bad.Validate(), queue.ErrInvalidConfig)

	topology := queue.DefaultTopology(queue.DefaultConfig())
	require.Len(t, topology, 5)
	for i, p := range queue.Priorities() {
		assert.Equal(t, p.QueueName(), topology[i].Name)
		assert.Equal(t, 3, topology[i].MaxRetries)
	}
}
