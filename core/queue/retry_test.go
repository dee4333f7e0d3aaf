package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forgeworks/workq/core/queue"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	cfg := queue.QueueConfig{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}

	t.Run("doubles per attempt without jitter", func(t *testing.T) {
		t.Parallel()

		p := queue.NewRetryPolicy(queue.WithJitterFraction(0))
		assert.Equal(t, time.Second, p.Backoff(0, cfg))
		assert.Equal(t, 2*time.Second, p.Backoff(1, cfg))
		assert.Equal(t, 4*time.Second, p.Backoff(2, cfg))
		assert.Equal(t, 8*time.Second, p.Backoff(3, cfg))
	})

	t.Run("capped at max retry delay", func(t *testing.T) {
		t.Parallel()

		p := queue.NewRetryPolicy()
		assert.Equal(t, 10*time.Second, p.Backoff(4, cfg))
		assert.Equal(t, 10*time.Second, p.Backoff(60, cfg))
		assert.Equal(t, 10*time.Second, p.Backoff(5000, cfg))
	})

	t.Run("jitter stays within ten percent", func(t *testing.T) {
		t.Parallel()

		maxed := queue.NewRetryPolicy(queue.WithRandomSource(func() float64 { return 0.999999 }))
		d := maxed.Backoff(1, cfg)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 2200*time.Millisecond)

		p := queue.NewRetryPolicy()
		for range 100 {
			d := p.Backoff(2, cfg)
			assert.GreaterOrEqual(t, d, 4*time.Second)
			assert.Less(t, d, 4400*time.Millisecond)
		}
	})

	t.Run("zero base delay", func(t *testing.T) {
		t.Parallel()

		p := queue.NewRetryPolicy()
		assert.Zero(t, p.Backoff(3, queue.QueueConfig{}))
	})
}

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	p := queue.NewRetryPolicy(queue.WithJitterFraction(0))
	cfg := queue.QueueConfig{RetryDelay: time.Second, MaxRetryDelay: time.Minute, MaxRetries: 2}

	msg := &queue.Message{}
	d := p.Decide(msg, cfg)
	assert.Equal(t, queue.ActionRequeue, d.Action)
	assert.Equal(t, time.Second, d.Delay)

	msg.Metadata.RetryCount = 1
	d = p.Decide(msg, cfg)
	assert.Equal(t, queue.ActionRequeue, d.Action)
	assert.Equal(t, 2*time.Second, d.Delay)

	msg.Metadata.RetryCount = 2
	assert.Equal(t, queue.ActionDeadLetter, p.Decide(msg, cfg).Action)

	t.Run("zero retries dead-letters on first failure", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, queue.ActionDeadLetter, p.Decide(&queue.Message{}, queue.QueueConfig{}).Action)
	})
}
