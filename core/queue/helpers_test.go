package queue_test

import (
	"sync"
	"time"

	"github.com/forgeworks/workq/core/queue"
)

// fakeClock is a manually advanced clock shared by the components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// noJitter makes backoff delays deterministic.
func noJitter() *queue.RetryPolicy {
	return queue.NewRetryPolicy(queue.WithJitterFraction(0))
}

func testQueue(name string) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              name,
		MaxConcurrency:    2,
		RetryDelay:        time.Second,
		MaxRetryDelay:     time.Minute,
		MaxRetries:        2,
		VisibilityTimeout: 30 * time.Second,
		ReapInterval:      time.Second,
		ReapBatchSize:     10,
	}
}
