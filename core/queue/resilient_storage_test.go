package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
	"github.com/forgeworks/workq/pkg/breaker"
)

// MockStorage is a mock implementation of Storage.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Insert(ctx context.Context, q string, msg *queue.Message, rank float64, notBefore, now time.Time) error {
	return m.Called(ctx, q, msg, rank, notBefore, now).Error(0)
}

func (m *MockStorage) Lease(ctx context.Context, q string, now, expiresAt time.Time) (*queue.Lease, error) {
	args := m.Called(ctx, q, now, expiresAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Lease), args.Error(1)
}

func (m *MockStorage) Release(ctx context.Context, q, id string, cond queue.Condition) (bool, error) {
	args := m.Called(ctx, q, id, cond)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) Extend(ctx context.Context, q, id string, expiresAt time.Time, cond queue.Condition) (bool, error) {
	args := m.Called(ctx, q, id, expiresAt, cond)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) Expired(ctx context.Context, q string, now time.Time, limit int) ([]queue.Lease, error) {
	args := m.Called(ctx, q, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Lease), args.Error(1)
}

func (m *MockStorage) Requeue(ctx context.Context, q string, msg *queue.Message, rank float64, notBefore, now time.Time, cond queue.Condition) (bool, error) {
	args := m.Called(ctx, q, msg, rank, notBefore, now, cond)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) DeadLetter(ctx context.Context, rec *queue.DeadLetterRecord, cond queue.Condition) (bool, error) {
	args := m.Called(ctx, rec, cond)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) DeadLetters(ctx context.Context, dlq string, limit int) ([]*queue.DeadLetterRecord, error) {
	args := m.Called(ctx, dlq, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*queue.DeadLetterRecord), args.Error(1)
}

func (m *MockStorage) Stats(ctx context.Context, q, dlq string) (queue.QueueStats, error) {
	args := m.Called(ctx, q, dlq)
	return args.Get(0).(queue.QueueStats), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// breakerClock drives the breaker's reset timeout in tests.
type breakerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newResilient(t *testing.T, next queue.Storage, clock *breakerClock) *queue.ResilientStorage {
	t.Helper()

	cfg := queue.DefaultConfig()
	cfg.BreakerFailureThreshold = 3
	cfg.BreakerMonitoringPeriod = time.Minute
	cfg.BreakerResetTimeout = 10 * time.Second

	rs, err := queue.NewResilientStorage(next, queue.NewStoreBreaker(cfg, breaker.WithClock(clock.Now)))
	require.NoError(t, err)
	return rs
}

func TestResilientStorage_OpensOnStoreFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &breakerClock{now: time.Now()}
	store := new(MockStorage)
	rs := newResilient(t, store, clock)

	outage := fmt.Errorf("dial tcp: connection refused: %w", queue.ErrStoreUnavailable)
	store.On("Ping", mock.Anything).Return(outage).Times(3)

	for range 3 {
		assert.ErrorIs(t, rs.Ping(ctx), queue.ErrStoreUnavailable)
	}
	assert.Equal(t, breaker.StateOpen, rs.Breaker().State())

	// Fails fast without reaching the store.
	err := rs.Ping(ctx)
	assert.ErrorIs(t, err, queue.ErrCircuitOpen)
	store.AssertNumberOfCalls(t, "Ping", 3)

	t.Run("single trial after reset timeout", func(t *testing.T) {
		clock.Advance(10 * time.Second)
		assert.Equal(t, breaker.StateHalfOpen, rs.Breaker().State())

		store.On("Ping", mock.Anything).Return(nil).Once()
		require.NoError(t, rs.Ping(ctx))
		assert.Equal(t, breaker.StateClosed, rs.Breaker().State())
		store.AssertExpectations(t)
	})
}

func TestResilientStorage_IgnoresNormalAnswers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &breakerClock{now: time.Now()}
	store := new(MockStorage)
	rs := newResilient(t, store, clock)

	store.On("Lease", mock.Anything, "jobs", mock.Anything, mock.Anything).Return(nil, queue.ErrQueueEmpty)

	for range 10 {
		_, err := rs.Lease(ctx, "jobs", time.Now(), time.Now().Add(time.Minute))
		assert.ErrorIs(t, err, queue.ErrQueueEmpty)
	}
	assert.Equal(t, breaker.StateClosed, rs.Breaker().State())
}

func TestResilientStorage_DelegatesResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := new(MockStorage)
	rs := newResilient(t, store, &breakerClock{now: time.Now()})

	want := queue.QueueStats{Queue: "jobs", DeadLetterQueue: "jobs.dlq", Pending: 4}
	store.On("Stats", mock.Anything, "jobs", "jobs.dlq").Return(want, nil).Once()
	cond := queue.Condition{Token: "lease-1"}
	store.On("Release", mock.Anything, "jobs", "m1", cond).Return(true, nil).Once()

	got, err := rs.Stats(ctx, "jobs", "jobs.dlq")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ok, err := rs.Release(ctx, "jobs", "m1", cond)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Same(t, store, rs.Unwrap())
	store.AssertExpectations(t)
}

func TestResilientStorage_NilStore(t *testing.T) {
	t.Parallel()

	_, err := queue.NewResilientStorage(nil, nil)
	assert.ErrorIs(t, err, queue.ErrStoreNil)
}
