package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/cycle"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/scheduler"
)

type countingMachine struct {
	// busy is how long each call takes.
	busy        time.Duration
	ingests     atomic.Int64
	checks      atomic.Int64
	checkErr    atomic.Value
	panicChecks atomic.Int64
}

func (m *countingMachine) Ingest(context.Context) (cycle.IngestResult, error) {
	time.Sleep(m.busy)
	m.ingests.Add(1)
	return cycle.IngestResult{}, nil
}

func (m *countingMachine) CheckStatus(context.Context) (cycle.Transition, error) {
	time.Sleep(m.busy)
	n := m.checks.Add(1)
	if n <= m.panicChecks.Load() {
		panic("boom")
	}
	if err, ok := m.checkErr.Load().(error); ok {
		return cycle.Transition{}, err
	}
	return cycle.Transition{}, nil
}

type flakyStore struct {
	down  atomic.Bool
	pings atomic.Int64
	// failNext fails that many pings before down is consulted.
	failNext atomic.Int64
}

func (s *flakyStore) Ping(context.Context) error {
	s.pings.Add(1)
	if s.failNext.Add(-1) >= 0 {
		return domain.ErrStoreUnavailable
	}
	s.failNext.Store(0)
	if s.down.Load() {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func fastConfig() scheduler.Config {
	return scheduler.Config{
		IngestInterval: 5 * time.Millisecond,
		StatusInterval: 5 * time.Millisecond,
		HealthInterval: 5 * time.Millisecond,
		TaskTimeout:    time.Second,
	}
}

func start(t *testing.T, s *scheduler.Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func TestScheduler_SuspendsTasksWhileStoreUnhealthy(t *testing.T) {
	m := &countingMachine{}
	store := &flakyStore{}
	store.down.Store(true)
	s := scheduler.New(m, store, nil, nil, fastConfig(), slog.New(slog.DiscardHandler))
	start(t, s)

	require.Eventually(t, func() bool { return store.pings.Load() >= 3 }, time.Second, time.Millisecond)
	assert.False(t, s.Healthy())
	assert.Zero(t, m.checks.Load())
	assert.Zero(t, m.ingests.Load())

	store.down.Store(false)
	require.Eventually(t, func() bool {
		return m.checks.Load() > 0 && m.ingests.Load() > 0
	}, time.Second, time.Millisecond)
	assert.True(t, s.Healthy())
}

func TestScheduler_StoreErrorSuspendsUntilHealthCheck(t *testing.T) {
	m := &countingMachine{}
	m.checkErr.Store(error(domain.ErrStoreUnavailable))
	cfg := fastConfig()
	cfg.HealthInterval = time.Hour
	s := scheduler.New(m, &flakyStore{}, nil, nil, cfg, slog.New(slog.DiscardHandler))
	start(t, s)

	require.Eventually(t, func() bool { return !s.Healthy() }, time.Second, time.Millisecond)
	checks := m.checks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, checks, m.checks.Load())
}

func TestScheduler_RecoversFromPanickingTask(t *testing.T) {
	m := &countingMachine{}
	m.panicChecks.Store(1)
	s := scheduler.New(m, &flakyStore{}, nil, nil, fastConfig(), slog.New(slog.DiscardHandler))
	start(t, s)

	require.Eventually(t, func() bool { return m.checks.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, s.Healthy())
}

func TestScheduler_SkipsTasksLockedByAnotherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	locks := redis.NewLockManager(client)

	unlock, err := locks.Acquire(context.Background(), "cycle", time.Minute)
	require.NoError(t, err)

	m := &countingMachine{}
	store := &flakyStore{}
	s := scheduler.New(m, store, nil, locks, fastConfig(), slog.New(slog.DiscardHandler))
	start(t, s)

	require.Eventually(t, func() bool { return store.pings.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Zero(t, m.checks.Load())
	assert.Zero(t, m.ingests.Load())

	unlock()
	require.Eventually(t, func() bool { return m.checks.Load() > 0 }, time.Second, time.Millisecond)
}

func TestScheduler_RunOnce(t *testing.T) {
	m := &countingMachine{}
	store := &flakyStore{}
	s := scheduler.New(m, store, nil, nil, scheduler.Config{}, slog.New(slog.DiscardHandler))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int64(1), m.checks.Load())
	assert.Equal(t, int64(1), m.ingests.Load())

	m.checkErr.Store(error(domain.ErrFeedUnavailable))
	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
	assert.Equal(t, int64(2), m.ingests.Load(), "ingestion still runs after a failed status check")

	store.down.Store(true)
	err = s.RunOnce(context.Background())
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.Equal(t, int64(2), m.checks.Load(), "no task runs while the store is down")
}

func TestScheduler_CycleTasksTakeTurnsInProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Both tasks fire once at startup and then not again for an hour.
	m := &countingMachine{busy: 20 * time.Millisecond}
	cfg := scheduler.Config{
		IngestInterval: time.Hour,
		StatusInterval: time.Hour,
		HealthInterval: time.Hour,
		TaskTimeout:    time.Second,
	}
	s := scheduler.New(m, &flakyStore{}, nil, redis.NewLockManager(client), cfg, slog.New(slog.DiscardHandler))
	start(t, s)

	require.Eventually(t, func() bool {
		return m.checks.Load() == 1 && m.ingests.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestScheduler_ToleratesIsolatedPingFailures(t *testing.T) {
	m := &countingMachine{}
	store := &flakyStore{}
	s := scheduler.New(m, store, nil, nil, scheduler.Config{HealthFailures: 3}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	require.True(t, s.Healthy())

	store.failNext.Store(2)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.True(t, s.Healthy())
	assert.Equal(t, int64(3), m.ingests.Load())

	// A success resets the count.
	store.failNext.Store(2)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))

	store.failNext.Store(3)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, s.Healthy())
	assert.Equal(t, int64(8), m.ingests.Load())
}
