package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/domain"
)

func newTestStore(t *testing.T) (*redis.CycleStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return redis.NewCycleStore(c, redis.StoreConfig{
		CycleTTL:   96 * time.Hour,
		LockTTL:    2 * time.Minute,
		OutcomeTTL: 30 * time.Minute,
	}), mr
}

func TestCycleStore_CurrentCyclePointer(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.GetCurrentCycleID(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id, err := s.NextCycleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id, err = s.NextCycleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	require.NoError(t, s.SetCurrentCycleID(ctx, 2))
	got, err := s.GetCurrentCycleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	assert.Zero(t, mr.TTL("kol:cycle:current"))
}

func TestCycleStore_PutGetCycle(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	crashedAt := start.Add(5 * time.Hour)
	cycle := domain.MarketCycle{
		ID:           7,
		Status:       domain.CycleStatusActive,
		StartTime:    start,
		EndTime:      start.Add(72 * time.Hour),
		GlobalExpiry: start.Add(72 * time.Hour),
		ActiveEntities: []domain.RankedEntity{
			{ID: "a", MindshareScore: 1.5, DisplayName: "Alice", MarketAddress: "0xa"},
			{ID: "b", MindshareScore: 0.5, DisplayName: "Bob"},
		},
		CrashedOutEntities: []domain.CrashedEntity{
			{RankedEntity: domain.RankedEntity{ID: "c", MarketAddress: "0xc"}, CrashedOutAt: crashedAt},
		},
	}
	require.NoError(t, s.PutCycle(ctx, cycle))

	got, err := s.GetCycle(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusActive, got.Status)
	assert.True(t, got.EndTime.Equal(cycle.EndTime))
	assert.Nil(t, got.BufferEndTime)
	assert.Equal(t, cycle.ActiveEntities, got.ActiveEntities)
	require.Len(t, got.CrashedOutEntities, 1)
	assert.Equal(t, "c", got.CrashedOutEntities[0].ID)
	assert.True(t, got.CrashedOutEntities[0].CrashedOutAt.Equal(crashedAt))

	for _, key := range []string{"kol:cycle:7", "kol:cycle:7:active", "kol:cycle:7:crashed"} {
		assert.Equal(t, 96*time.Hour, mr.TTL(key), key)
	}

	_, err = s.GetCycle(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCycleStore_Status(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	err := s.SetCycleStatus(ctx, 1, domain.CycleStatusEnding)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.PutCycle(ctx, domain.MarketCycle{ID: 1, Status: domain.CycleStatusActive}))
	require.NoError(t, s.SetCycleStatus(ctx, 1, domain.CycleStatusEnding))

	st, err := s.GetCycleStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusEnding, st)

	assert.Error(t, s.SetCycleStatus(ctx, 1, domain.CycleStatus("paused")))
}

func TestCycleStore_StatusOnVanishedCycleWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.PutCycle(ctx, domain.MarketCycle{ID: 1, Status: domain.CycleStatusActive}))
	mr.SetTTL("kol:cycle:1", time.Second)
	mr.FastForward(2 * time.Second)

	err := s.SetCycleStatus(ctx, 1, domain.CycleStatusEnding)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, mr.Exists("kol:cycle:1"), "no status-only record is created")

	require.NoError(t, s.PutCycle(ctx, domain.MarketCycle{ID: 2, Status: domain.CycleStatusActive}))
	mr.SetTTL("kol:cycle:2", time.Minute)
	require.NoError(t, s.SetCycleStatus(ctx, 2, domain.CycleStatusEnding))
	assert.Equal(t, 96*time.Hour, mr.TTL("kol:cycle:2"), "the write refreshes the cycle TTL")
}

func TestCycleStore_ActiveEntitiesEmptyByDefault(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	got, err := s.GetActiveEntities(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	list := []domain.RankedEntity{{ID: "x", MarketAddress: "0x1"}}
	require.NoError(t, s.SetActiveEntities(ctx, 3, list))
	got, err = s.GetActiveEntities(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, list, got)
}

func TestCycleStore_AppendCrashedEntityIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := domain.CrashedEntity{RankedEntity: domain.RankedEntity{ID: "2", MarketAddress: "0x2"}, CrashedOutAt: first}
	require.NoError(t, s.AppendCrashedEntity(ctx, 1, e))

	again := e
	again.CrashedOutAt = first.Add(time.Hour)
	require.NoError(t, s.AppendCrashedEntity(ctx, 1, again))

	got, err := s.GetCrashedEntities(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].CrashedOutAt.Equal(first))

	require.NoError(t, s.RemoveCrashedEntity(ctx, 1, "2"))
	got, err = s.GetCrashedEntities(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCycleStore_ApplyReconciliation(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	crashed := func(id string, at time.Time) domain.CrashedEntity {
		return domain.CrashedEntity{RankedEntity: domain.RankedEntity{ID: id, MarketAddress: "0x" + id}, CrashedOutAt: at}
	}
	require.NoError(t, s.PutCycle(ctx, domain.MarketCycle{
		ID:                 1,
		Status:             domain.CycleStatusActive,
		ActiveEntities:     []domain.RankedEntity{{ID: "1", MarketAddress: "0x1"}, {ID: "2", MarketAddress: "0x2"}},
		CrashedOutEntities: []domain.CrashedEntity{crashed("3", at)},
	}))

	active := []domain.RankedEntity{{ID: "1", MarketAddress: "0x1"}, {ID: "3", MarketAddress: "0x3"}}
	require.NoError(t, s.ApplyReconciliation(ctx, 1, []domain.CrashedEntity{crashed("2", at.Add(time.Hour))}, active, []string{"3"}))

	c, err := s.GetCycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, active, c.ActiveEntities)
	require.Len(t, c.CrashedOutEntities, 1)
	assert.Equal(t, "2", c.CrashedOutEntities[0].ID)
	assert.Equal(t, 96*time.Hour, mr.TTL("kol:cycle:1:crashed"))
	assert.Equal(t, 96*time.Hour, mr.TTL("kol:cycle:1:active"))

	// A failed write leaves every key as it was.
	mr.SetError("READONLY replica")
	err = s.ApplyReconciliation(ctx, 1, []domain.CrashedEntity{crashed("1", at.Add(2*time.Hour))}, nil, []string{"2"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	mr.SetError("")

	c, err = s.GetCycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, active, c.ActiveEntities)
	require.Len(t, c.CrashedOutEntities, 1)
	assert.Equal(t, "2", c.CrashedOutEntities[0].ID)
}

func TestCycleStore_MarketPosition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.GetMarketPosition(ctx, "0xa")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pos := domain.MarketPosition{MarketAddress: "0xa", CycleID: 4, ActiveTokenIDs: []int64{10, 11}, IsActive: true}
	require.NoError(t, s.PutMarketPosition(ctx, pos))
	got, err := s.GetMarketPosition(ctx, "0xa")
	require.NoError(t, err)
	assert.Equal(t, pos, got)
}

func TestCycleStore_DeploymentLock(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	release, err := s.AcquireDeploymentLock(ctx, "kol-1")
	require.NoError(t, err)

	_, err = s.AcquireDeploymentLock(ctx, "kol-1")
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// Other entities are not serialized behind kol-1.
	releaseOther, err := s.AcquireDeploymentLock(ctx, "kol-2")
	require.NoError(t, err)
	releaseOther()

	release()
	release()

	release, err = s.AcquireDeploymentLock(ctx, "kol-1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, mr.TTL("lock:deploy:kol-1"))

	mr.FastForward(3 * time.Minute)
	_, err = s.AcquireDeploymentLock(ctx, "kol-1")
	assert.NoError(t, err, "expired lock must not wedge the entity")
	release()
}

func TestCycleStore_ConcurrentLockAcquisition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AcquireDeploymentLock(ctx, "kol-9"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCycleStore_DeploymentStatusTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.SetDeploymentStatus(ctx, "e", domain.DeploymentStatusPending))
	assert.Equal(t, 2*time.Minute, mr.TTL("kol:deploy:e:status"))

	require.NoError(t, s.SetDeploymentStatus(ctx, "e", domain.DeploymentStatusCompleted))
	assert.Equal(t, 30*time.Minute, mr.TTL("kol:deploy:e:status"))

	st, err := s.GetDeploymentStatus(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusCompleted, st)
}

func TestCycleStore_PingReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Ping(ctx))
	mr.Close()
	assert.ErrorIs(t, s.Ping(ctx), domain.ErrStoreUnavailable)
}
