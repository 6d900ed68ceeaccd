package scheduler_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/platform/ranking/rankingtest"
	"github.com/alanyoungcy/kolcycle/internal/scheduler"
)

type memHistory struct {
	mu     sync.Mutex
	points []domain.MindsharePoint
}

func (h *memHistory) Record(_ context.Context, points []domain.MindsharePoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, points...)
	return nil
}

func (h *memHistory) History(context.Context, string, int) ([]domain.MindsharePoint, error) {
	return nil, domain.ErrNotFound
}

func (h *memHistory) byEntity() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64, len(h.points))
	for _, p := range h.points {
		out[p.EntityID] = p.Score
	}
	return out
}

type refreshFixture struct {
	client  *redis.Client
	store   *redis.CycleStore
	feed    *rankingtest.Fake
	history *memHistory
	now     time.Time
}

func newRefreshFixture(t *testing.T, status domain.CycleStatus, crashedIDs ...string) *refreshFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	f := &refreshFixture{
		client:  client,
		store:   redis.NewCycleStore(client, redis.DefaultStoreConfig()),
		feed:    rankingtest.New(),
		history: &memHistory{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	c := domain.MarketCycle{ID: 3, Status: status, StartTime: f.now, EndTime: f.now.Add(72 * time.Hour)}
	for i, id := range crashedIDs {
		c.CrashedOutEntities = append(c.CrashedOutEntities, domain.CrashedEntity{
			RankedEntity: domain.RankedEntity{ID: id, MarketAddress: "0xm" + id},
			CrashedOutAt: f.now.Add(time.Duration(i) * time.Minute),
		})
		f.feed.SetEntity(domain.RankedEntity{ID: id, MindshareScore: float64(i + 1)})
	}
	ctx := context.Background()
	require.NoError(t, f.store.PutCycle(ctx, c))
	require.NoError(t, f.store.SetCurrentCycleID(ctx, c.ID))
	return f
}

func (f *refreshFixture) refresher(cfg scheduler.RefreshConfig, limiter domain.RateLimiter) *scheduler.Refresher {
	cfg.Now = func() time.Time { return f.now }
	return scheduler.NewRefresher(f.store, f.feed, f.history, limiter, cfg, slog.New(slog.DiscardHandler))
}

func testRefreshConfig() scheduler.RefreshConfig {
	return scheduler.RefreshConfig{
		MinBatch:   1,
		MaxBatch:   4,
		GrowAfter:  1,
		RateLimit:  100,
		RateWindow: time.Minute,
		BackoffMin: time.Minute,
		BackoffMax: 10 * time.Minute,
	}
}

func TestRefresh_RecordsScoresAndGrowsBatches(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3", "c4")
	r := f.refresher(testRefreshConfig(), redis.NewRateLimiter(f.client))

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Refreshed)
	assert.Zero(t, res.Failed)
	assert.False(t, res.RateLimited)
	// Batches of 1, 2 and 1 each succeed and grow the size.
	assert.Equal(t, 4, r.Batcher().Size())

	assert.Equal(t, map[string]float64{"c1": 1, "c2": 2, "c3": 3, "c4": 4}, f.history.byEntity())
	assert.ElementsMatch(t, []string{"c1", "c2", "c3", "c4"}, f.feed.EntityCalls())
}

func TestRefresh_FailureShrinksBatch(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3", "c4")
	r := f.refresher(testRefreshConfig(), nil)
	for range 3 {
		r.Batcher().Success()
	}
	require.Equal(t, 4, r.Batcher().Size())

	f.feed.FailEntity("c2", domain.ErrTransient)
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refreshed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, r.Batcher().Size())
}

func TestRefresh_RateLimitBacksOff(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3")
	r := f.refresher(testRefreshConfig(), nil)

	f.feed.FailEntity("c1", domain.ErrRateLimited)
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RateLimited)
	assert.Equal(t, []string{"c1"}, f.feed.EntityCalls(), "the pass stops at the first rate limited batch")

	res, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Skipped)
	assert.Len(t, f.feed.EntityCalls(), 1)

	f.now = f.now.Add(time.Minute)
	f.feed.SetEntity(domain.RankedEntity{ID: "c1", MindshareScore: 9})
	res, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refreshed)
	assert.Equal(t, 9.0, f.history.byEntity()["c1"])
}

func TestRefresh_SharedBudgetLimitsReads(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3", "c4")
	cfg := testRefreshConfig()
	cfg.RateLimit = 2
	r := f.refresher(cfg, redis.NewRateLimiter(f.client))

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RateLimited)
	assert.Equal(t, 2, res.Refreshed)
	assert.Len(t, f.feed.EntityCalls(), 2)
	assert.Equal(t, 1, r.Batcher().Size())
}

func TestRefresh_SkipsOutsideActiveCycle(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusEnding, "c1")
	r := f.refresher(testRefreshConfig(), nil)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cycle ending", res.Skipped)
	assert.Empty(t, f.feed.EntityCalls())
}

func TestRefresh_NothingCrashed(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive)
	r := f.refresher(testRefreshConfig(), nil)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nothing crashed", res.Skipped)
}

func TestRefresh_PausesBetweenBatches(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3")
	cfg := testRefreshConfig()
	cfg.DelayMin = 30 * time.Millisecond
	cfg.DelayMax = time.Second
	r := f.refresher(cfg, nil)

	began := time.Now()
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refreshed)
	// Batches of 1 and 2, with one pause between them.
	assert.GreaterOrEqual(t, time.Since(began), 30*time.Millisecond)
}

func TestRefresh_CancelDuringPauseStopsPass(t *testing.T) {
	f := newRefreshFixture(t, domain.CycleStatusActive, "c1", "c2", "c3")
	cfg := testRefreshConfig()
	cfg.DelayMin = time.Hour
	cfg.DelayMax = time.Hour
	r := f.refresher(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refreshed)
	assert.Equal(t, []string{"c1"}, f.feed.EntityCalls())
}
