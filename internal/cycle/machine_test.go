package cycle_test

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/cycle"
	"github.com/alanyoungcy/kolcycle/internal/deploy"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/platform/chain/chaintest"
	"github.com/alanyoungcy/kolcycle/internal/platform/ranking/rankingtest"
	"github.com/alanyoungcy/kolcycle/internal/retry"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == domain.EventCycleTransitioned {
			out = append(out, string(ev.From)+">"+string(ev.To))
		}
	}
	return out
}

type memHistory struct {
	mu     sync.Mutex
	points map[string][]domain.MindsharePoint
}

func (h *memHistory) Record(_ context.Context, points []domain.MindsharePoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range points {
		h.points[p.MarketAddress] = append(h.points[p.MarketAddress], p)
	}
	return nil
}

func (h *memHistory) History(_ context.Context, market string, limit int) ([]domain.MindsharePoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := h.points[market]
	if len(pts) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.MindsharePoint, 0, len(pts))
	for i := len(pts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, pts[i])
	}
	return out, nil
}

func (h *memHistory) set(market string, scores ...float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points[market] = nil
	for _, s := range scores {
		h.points[market] = append(h.points[market], domain.MindsharePoint{MarketAddress: market, Score: s})
	}
}

type memArchive struct {
	mu     sync.Mutex
	cycles map[int64]domain.MarketCycle
}

func (a *memArchive) Archive(_ context.Context, c domain.MarketCycle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycles[c.ID] = c
	return nil
}

func (a *memArchive) Load(_ context.Context, id int64) (domain.MarketCycle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cycles[id]
	if !ok {
		return domain.MarketCycle{}, domain.ErrNotFound
	}
	return c, nil
}

type fixture struct {
	clock   *clock
	store   *redis.CycleStore
	chain   *chaintest.Fake
	feed    *rankingtest.Fake
	events  *recorder
	history *memHistory
	archive *memArchive
	machine *cycle.Machine
}

func newFixture(t *testing.T, entities ...domain.RankedEntity) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:   redis.NewCycleStore(client, redis.DefaultStoreConfig()),
		chain:   chaintest.New(),
		feed:    rankingtest.New(entities...),
		events:  &recorder{},
		history: &memHistory{points: make(map[string][]domain.MindsharePoint)},
		archive: &memArchive{cycles: make(map[int64]domain.MarketCycle)},
	}
	fast := retry.Policy{Attempts: 3, Timeout: time.Second, Delay: time.Millisecond, Multiplier: 1}
	logger := slog.New(slog.DiscardHandler)

	coord := deploy.NewCoordinator(f.store, f.chain, f.events, nil, deploy.Config{
		GenesisWindow: 72 * time.Hour,
		Gas:           deploy.DefaultGasPolicy(),
		Retry:         fast,
		Now:           f.clock.Now,
	}, logger)

	f.machine = cycle.NewMachine(cycle.Deps{
		Store:    f.store,
		Feed:     f.feed,
		Chain:    f.chain,
		Deployer: coord,
		History:  f.history,
		Archive:  f.archive,
		Events:   f.events,
	}, cycle.Config{
		CycleDuration:  72 * time.Hour,
		BufferDuration: time.Hour,
		HistoryDepth:   5,
		Retry:          fast,
		Now:            f.clock.Now,
	}, logger)
	return f
}

func kol(id string, score float64) domain.RankedEntity {
	return domain.RankedEntity{ID: id, MindshareScore: score, DisplayName: "kol " + id}
}

func (f *fixture) current(t *testing.T) domain.MarketCycle {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.GetCurrentCycleID(ctx)
	require.NoError(t, err)
	c, err := f.store.GetCycle(ctx, id)
	require.NoError(t, err)
	return c
}

func (f *fixture) check(t *testing.T) cycle.Transition {
	t.Helper()
	tr, err := f.machine.CheckStatus(context.Background())
	require.NoError(t, err)
	return tr
}

func addresses(entities []domain.RankedEntity) map[string]string {
	out := make(map[string]string, len(entities))
	for _, e := range entities {
		out[e.ID] = e.MarketAddress
	}
	return out
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2), kol("3", 1))

	tr := f.check(t)
	assert.Equal(t, cycle.Transition{CycleID: 1, From: domain.CycleStatusNotStarted, To: domain.CycleStatusActive}, tr)

	c := f.current(t)
	assert.Equal(t, domain.CycleStatusActive, c.Status)
	assert.True(t, c.StartTime.Equal(f.clock.Now()))
	assert.True(t, c.EndTime.Equal(f.clock.Now().Add(72*time.Hour)))
	assert.True(t, c.GlobalExpiry.Equal(c.EndTime))
	assert.Equal(t, map[string]string{
		"1": chaintest.Address(1),
		"2": chaintest.Address(2),
		"3": chaintest.Address(3),
	}, addresses(c.ActiveEntities))

	require.Equal(t, 3, f.chain.DeployCount())
	for _, call := range f.chain.DeployCalls {
		assert.Equal(t, 72*time.Hour, call.ExpiresIn)
	}

	pos, err := f.store.GetMarketPosition(context.Background(), chaintest.Address(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos.CycleID)
	assert.True(t, pos.IsActive)

	assert.Equal(t, []string{"not_started>active"}, f.events.transitions())
}

func TestGenesisSkipsEntityThatFails(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2))
	f.chain.DeployErrs = []error{domain.ErrContractRevert}

	tr := f.check(t)
	assert.Equal(t, domain.CycleStatusActive, tr.To)

	c := f.current(t)
	require.Len(t, c.ActiveEntities, 2)
	// Entity 1 failed at genesis and is retried by the reconciliation that
	// follows.
	assert.Equal(t, chaintest.Address(1), c.ActiveEntities[1].MarketAddress)
	assert.Equal(t, chaintest.Address(2), c.ActiveEntities[0].MarketAddress)
	assert.Equal(t, "1", c.ActiveEntities[0].ID)
}

func TestGenesisHoldsWithoutFeed(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.CheckStatus(context.Background())
	require.ErrorIs(t, err, domain.ErrFeedUnavailable)
	assert.ErrorIs(t, err, domain.ErrEmptySnapshot)

	f.feed.FailSnapshot(domain.ErrTransient)
	tr, err := f.machine.CheckStatus(context.Background())
	require.ErrorIs(t, err, domain.ErrFeedUnavailable)
	assert.False(t, tr.Changed())

	_, err = f.store.GetCurrentCycleID(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.chain.DeployCount())
}

func TestIngestWithoutCycleIsSkipped(t *testing.T) {
	f := newFixture(t, kol("1", 1))
	res, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no cycle", res.Skipped)
	assert.Zero(t, f.feed.SnapshotCalls())
}

func TestIngestCrashOutScenario(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2), kol("3", 1))
	f.check(t)
	before := addresses(f.current(t).ActiveEntities)

	f.clock.Advance(time.Hour)
	f.feed.SetSnapshot(kol("1", 4), kol("3", 2), kol("4", 1))
	res, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.NewlyCrashed)
	require.Len(t, res.Deployed, 1)
	assert.Equal(t, "4", res.Deployed[0].EntityID)

	c := f.current(t)
	got := addresses(c.ActiveEntities)
	assert.Equal(t, before["1"], got["1"])
	assert.Equal(t, before["3"], got["3"])
	assert.Equal(t, chaintest.Address(4), got["4"])
	assert.NotContains(t, got, "2")

	require.Len(t, c.CrashedOutEntities, 1)
	crashed := c.CrashedOutEntities[0]
	assert.Equal(t, "2", crashed.ID)
	assert.Equal(t, before["2"], crashed.MarketAddress)
	assert.True(t, crashed.CrashedOutAt.Equal(f.clock.Now()))
	assert.True(t, c.EndTime.Equal(c.StartTime.Add(72*time.Hour)), "ingestion never moves the end time")
	assert.Equal(t, 4, f.chain.DeployCount())
}

func TestIngestRepeatedTicksKeepOneCrashRecord(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2))
	f.check(t)

	f.feed.SetSnapshot(kol("1", 3))
	f.clock.Advance(time.Hour)
	crashedAt := f.clock.Now()
	for range 3 {
		_, err := f.machine.Ingest(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	c := f.current(t)
	require.Len(t, c.CrashedOutEntities, 1)
	assert.True(t, c.CrashedOutEntities[0].CrashedOutAt.Equal(crashedAt))
}

func TestIngestRecoveryKeepsMarket(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2))
	f.check(t)

	f.feed.SetSnapshot(kol("1", 3))
	_, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)

	f.feed.SetSnapshot(kol("1", 3), kol("2", 5))
	res, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.Recovered)
	assert.Empty(t, res.Deployed)

	c := f.current(t)
	assert.Empty(t, c.CrashedOutEntities)
	assert.Equal(t, chaintest.Address(2), addresses(c.ActiveEntities)["2"])
	assert.Equal(t, 2, f.chain.DeployCount())
}

func TestIngestHoldsOnFeedFailure(t *testing.T) {
	f := newFixture(t, kol("1", 3), kol("2", 2))
	f.check(t)
	before := f.current(t)

	f.feed.FailSnapshot(domain.ErrTransient)
	_, err := f.machine.Ingest(context.Background())
	require.ErrorIs(t, err, domain.ErrFeedUnavailable)

	f.feed.SetSnapshot()
	_, err = f.machine.Ingest(context.Background())
	require.ErrorIs(t, err, domain.ErrEmptySnapshot)

	after := f.current(t)
	assert.Equal(t, before.ActiveEntities, after.ActiveEntities)
	assert.Empty(t, after.CrashedOutEntities)
}

func TestIngestRecordsHistory(t *testing.T) {
	f := newFixture(t, kol("1", 3))
	f.check(t)

	f.feed.SetSnapshot(kol("1", 7))
	_, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)

	pts, err := f.history.History(context.Background(), chaintest.Address(1), 10)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 7.0, pts[0].Score)
	assert.Equal(t, 3.0, pts[1].Score)
}

func TestEndingClosesEveryPositionBeforeBuffer(t *testing.T) {
	f := newFixture(t, kol("a", 2), kol("b", 1))
	f.check(t)
	mA, mB := chaintest.Address(1), chaintest.Address(2)
	f.chain.SetOpenPositions(mA, 10, 11)
	f.chain.SetOpenPositions(mB, 20)

	f.clock.Advance(30 * time.Minute)
	assert.False(t, f.check(t).Changed())

	f.clock.Advance(72 * time.Hour)
	tr := f.check(t)
	assert.Equal(t, domain.CycleStatusEnding, tr.To)

	closed := make([]int64, 0, len(f.chain.Closed))
	for _, c := range f.chain.Closed {
		closed = append(closed, c.TokenID)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i] < closed[j] })
	assert.Equal(t, []int64{10, 11, 20}, closed)
	assert.Empty(t, f.chain.Resets, "no reset before a later check confirms zero open positions")
	assert.Equal(t, domain.CycleStatusEnding, f.current(t).Status)

	// A position opened after the close pass keeps the cycle in Ending.
	f.chain.SetOpenPositions(mB, 21)
	assert.False(t, f.check(t).Changed())
	assert.Equal(t, int64(21), f.chain.Closed[len(f.chain.Closed)-1].TokenID)

	f.clock.Advance(time.Minute)
	tr = f.check(t)
	assert.Equal(t, domain.CycleStatusBuffer, tr.To)

	c := f.current(t)
	require.NotNil(t, c.BufferEndTime)
	assert.True(t, c.BufferEndTime.Equal(f.clock.Now().Add(time.Hour)))
	assert.Equal(t, []float64{2}, f.chain.Resets[mA])
	assert.Equal(t, []float64{1}, f.chain.Resets[mB])

	pos, err := f.store.GetMarketPosition(context.Background(), mA)
	require.NoError(t, err)
	assert.Empty(t, pos.ActiveTokenIDs)
	assert.Equal(t, int64(1), pos.CycleID)
}

func TestEndingHoldsWhenPositionsCannotBeQueried(t *testing.T) {
	f := newFixture(t, kol("a", 2))
	f.check(t)
	f.clock.Advance(72 * time.Hour)
	f.check(t)

	f.chain.PositionErrs[chaintest.Address(1)] = domain.ErrContractRevert
	assert.False(t, f.check(t).Changed())
	assert.Equal(t, domain.CycleStatusEnding, f.current(t).Status)

	delete(f.chain.PositionErrs, chaintest.Address(1))
	assert.Equal(t, domain.CycleStatusBuffer, f.check(t).To)
}

func TestEndingHoldsWhenResetFails(t *testing.T) {
	f := newFixture(t, kol("a", 2))
	f.check(t)
	f.clock.Advance(72 * time.Hour)
	f.check(t)

	f.chain.ResetErrs[chaintest.Address(1)] = domain.ErrContractRevert
	_, err := f.machine.CheckStatus(context.Background())
	require.ErrorIs(t, err, domain.ErrContractRevert)
	assert.Equal(t, domain.CycleStatusEnding, f.current(t).Status)
}

func TestResetFallsBackToHistoryForCrashedEntities(t *testing.T) {
	f := newFixture(t, kol("a", 1), kol("b", 2), kol("c", 3))
	f.check(t)
	mA, mB, mC := chaintest.Address(1), chaintest.Address(2), chaintest.Address(3)

	f.feed.SetSnapshot(kol("a", 1))
	_, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)

	f.history.set(mB, 4, 5, 6)
	f.history.set(mC)

	f.clock.Advance(72 * time.Hour)
	f.check(t)
	f.feed.SetSnapshot(kol("a", 9))
	assert.Equal(t, domain.CycleStatusBuffer, f.check(t).To)

	assert.Equal(t, []float64{9}, f.chain.Resets[mA])
	assert.Equal(t, []float64{4, 5, 6}, f.chain.Resets[mB])
	require.Contains(t, f.chain.Resets, mC)
	assert.Empty(t, f.chain.Resets[mC])
}

func TestBufferStartsNewCycle(t *testing.T) {
	f := newFixture(t, kol("a", 2), kol("b", 1))
	f.check(t)
	f.feed.SetSnapshot(kol("a", 2))
	_, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	f.check(t)
	f.check(t)
	require.Equal(t, domain.CycleStatusBuffer, f.current(t).Status)

	f.clock.Advance(30 * time.Minute)
	assert.False(t, f.check(t).Changed())

	f.feed.SetSnapshot(kol("b", 3), kol("a", 2), kol("c", 1))
	f.clock.Advance(31 * time.Minute)
	tr := f.check(t)
	assert.Equal(t, cycle.Transition{CycleID: 2, From: domain.CycleStatusBuffer, To: domain.CycleStatusActive}, tr)

	c := f.current(t)
	assert.Equal(t, int64(2), c.ID)
	assert.True(t, c.StartTime.Equal(f.clock.Now()))
	assert.Empty(t, c.CrashedOutEntities)
	assert.Equal(t, map[string]string{
		"b": chaintest.Address(2),
		"a": chaintest.Address(1),
		"c": chaintest.Address(3),
	}, addresses(c.ActiveEntities))
	assert.Equal(t, 3, f.chain.DeployCount())
	last := f.chain.DeployCalls[len(f.chain.DeployCalls)-1]
	assert.Equal(t, 72*time.Hour, last.ExpiresIn)

	prev, err := f.archive.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusBuffer, prev.Status)
	require.Len(t, prev.CrashedOutEntities, 1)
	assert.Equal(t, "b", prev.CrashedOutEntities[0].ID)
}

func TestBufferRetiresDroppedMarkets(t *testing.T) {
	f := newFixture(t, kol("a", 2), kol("b", 1))
	f.check(t)
	f.feed.SetSnapshot(kol("a", 2))
	_, err := f.machine.Ingest(context.Background())
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	f.check(t)
	f.check(t)
	f.clock.Advance(61 * time.Minute)
	f.feed.SetSnapshot(kol("a", 2), kol("c", 1))
	tr := f.check(t)
	require.Equal(t, domain.CycleStatusActive, tr.To)

	ctx := context.Background()
	dropped, err := f.store.GetMarketPosition(ctx, chaintest.Address(2))
	require.NoError(t, err)
	assert.False(t, dropped.IsActive)
	assert.Equal(t, int64(1), dropped.CycleID)

	kept, err := f.store.GetMarketPosition(ctx, chaintest.Address(1))
	require.NoError(t, err)
	assert.True(t, kept.IsActive)
	assert.Equal(t, int64(2), kept.CycleID)

	fresh, err := f.store.GetMarketPosition(ctx, chaintest.Address(3))
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
	assert.Equal(t, int64(2), fresh.CycleID)
}

func TestBufferHoldsWithoutFeed(t *testing.T) {
	f := newFixture(t, kol("a", 2))
	f.check(t)
	f.clock.Advance(72 * time.Hour)
	f.check(t)
	f.check(t)

	f.clock.Advance(2 * time.Hour)
	f.feed.FailSnapshot(domain.ErrFeedUnavailable)
	tr, err := f.machine.CheckStatus(context.Background())
	require.ErrorIs(t, err, domain.ErrFeedUnavailable)
	assert.Equal(t, domain.CycleStatusBuffer, tr.To)
	assert.Equal(t, int64(1), f.current(t).ID)
}

func TestTransitionsFollowFixedOrder(t *testing.T) {
	f := newFixture(t, kol("a", 2))
	f.chain.SetOpenPositions(chaintest.Address(1), 1)

	for range 2 {
		for range 3 {
			f.check(t)
			f.clock.Advance(10 * time.Minute)
		}
		f.clock.Advance(72 * time.Hour)
		for range 4 {
			f.check(t)
		}
		f.clock.Advance(2 * time.Hour)
		f.check(t)
		f.check(t)
	}

	assert.Equal(t, []string{
		"not_started>active",
		"active>ending",
		"ending>buffer",
		"buffer>active",
		"active>ending",
		"ending>buffer",
		"buffer>active",
	}, f.events.transitions())
}
