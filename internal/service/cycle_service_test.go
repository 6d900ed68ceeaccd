package service_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kolcycle/internal/cache/redis"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/service"
)

type memArchive struct {
	cycles map[int64]domain.MarketCycle
}

func (a *memArchive) Archive(_ context.Context, c domain.MarketCycle) error {
	a.cycles[c.ID] = c
	return nil
}

func (a *memArchive) Load(_ context.Context, id int64) (domain.MarketCycle, error) {
	c, ok := a.cycles[id]
	if !ok {
		return domain.MarketCycle{}, domain.ErrNotFound
	}
	return c, nil
}

type memAudit struct {
	lastOpts domain.ListOpts
}

func (a *memAudit) Log(context.Context, string, map[string]any) error { return nil }

func (a *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.lastOpts = opts
	return []domain.AuditEntry{{ID: 1, Event: "cycle_transitioned"}}, nil
}

func newService(t *testing.T, archive domain.CycleArchive, audit domain.AuditStore) (*service.CycleService, *redis.CycleStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	store := redis.NewCycleStore(c, redis.DefaultStoreConfig())
	bus := redis.NewEventBus(c, 100)
	svc := service.NewCycleService(store, bus, audit, archive, slog.New(slog.DiscardHandler))
	return svc, store, mr
}

func TestCycleService_Current(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, nil, nil)

	_, err := svc.Current(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutCycle(ctx, domain.MarketCycle{
		ID:             3,
		Status:         domain.CycleStatusActive,
		StartTime:      start,
		EndTime:        start.Add(72 * time.Hour),
		GlobalExpiry:   start.Add(72 * time.Hour),
		ActiveEntities: []domain.RankedEntity{{ID: "kol-1", MindshareScore: 4.5, MarketAddress: "0x01"}},
	}))
	require.NoError(t, store.SetCurrentCycleID(ctx, 3))

	got, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, domain.CycleStatusActive, got.Status)
	require.Len(t, got.ActiveEntities, 1)
	assert.Equal(t, "0x01", got.ActiveEntities[0].MarketAddress)
}

func TestCycleService_CycleFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	archive := &memArchive{cycles: map[int64]domain.MarketCycle{
		1: {ID: 1, Status: domain.CycleStatusBuffer},
	}}
	svc, _, _ := newService(t, archive, nil)

	got, err := svc.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusBuffer, got.Status)

	_, err = svc.Cycle(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCycleService_StoreOutage(t *testing.T) {
	svc, _, mr := newService(t, &memArchive{cycles: map[int64]domain.MarketCycle{}}, nil)
	mr.Close()

	_, err := svc.Cycle(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Error(t, svc.Health(context.Background()))
}

func TestCycleService_DeploymentStatus(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, nil, nil)

	require.NoError(t, store.SetDeploymentStatus(ctx, "kol-1", domain.DeploymentStatusCompleted))
	st, err := svc.DeploymentStatus(ctx, "kol-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusCompleted, st)

	_, err = svc.DeploymentStatus(ctx, "kol-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCycleService_RecentEvents(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, nil, nil)

	evs, err := svc.RecentEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCycleService_AuditClampsLimit(t *testing.T) {
	audit := &memAudit{}
	svc, _, _ := newService(t, nil, audit)

	entries, err := svc.Audit(context.Background(), domain.ListOpts{Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 50, audit.lastOpts.Limit)
}

func TestCycleService_AuditWithoutStore(t *testing.T) {
	svc, _, _ := newService(t, nil, nil)
	_, err := svc.Audit(context.Background(), domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, domain.Event) error {
	p.calls++
	return errors.New("sink down")
}

type recordingPublisher struct{ events []domain.Event }

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func TestEventFanOut_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &failingPublisher{}
	good := &recordingPublisher{}
	fan := service.NewEventFanOut(slog.New(slog.DiscardHandler),
		service.NamedPublisher{Name: "bad", Publisher: bad},
		service.NamedPublisher{Name: "none", Publisher: nil},
		service.NamedPublisher{Name: "good", Publisher: good},
	)

	ev := domain.MarketDeployed("kol-1", "0x01", time.Now())
	err := fan.Publish(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: sink down")
	assert.Equal(t, 1, bad.calls)
	require.Len(t, good.events, 1)
	assert.Equal(t, domain.EventMarketDeployed, good.events[0].Type)
}
