// Package rankingtest provides an in-memory domain.RankingFeed for tests.
package rankingtest

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// Fake serves a settable snapshot and per-entity answers.
type Fake struct {
	mu sync.Mutex

	entities    []domain.RankedEntity
	snapshotErr error
	byID        map[string]domain.RankedEntity
	entityErrs  map[string]error
	entityCalls []string
	snapshots   int
}

// New returns a Fake serving the given snapshot.
func New(entities ...domain.RankedEntity) *Fake {
	f := &Fake{byID: make(map[string]domain.RankedEntity), entityErrs: make(map[string]error)}
	f.SetSnapshot(entities...)
	return f
}

// SetSnapshot replaces the ranking and clears any snapshot error.
func (f *Fake) SetSnapshot(entities ...domain.RankedEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append([]domain.RankedEntity{}, entities...)
	f.snapshotErr = nil
}

// FailSnapshot makes FetchSnapshot return err until the next SetSnapshot.
func (f *Fake) FailSnapshot(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

// SetEntity sets the FetchEntity answer for e.ID.
func (f *Fake) SetEntity(e domain.RankedEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[e.ID] = e
	delete(f.entityErrs, e.ID)
}

// FailEntity makes FetchEntity(id) return err.
func (f *Fake) FailEntity(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityErrs[id] = err
}

// FetchSnapshot implements domain.RankingFeed.
func (f *Fake) FetchSnapshot(context.Context) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.snapshotErr != nil {
		return domain.Snapshot{}, f.snapshotErr
	}
	return domain.Snapshot{
		Entities:  append([]domain.RankedEntity{}, f.entities...),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FetchEntity implements domain.RankingFeed.
func (f *Fake) FetchEntity(_ context.Context, id string) (domain.RankedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityCalls = append(f.entityCalls, id)
	if err := f.entityErrs[id]; err != nil {
		return domain.RankedEntity{}, err
	}
	e, ok := f.byID[id]
	if !ok {
		return domain.RankedEntity{}, domain.ErrNotFound
	}
	return e, nil
}

// EntityCalls returns the ids FetchEntity was called with, in order.
func (f *Fake) EntityCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.entityCalls...)
}

// SnapshotCalls returns how many times FetchSnapshot was called.
func (f *Fake) SnapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

// Compile-time interface check.
var _ domain.RankingFeed = (*Fake)(nil)
