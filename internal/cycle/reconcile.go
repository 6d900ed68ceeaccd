package cycle

import (
	"time"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// Reconciliation is a ranking snapshot applied to a cycle's entity sets.
type Reconciliation struct {
	// Active is the new active list in snapshot order, with every known
	// market address carried over.
	Active []domain.RankedEntity
	// NewlyCrashed holds entities that had a market and left the ranking.
	NewlyCrashed []domain.CrashedEntity
	// Recovered lists crashed entities that are back in the ranking.
	Recovered []string
	// Pending lists active entities that still need a market.
	Pending []string
}

// Reconcile applies snapshot to the current active and crashed sets. It
// never changes an address that is already known, and an entity already
// crashed is never crashed again. Duplicate ids in snapshot keep their
// first occurrence.
func Reconcile(active []domain.RankedEntity, crashed []domain.CrashedEntity, snapshot []domain.RankedEntity, now time.Time) Reconciliation {
	known := make(map[string]string, len(active)+len(crashed))
	isCrashed := make(map[string]bool, len(crashed))
	for _, c := range crashed {
		isCrashed[c.ID] = true
		if c.HasMarket() {
			known[c.ID] = c.MarketAddress
		}
	}
	for _, e := range active {
		if e.HasMarket() {
			known[e.ID] = e.MarketAddress
		}
	}

	var r Reconciliation
	ranked := make(map[string]bool, len(snapshot))
	for _, e := range dedupe(snapshot) {
		ranked[e.ID] = true
		if addr, ok := known[e.ID]; ok {
			e.MarketAddress = addr
		}
		r.Active = append(r.Active, e)
		if !e.HasMarket() {
			r.Pending = append(r.Pending, e.ID)
		}
	}

	for _, e := range active {
		if !e.HasMarket() || ranked[e.ID] || isCrashed[e.ID] {
			continue
		}
		r.NewlyCrashed = append(r.NewlyCrashed, domain.CrashedEntity{RankedEntity: e, CrashedOutAt: now.UTC()})
	}
	for _, c := range crashed {
		if ranked[c.ID] {
			r.Recovered = append(r.Recovered, c.ID)
		}
	}
	return r
}

// dedupe drops entities without an id and repeated ids, keeping order.
func dedupe(entities []domain.RankedEntity) []domain.RankedEntity {
	seen := make(map[string]bool, len(entities))
	out := make([]domain.RankedEntity, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

// withAddresses fills empty addresses in entities from markets.
func withAddresses(entities []domain.RankedEntity, markets map[string]string) []domain.RankedEntity {
	out := make([]domain.RankedEntity, len(entities))
	for i, e := range entities {
		if !e.HasMarket() {
			e.MarketAddress = markets[e.ID]
		}
		out[i] = e
	}
	return out
}
