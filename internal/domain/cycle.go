package domain

import "time"

// CycleStatus tracks where the current market cycle is in its lifecycle.
type CycleStatus string

const (
	CycleStatusNotStarted CycleStatus = "not_started"
	CycleStatusActive     CycleStatus = "active"
	CycleStatusEnding     CycleStatus = "ending"
	CycleStatusBuffer     CycleStatus = "buffer"
)

// Valid reports whether s is one of the known statuses.
func (s CycleStatus) Valid() bool {
	switch s {
	case CycleStatusNotStarted, CycleStatusActive, CycleStatusEnding, CycleStatusBuffer:
		return true
	}
	return false
}

// RankedEntity is one KOL row from a ranking snapshot. MarketAddress is empty
// until a market has been deployed for the entity and never changes after.
type RankedEntity struct {
	ID             string  `json:"id"`
	MindshareScore float64 `json:"mindshare_score"`
	DisplayName    string  `json:"display_name"`
	MarketAddress  string  `json:"market_address,omitempty"`
}

// HasMarket reports whether a market has been deployed for the entity.
func (e RankedEntity) HasMarket() bool {
	return e.MarketAddress != ""
}

// CrashedEntity is an entity that held a market but dropped out of the
// latest ranking snapshot.
type CrashedEntity struct {
	RankedEntity
	CrashedOutAt time.Time `json:"crashed_out_at"`
}

// MarketCycle is one fixed-length trading period shared by every market.
type MarketCycle struct {
	ID                 int64           `json:"id"`
	Status             CycleStatus     `json:"status"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
	BufferEndTime      *time.Time      `json:"buffer_end_time,omitempty"`
	GlobalExpiry       time.Time       `json:"global_expiry"`
	ActiveEntities     []RankedEntity  `json:"active_entities"`
	CrashedOutEntities []CrashedEntity `json:"crashed_out_entities"`
}

// Markets returns the deduplicated market addresses tracked by the cycle,
// active entities first.
func (c MarketCycle) Markets() []string {
	seen := make(map[string]bool, len(c.ActiveEntities)+len(c.CrashedOutEntities))
	var out []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, e := range c.ActiveEntities {
		add(e.MarketAddress)
	}
	for _, e := range c.CrashedOutEntities {
		add(e.MarketAddress)
	}
	return out
}

// KnownMarkets maps entity id to market address for every entity in the
// cycle that has one.
func (c MarketCycle) KnownMarkets() map[string]string {
	out := make(map[string]string, len(c.ActiveEntities)+len(c.CrashedOutEntities))
	for _, e := range c.CrashedOutEntities {
		if e.HasMarket() {
			out[e.ID] = e.MarketAddress
		}
	}
	for _, e := range c.ActiveEntities {
		if e.HasMarket() {
			out[e.ID] = e.MarketAddress
		}
	}
	return out
}

// MarketPosition tracks open position token ids for a deployed market.
type MarketPosition struct {
	MarketAddress  string  `json:"market_address"`
	CycleID        int64   `json:"cycle_id"`
	ActiveTokenIDs []int64 `json:"active_token_ids"`
	IsActive       bool    `json:"is_active"`
}

// DeploymentStatus is the transient state of a market deployment attempt.
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusCompleted DeploymentStatus = "completed"
	DeploymentStatusFailed    DeploymentStatus = "failed"
)

// Snapshot is one pull of the ranking feed.
type Snapshot struct {
	Entities  []RankedEntity
	FetchedAt time.Time
}

// MindsharePoint is one recorded score for an entity's market.
type MindsharePoint struct {
	MarketAddress string
	EntityID      string
	Score         float64
	RecordedAt    time.Time
}
