package domain

import (
	"context"
	"time"
)

// EventType names a domain event emitted by the orchestrator.
type EventType string

const (
	EventMarketDeployed         EventType = "market_deployed"
	EventMarketDeploymentFailed EventType = "market_deployment_failed"
	EventCycleTransitioned      EventType = "cycle_transitioned"
)

// Event is the envelope for everything the orchestrator publishes. Only the
// fields relevant to Type are set.
type Event struct {
	Type          EventType   `json:"type"`
	EntityID      string      `json:"entity_id,omitempty"`
	MarketAddress string      `json:"market_address,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CycleID       int64       `json:"cycle_id,omitempty"`
	From          CycleStatus `json:"from,omitempty"`
	To            CycleStatus `json:"to,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// MarketDeployed builds the success event for a deployment.
func MarketDeployed(entityID, market string, ts time.Time) Event {
	return Event{
		Type:          EventMarketDeployed,
		EntityID:      entityID,
		MarketAddress: market,
		Timestamp:     ts.UTC(),
	}
}

// MarketDeploymentFailed builds the failure event for a deployment.
func MarketDeploymentFailed(entityID, reason string, ts time.Time) Event {
	return Event{
		Type:      EventMarketDeploymentFailed,
		EntityID:  entityID,
		Reason:    reason,
		Timestamp: ts.UTC(),
	}
}

// CycleTransitioned builds a lifecycle transition event.
func CycleTransitioned(cycleID int64, from, to CycleStatus, ts time.Time) Event {
	return Event{
		Type:      EventCycleTransitioned,
		CycleID:   cycleID,
		From:      from,
		To:        to,
		Timestamp: ts.UTC(),
	}
}

// EventPublisher delivers domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
