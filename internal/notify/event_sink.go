package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// EventSink adapts a Notifier to domain.EventPublisher.
type EventSink struct {
	notifier *Notifier
}

// NewEventSink wraps n.
func NewEventSink(n *Notifier) *EventSink {
	return &EventSink{notifier: n}
}

// Publish renders ev and hands it to the notifier under its event type.
func (s *EventSink) Publish(ctx context.Context, ev domain.Event) error {
	title, msg := render(ev)
	return s.notifier.Notify(ctx, string(ev.Type), title, msg)
}

func render(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventMarketDeployed:
		return "Market deployed", fmt.Sprintf("entity %s -> %s", ev.EntityID, ev.MarketAddress)
	case domain.EventMarketDeploymentFailed:
		return "Market deployment failed", fmt.Sprintf("entity %s: %s", ev.EntityID, ev.Reason)
	case domain.EventCycleTransitioned:
		return "Cycle transition", fmt.Sprintf("cycle %d: %s -> %s", ev.CycleID, ev.From, ev.To)
	default:
		return string(ev.Type), ev.Timestamp.String()
	}
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventSink)(nil)
