package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// NamedPublisher labels a publisher for error reporting.
type NamedPublisher struct {
	Name      string
	Publisher domain.EventPublisher
}

// EventFanOut implements domain.EventPublisher by delivering every event to
// each sink in order. A failing sink does not stop the others.
type EventFanOut struct {
	sinks  []NamedPublisher
	logger *slog.Logger
}

// NewEventFanOut creates a fan-out over sinks; nil publishers are dropped.
func NewEventFanOut(logger *slog.Logger, sinks ...NamedPublisher) *EventFanOut {
	kept := make([]NamedPublisher, 0, len(sinks))
	for _, s := range sinks {
		if s.Publisher != nil {
			kept = append(kept, s)
		}
	}
	return &EventFanOut{sinks: kept, logger: logger.With(slog.String("component", "events"))}
}

// Publish delivers ev to every sink and joins their errors.
func (f *EventFanOut) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			f.logger.WarnContext(ctx, "event sink failed",
				slog.String("sink", s.Name),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventFanOut)(nil)
