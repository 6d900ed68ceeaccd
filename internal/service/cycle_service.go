// Package service holds the read-side operations behind the operator API and
// the event fan-out shared by the orchestrator components.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// CycleService answers operator queries about the orchestrator's state.
type CycleService struct {
	store   domain.CycleStore
	events  domain.EventLog
	audit   domain.AuditStore
	archive domain.CycleArchive
	logger  *slog.Logger
}

// NewCycleService creates a CycleService. events, audit and archive may be
// nil; the matching queries then report domain.ErrNotFound.
func NewCycleService(
	store domain.CycleStore,
	events domain.EventLog,
	audit domain.AuditStore,
	archive domain.CycleArchive,
	logger *slog.Logger,
) *CycleService {
	return &CycleService{
		store:   store,
		events:  events,
		audit:   audit,
		archive: archive,
		logger:  logger.With(slog.String("component", "cycle_service")),
	}
}

// Health pings the cycle store.
func (s *CycleService) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Current returns the current cycle with its entity lists.
func (s *CycleService) Current(ctx context.Context) (domain.MarketCycle, error) {
	id, err := s.store.GetCurrentCycleID(ctx)
	if err != nil {
		return domain.MarketCycle{}, fmt.Errorf("cycle_service: current cycle id: %w", err)
	}
	return s.Cycle(ctx, id)
}

// Cycle returns a cycle by id, falling back to the archive once the live
// record has expired.
func (s *CycleService) Cycle(ctx context.Context, id int64) (domain.MarketCycle, error) {
	c, err := s.store.GetCycle(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.archive == nil {
		return domain.MarketCycle{}, fmt.Errorf("cycle_service: get cycle %d: %w", id, err)
	}
	c, err = s.archive.Load(ctx, id)
	if err != nil {
		return domain.MarketCycle{}, fmt.Errorf("cycle_service: load archived cycle %d: %w", id, err)
	}
	return c, nil
}

// DeploymentStatus returns the last recorded deployment state for an entity.
func (s *CycleService) DeploymentStatus(ctx context.Context, entityID string) (domain.DeploymentStatus, error) {
	st, err := s.store.GetDeploymentStatus(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("cycle_service: deployment status %s: %w", entityID, err)
	}
	return st, nil
}

// RecentEvents returns up to n recent events, newest first.
func (s *CycleService) RecentEvents(ctx context.Context, n int) ([]domain.Event, error) {
	if s.events == nil {
		return nil, fmt.Errorf("cycle_service: event log: %w", domain.ErrNotFound)
	}
	if n <= 0 || n > 500 {
		n = 50
	}
	evs, err := s.events.Recent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("cycle_service: recent events: %w", err)
	}
	return evs, nil
}

// Audit lists audit log entries.
func (s *CycleService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("cycle_service: audit log: %w", domain.ErrNotFound)
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("cycle_service: audit: %w", err)
	}
	return entries, nil
}
