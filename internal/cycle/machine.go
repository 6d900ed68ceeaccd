// Package cycle drives the market cycle lifecycle: genesis, hourly
// reconciliation against the ranking feed, and the
// Active -> Ending -> Buffer -> Active rotation.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kolcycle/internal/deploy"
	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/retry"
)

// ErrNoGenesisMarket is returned when no entity in the first snapshot could
// get a market.
var ErrNoGenesisMarket = errors.New("cycle: no genesis market deployed")

// Deployer deploys markets for entities.
type Deployer interface {
	DeployMarket(ctx context.Context, entityID string, isGenesis bool) (string, error)
	DeployMissingMarkets(ctx context.Context, entityIDs []string, isGenesis bool) deploy.BatchResult
}

// Deps are the collaborators of a Machine. History, Archive, Audit and
// Events are optional.
type Deps struct {
	Store    domain.CycleStore
	Feed     domain.RankingFeed
	Chain    domain.ChainClient
	Deployer Deployer
	History  domain.MindshareStore
	Archive  domain.CycleArchive
	Audit    domain.AuditStore
	Events   domain.EventPublisher
}

// Config tunes cycle timing.
type Config struct {
	CycleDuration  time.Duration
	BufferDuration time.Duration
	// HistoryDepth is how many stored scores feed a reset without fresh data.
	HistoryDepth int
	Retry        retry.Policy
	Now          func() time.Time
}

// DefaultConfig is a 72h cycle followed by a 1h buffer.
func DefaultConfig() Config {
	return Config{
		CycleDuration:  72 * time.Hour,
		BufferDuration: time.Hour,
		HistoryDepth:   24,
		Retry:          retry.Default(),
	}
}

// Transition reports what a status check did.
type Transition struct {
	CycleID int64
	From    domain.CycleStatus
	To      domain.CycleStatus
}

// Changed reports whether the check moved the cycle to a new status.
func (t Transition) Changed() bool { return t.From != t.To }

// IngestResult summarizes one reconciliation pass.
type IngestResult struct {
	CycleID int64
	// Skipped is set when the pass did nothing, with the reason.
	Skipped      string
	Active       int
	NewlyCrashed []string
	Recovered    []string
	Deployed     []deploy.Deployment
	Failed       []deploy.Failure
}

// Machine applies feed snapshots and time to the persisted cycle. It keeps
// no cycle state between calls; every call starts from the store.
type Machine struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewMachine creates a Machine. Zero Config fields take DefaultConfig
// values.
func NewMachine(deps Deps, cfg Config, logger *slog.Logger) *Machine {
	def := DefaultConfig()
	if cfg.CycleDuration <= 0 {
		cfg.CycleDuration = def.CycleDuration
	}
	if cfg.BufferDuration <= 0 {
		cfg.BufferDuration = def.BufferDuration
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = def.HistoryDepth
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = def.Retry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		deps:   deps,
		cfg:    cfg,
		now:    now,
		logger: logger.With(slog.String("component", "cycle")),
	}
}

// Ingest reconciles the current cycle against a fresh ranking snapshot. It
// only acts on an Active cycle before its end time. When the feed fails or
// returns nothing the last known sets are kept and the error is returned.
func (m *Machine) Ingest(ctx context.Context) (IngestResult, error) {
	cycle, err := m.current(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return IngestResult{Skipped: "no cycle"}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("cycle: ingest: %w", err)
	}

	res := IngestResult{CycleID: cycle.ID}
	if cycle.Status != domain.CycleStatusActive {
		res.Skipped = "cycle " + string(cycle.Status)
		return res, nil
	}
	now := m.now()
	if !now.Before(cycle.EndTime) {
		res.Skipped = "cycle ended"
		return res, nil
	}

	entities, err := m.snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("cycle: ingest %d: %w", cycle.ID, err)
	}
	res, err = m.apply(ctx, cycle, entities, now)
	if err != nil {
		return res, fmt.Errorf("cycle: ingest %d: %w", cycle.ID, err)
	}
	return res, nil
}

// apply writes a reconciliation to the store and deploys markets for new
// entities.
func (m *Machine) apply(ctx context.Context, cycle domain.MarketCycle, entities []domain.RankedEntity, now time.Time) (IngestResult, error) {
	st := m.deps.Store
	r := Reconcile(cycle.ActiveEntities, cycle.CrashedOutEntities, entities, now)
	res := IngestResult{CycleID: cycle.ID}

	if err := st.ApplyReconciliation(ctx, cycle.ID, r.NewlyCrashed, r.Active, r.Recovered); err != nil {
		return res, err
	}
	for _, c := range r.NewlyCrashed {
		res.NewlyCrashed = append(res.NewlyCrashed, c.ID)
		m.logger.InfoContext(ctx, "entity crashed out",
			slog.Int64("cycle_id", cycle.ID),
			slog.String("entity_id", c.ID),
			slog.String("market", c.MarketAddress),
		)
	}
	res.Recovered = append(res.Recovered, r.Recovered...)

	active := r.Active
	if len(r.Pending) > 0 {
		batch := m.deps.Deployer.DeployMissingMarkets(ctx, r.Pending, false)
		res.Deployed = batch.Deployed
		res.Failed = batch.Failed
		if len(batch.Deployed) > 0 {
			markets := make(map[string]string, len(batch.Deployed))
			for _, d := range batch.Deployed {
				markets[d.EntityID] = d.Market
			}
			active = withAddresses(active, markets)
			if err := st.SetActiveEntities(ctx, cycle.ID, active); err != nil {
				return res, err
			}
		}
	}
	res.Active = len(active)

	m.trackPositions(ctx, cycle.ID, active)
	m.recordHistory(ctx, active, now)

	m.logger.InfoContext(ctx, "snapshot reconciled",
		slog.Int64("cycle_id", cycle.ID),
		slog.Int("active", res.Active),
		slog.Int("crashed", len(res.NewlyCrashed)),
		slog.Int("recovered", len(res.Recovered)),
		slog.Int("deployed", len(res.Deployed)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// CheckStatus advances the cycle by at most one transition.
func (m *Machine) CheckStatus(ctx context.Context) (Transition, error) {
	id, err := m.deps.Store.GetCurrentCycleID(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return m.startGenesis(ctx)
	}
	if err != nil {
		return Transition{}, fmt.Errorf("cycle: check status: %w", err)
	}
	cycle, err := m.deps.Store.GetCycle(ctx, id)
	if err != nil {
		return Transition{}, fmt.Errorf("cycle: check status: %w", err)
	}

	now := m.now()
	stay := Transition{CycleID: cycle.ID, From: cycle.Status, To: cycle.Status}
	switch cycle.Status {
	case domain.CycleStatusActive:
		if now.Before(cycle.EndTime) {
			return stay, nil
		}
		return m.beginEnding(ctx, cycle, now)
	case domain.CycleStatusEnding:
		return m.finishEnding(ctx, cycle, now)
	case domain.CycleStatusBuffer:
		if cycle.BufferEndTime != nil && now.Before(*cycle.BufferEndTime) {
			return stay, nil
		}
		return m.startNext(ctx, cycle, now)
	default:
		return stay, fmt.Errorf("cycle: check status: cycle %d has status %q", cycle.ID, cycle.Status)
	}
}

// startGenesis deploys the first market, in rank order, and opens cycle
// one around it. The rest of the snapshot is then reconciled as a normal
// ingestion.
func (m *Machine) startGenesis(ctx context.Context) (Transition, error) {
	hold := Transition{From: domain.CycleStatusNotStarted, To: domain.CycleStatusNotStarted}

	entities, err := m.snapshot(ctx)
	if err != nil {
		return hold, fmt.Errorf("cycle: genesis: %w", err)
	}

	var (
		genesis domain.RankedEntity
		lastErr error
	)
	for _, e := range entities {
		market, err := m.deps.Deployer.DeployMarket(ctx, e.ID, true)
		if err != nil {
			if deploy.IsInProgress(err) {
				return hold, fmt.Errorf("cycle: genesis: %w", err)
			}
			lastErr = err
			continue
		}
		genesis = e
		genesis.MarketAddress = market
		break
	}
	if !genesis.HasMarket() {
		return hold, errors.Join(ErrNoGenesisMarket, lastErr)
	}

	now := m.now()
	id, err := m.deps.Store.NextCycleID(ctx)
	if err != nil {
		return hold, fmt.Errorf("cycle: genesis: %w", err)
	}
	cycle := m.newCycle(id, now, []domain.RankedEntity{genesis})
	if err := m.open(ctx, cycle); err != nil {
		return hold, fmt.Errorf("cycle: genesis: %w", err)
	}

	m.trackPositions(ctx, cycle.ID, cycle.ActiveEntities)
	m.transitioned(ctx, cycle.ID, domain.CycleStatusNotStarted, domain.CycleStatusActive, map[string]any{
		"genesis_entity": genesis.ID,
		"market":         genesis.MarketAddress,
	})

	if _, err := m.apply(ctx, cycle, entities, now); err != nil {
		m.logger.WarnContext(ctx, "genesis reconciliation failed",
			slog.Int64("cycle_id", cycle.ID),
			slog.String("error", err.Error()),
		)
	}
	return Transition{CycleID: cycle.ID, From: domain.CycleStatusNotStarted, To: domain.CycleStatusActive}, nil
}

// beginEnding moves an expired cycle to Ending and makes the first pass at
// closing its positions.
func (m *Machine) beginEnding(ctx context.Context, cycle domain.MarketCycle, now time.Time) (Transition, error) {
	if err := m.deps.Store.SetCycleStatus(ctx, cycle.ID, domain.CycleStatusEnding); err != nil {
		return Transition{CycleID: cycle.ID, From: cycle.Status, To: cycle.Status}, fmt.Errorf("cycle: end %d: %w", cycle.ID, err)
	}
	m.transitioned(ctx, cycle.ID, domain.CycleStatusActive, domain.CycleStatusEnding, map[string]any{
		"end_time": cycle.EndTime.Format(time.RFC3339),
		"markets":  len(cycle.Markets()),
	})
	open := m.closeAll(ctx, cycle)
	m.logger.InfoContext(ctx, "cycle ending",
		slog.Int64("cycle_id", cycle.ID),
		slog.Int("markets_pending", open),
		slog.Duration("overrun", now.Sub(cycle.EndTime)),
	)
	return Transition{CycleID: cycle.ID, From: domain.CycleStatusActive, To: domain.CycleStatusEnding}, nil
}

// finishEnding moves to Buffer once every market reports no open positions
// and has been reset. Anything still open is closed again.
func (m *Machine) finishEnding(ctx context.Context, cycle domain.MarketCycle, now time.Time) (Transition, error) {
	stay := Transition{CycleID: cycle.ID, From: domain.CycleStatusEnding, To: domain.CycleStatusEnding}

	if open := m.closeAll(ctx, cycle); open > 0 {
		m.logger.WarnContext(ctx, "positions still open",
			slog.Int64("cycle_id", cycle.ID),
			slog.Int("markets", open),
		)
		return stay, nil
	}

	entities, err := m.snapshot(ctx)
	if err != nil {
		return stay, fmt.Errorf("cycle: reset %d: %w", cycle.ID, err)
	}
	if err := m.resetMarkets(ctx, cycle, entities); err != nil {
		return stay, fmt.Errorf("cycle: reset %d: %w", cycle.ID, err)
	}

	for _, addr := range cycle.Markets() {
		pos := domain.MarketPosition{MarketAddress: addr, CycleID: cycle.ID, ActiveTokenIDs: []int64{}}
		if err := m.deps.Store.PutMarketPosition(ctx, pos); err != nil {
			return stay, fmt.Errorf("cycle: reset %d: %w", cycle.ID, err)
		}
	}

	bufferEnd := now.Add(m.cfg.BufferDuration).UTC()
	cycle.BufferEndTime = &bufferEnd
	cycle.Status = domain.CycleStatusBuffer
	if err := m.deps.Store.PutCycle(ctx, cycle); err != nil {
		return stay, fmt.Errorf("cycle: buffer %d: %w", cycle.ID, err)
	}
	m.transitioned(ctx, cycle.ID, domain.CycleStatusEnding, domain.CycleStatusBuffer, map[string]any{
		"buffer_end_time": bufferEnd.Format(time.RFC3339),
	})
	return Transition{CycleID: cycle.ID, From: domain.CycleStatusEnding, To: domain.CycleStatusBuffer}, nil
}

// startNext opens a new cycle from a fresh snapshot, carrying every known
// market address forward, and archives the previous one.
func (m *Machine) startNext(ctx context.Context, prev domain.MarketCycle, now time.Time) (Transition, error) {
	stay := Transition{CycleID: prev.ID, From: domain.CycleStatusBuffer, To: domain.CycleStatusBuffer}

	entities, err := m.snapshot(ctx)
	if err != nil {
		return stay, fmt.Errorf("cycle: start after %d: %w", prev.ID, err)
	}
	r := Reconcile(prev.ActiveEntities, prev.CrashedOutEntities, entities, now)

	id, err := m.deps.Store.NextCycleID(ctx)
	if err != nil {
		return stay, fmt.Errorf("cycle: start after %d: %w", prev.ID, err)
	}
	next := m.newCycle(id, now, r.Active)
	if err := m.open(ctx, next); err != nil {
		return stay, fmt.Errorf("cycle: start after %d: %w", prev.ID, err)
	}
	m.transitioned(ctx, next.ID, domain.CycleStatusBuffer, domain.CycleStatusActive, map[string]any{
		"previous_cycle": prev.ID,
		"active":         len(next.ActiveEntities),
		"pending":        len(r.Pending),
	})

	active := next.ActiveEntities
	if len(r.Pending) > 0 {
		batch := m.deps.Deployer.DeployMissingMarkets(ctx, r.Pending, false)
		markets := make(map[string]string, len(batch.Deployed))
		for _, d := range batch.Deployed {
			markets[d.EntityID] = d.Market
		}
		active = withAddresses(active, markets)
		if err := m.deps.Store.SetActiveEntities(ctx, next.ID, active); err != nil {
			m.logger.WarnContext(ctx, "store deployed addresses failed",
				slog.Int64("cycle_id", next.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.trackPositions(ctx, next.ID, active)
	m.retirePositions(ctx, prev, active)
	m.recordHistory(ctx, active, now)
	m.archive(ctx, prev)

	return Transition{CycleID: next.ID, From: domain.CycleStatusBuffer, To: domain.CycleStatusActive}, nil
}

func (m *Machine) newCycle(id int64, start time.Time, active []domain.RankedEntity) domain.MarketCycle {
	start = start.UTC()
	end := start.Add(m.cfg.CycleDuration)
	return domain.MarketCycle{
		ID:             id,
		Status:         domain.CycleStatusActive,
		StartTime:      start,
		EndTime:        end,
		GlobalExpiry:   end,
		ActiveEntities: active,
	}
}

// open persists cycle and points the store at it.
func (m *Machine) open(ctx context.Context, cycle domain.MarketCycle) error {
	if err := m.deps.Store.PutCycle(ctx, cycle); err != nil {
		return err
	}
	return m.deps.Store.SetCurrentCycleID(ctx, cycle.ID)
}

func (m *Machine) current(ctx context.Context) (domain.MarketCycle, error) {
	id, err := m.deps.Store.GetCurrentCycleID(ctx)
	if err != nil {
		return domain.MarketCycle{}, err
	}
	return m.deps.Store.GetCycle(ctx, id)
}

// snapshot fetches the ranking. A feed error or an empty ranking is
// domain.ErrFeedUnavailable, never an empty active set.
func (m *Machine) snapshot(ctx context.Context) ([]domain.RankedEntity, error) {
	snap, err := m.deps.Feed.FetchSnapshot(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrFeedUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, err)
	}
	entities := dedupe(snap.Entities)
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, domain.ErrEmptySnapshot)
	}
	return entities, nil
}

// closeAll closes every open position of the cycle's markets and returns
// how many markets still need attention: those that had positions to close
// or could not be queried.
func (m *Machine) closeAll(ctx context.Context, cycle domain.MarketCycle) int {
	pending := 0
	for _, addr := range cycle.Markets() {
		log := m.logger.With(slog.Int64("cycle_id", cycle.ID), slog.String("market", addr))

		ids, err := retry.Value(ctx, m.cfg.Retry, domain.IsTransient, func(ctx context.Context, _ int) ([]int64, error) {
			return m.deps.Chain.GetOpenPositions(ctx, addr)
		})
		if err != nil {
			log.WarnContext(ctx, "query open positions failed", slog.String("error", err.Error()))
			pending++
			ids = m.storedPositions(ctx, addr)
		}
		if len(ids) == 0 {
			continue
		}
		if err == nil {
			pending++
		}

		var remaining []int64
		for _, tokenID := range ids {
			err := retry.Do(ctx, m.cfg.Retry.Untimed(), domain.IsTransient, func(ctx context.Context, _ int) error {
				return m.deps.Chain.ClosePosition(ctx, addr, tokenID)
			})
			if err != nil {
				log.WarnContext(ctx, "close position failed",
					slog.Int64("token_id", tokenID),
					slog.String("error", err.Error()),
				)
				remaining = append(remaining, tokenID)
			}
		}
		pos := domain.MarketPosition{MarketAddress: addr, CycleID: cycle.ID, ActiveTokenIDs: remaining, IsActive: true}
		if err := m.deps.Store.PutMarketPosition(ctx, pos); err != nil {
			log.WarnContext(ctx, "store market position failed", slog.String("error", err.Error()))
		}
		log.InfoContext(ctx, "positions closed",
			slog.Int("closed", len(ids)-len(remaining)),
			slog.Int("remaining", len(remaining)),
		)
	}
	return pending
}

func (m *Machine) storedPositions(ctx context.Context, addr string) []int64 {
	pos, err := m.deps.Store.GetMarketPosition(ctx, addr)
	if err != nil {
		return nil
	}
	return pos.ActiveTokenIDs
}

// resetMarkets resets every market of the cycle. Entities in the snapshot
// use their fresh score; the rest fall back to stored history, or to no
// scores at all when none was recorded.
func (m *Machine) resetMarkets(ctx context.Context, cycle domain.MarketCycle, entities []domain.RankedEntity) error {
	fresh := make(map[string]float64, len(entities))
	for _, e := range entities {
		fresh[e.ID] = e.MindshareScore
	}

	var errs []error
	reset := func(e domain.RankedEntity) {
		score, ok := fresh[e.ID]
		scores := []float64{score}
		if !ok {
			scores = m.historyScores(ctx, e)
		}
		err := retry.Do(ctx, m.cfg.Retry.Untimed(), domain.IsTransient, func(ctx context.Context, _ int) error {
			return m.deps.Chain.ResetMarket(ctx, e.MarketAddress, scores)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("market %s: %w", e.MarketAddress, err))
			return
		}
		m.logger.InfoContext(ctx, "market reset",
			slog.Int64("cycle_id", cycle.ID),
			slog.String("entity_id", e.ID),
			slog.String("market", e.MarketAddress),
			slog.Bool("fresh", ok),
			slog.Int("scores", len(scores)),
		)
	}

	seen := make(map[string]bool)
	for _, e := range cycle.ActiveEntities {
		if e.HasMarket() && !seen[e.MarketAddress] {
			seen[e.MarketAddress] = true
			reset(e)
		}
	}
	for _, c := range cycle.CrashedOutEntities {
		if c.HasMarket() && !seen[c.MarketAddress] {
			seen[c.MarketAddress] = true
			reset(c.RankedEntity)
		}
	}
	return errors.Join(errs...)
}

// historyScores returns the stored scores of a market, oldest first.
func (m *Machine) historyScores(ctx context.Context, e domain.RankedEntity) []float64 {
	log := m.logger.With(slog.String("entity_id", e.ID), slog.String("market", e.MarketAddress))
	if m.deps.History == nil {
		log.WarnContext(ctx, "no mindshare history store, resetting with empty scores")
		return []float64{}
	}
	points, err := m.deps.History.History(ctx, e.MarketAddress, m.cfg.HistoryDepth)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.WarnContext(ctx, "mindshare history read failed", slog.String("error", err.Error()))
		}
		log.WarnContext(ctx, "no mindshare history, resetting with empty scores")
		return []float64{}
	}
	scores := make([]float64, len(points))
	for i, p := range points {
		scores[len(points)-1-i] = p.Score
	}
	return scores
}

// trackPositions makes sure every market in entities has a position record
// bound to cycleID.
// retirePositions marks the positions of prev's markets that did not carry
// over into kept as inactive.
func (m *Machine) retirePositions(ctx context.Context, prev domain.MarketCycle, kept []domain.RankedEntity) {
	carried := make(map[string]bool, len(kept))
	for _, e := range kept {
		if e.HasMarket() {
			carried[e.MarketAddress] = true
		}
	}
	for _, addr := range prev.Markets() {
		if carried[addr] {
			continue
		}
		pos, err := m.deps.Store.GetMarketPosition(ctx, addr)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !pos.IsActive) {
			continue
		}
		if err != nil {
			m.logger.WarnContext(ctx, "read market position failed",
				slog.String("market", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		pos.IsActive = false
		if err := m.deps.Store.PutMarketPosition(ctx, pos); err != nil {
			m.logger.WarnContext(ctx, "store market position failed",
				slog.String("market", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.InfoContext(ctx, "market retired",
			slog.Int64("cycle_id", prev.ID),
			slog.String("market", addr),
		)
	}
}

func (m *Machine) trackPositions(ctx context.Context, cycleID int64, entities []domain.RankedEntity) {
	for _, e := range entities {
		if !e.HasMarket() {
			continue
		}
		pos, err := m.deps.Store.GetMarketPosition(ctx, e.MarketAddress)
		switch {
		case err == nil && pos.CycleID == cycleID && pos.IsActive:
			continue
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			m.logger.WarnContext(ctx, "read market position failed",
				slog.String("market", e.MarketAddress),
				slog.String("error", err.Error()),
			)
			continue
		}
		next := domain.MarketPosition{MarketAddress: e.MarketAddress, CycleID: cycleID, ActiveTokenIDs: pos.ActiveTokenIDs, IsActive: true}
		if err := m.deps.Store.PutMarketPosition(ctx, next); err != nil {
			m.logger.WarnContext(ctx, "store market position failed",
				slog.String("market", e.MarketAddress),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Machine) recordHistory(ctx context.Context, entities []domain.RankedEntity, at time.Time) {
	if m.deps.History == nil {
		return
	}
	points := make([]domain.MindsharePoint, 0, len(entities))
	for _, e := range entities {
		if e.HasMarket() {
			points = append(points, domain.MindsharePoint{
				MarketAddress: e.MarketAddress,
				EntityID:      e.ID,
				Score:         e.MindshareScore,
				RecordedAt:    at.UTC(),
			})
		}
	}
	if len(points) == 0 {
		return
	}
	if err := m.deps.History.Record(ctx, points); err != nil {
		m.logger.WarnContext(ctx, "record mindshare history failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) archive(ctx context.Context, cycle domain.MarketCycle) {
	if m.deps.Archive == nil {
		return
	}
	if err := m.deps.Archive.Archive(ctx, cycle); err != nil {
		m.logger.WarnContext(ctx, "archive cycle failed",
			slog.Int64("cycle_id", cycle.ID),
			slog.String("error", err.Error()),
		)
	}
}

// transitioned logs, publishes and audits a status change.
func (m *Machine) transitioned(ctx context.Context, id int64, from, to domain.CycleStatus, detail map[string]any) {
	m.logger.InfoContext(ctx, "cycle transitioned",
		slog.Int64("cycle_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if m.deps.Events != nil {
		if err := m.deps.Events.Publish(ctx, domain.CycleTransitioned(id, from, to, m.now())); err != nil {
			m.logger.WarnContext(ctx, "publish transition failed", slog.String("error", err.Error()))
		}
	}
	if m.deps.Audit != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["cycle_id"] = id
		detail["from"] = string(from)
		detail["to"] = string(to)
		if err := m.deps.Audit.Log(ctx, string(domain.EventCycleTransitioned), detail); err != nil {
			m.logger.WarnContext(ctx, "audit transition failed", slog.String("error", err.Error()))
		}
	}
}
