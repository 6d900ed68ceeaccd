// Package scheduler runs the orchestrator's periodic tasks: store health,
// cycle status checks, feed ingestion and the crashed-entity refresh. The
// only state it holds is the store health flag.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kolcycle/internal/cycle"
	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// cycleLockKey serializes ingestion and status checks across instances.
// Within one instance they queue on Scheduler.cycleTurn instead, so neither
// loses a tick to the other.
const cycleLockKey = "cycle"

const refreshLockKey = "cycle:refresh"

// Machine is the cycle state machine the scheduler drives.
type Machine interface {
	Ingest(ctx context.Context) (cycle.IngestResult, error)
	CheckStatus(ctx context.Context) (cycle.Transition, error)
}

// Pinger reports whether the cycle store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config sets task intervals. A zero RefreshInterval disables the refresh
// task.
type Config struct {
	IngestInterval  time.Duration
	StatusInterval  time.Duration
	HealthInterval  time.Duration
	RefreshInterval time.Duration
	// TaskTimeout bounds a single run of any task.
	TaskTimeout time.Duration
	// HealthFailures is how many failed pings in a row mark the store
	// unhealthy. A task hitting domain.ErrStoreUnavailable suspends at once.
	HealthFailures int
}

// DefaultConfig is hourly ingestion, five-minute status checks and a
// one-minute health check.
func DefaultConfig() Config {
	return Config{
		IngestInterval:  time.Hour,
		StatusInterval:  5 * time.Minute,
		HealthInterval:  time.Minute,
		RefreshInterval: 15 * time.Minute,
		TaskTimeout:     10 * time.Minute,
		HealthFailures:  3,
	}
}

type task struct {
	name     string
	interval time.Duration
	lockKey  string
	// serial tasks wait for each other in-process before taking lockKey.
	serial bool
	run    func(ctx context.Context) error
}

// Scheduler runs the tasks until its context is cancelled.
type Scheduler struct {
	machine   Machine
	health    Pinger
	refresher *Refresher
	locks     domain.LockManager
	cfg       Config
	healthy   atomic.Bool
	failures  atomic.Int32
	cycleTurn chan struct{}
	logger    *slog.Logger
}

// New creates a Scheduler. refresher and locks may be nil.
func New(machine Machine, health Pinger, refresher *Refresher, locks domain.LockManager, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.IngestInterval <= 0 {
		cfg.IngestInterval = def.IngestInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = def.HealthFailures
	}
	return &Scheduler{
		machine:   machine,
		health:    health,
		refresher: refresher,
		locks:     locks,
		cfg:       cfg,
		cycleTurn: make(chan struct{}, 1),
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// Healthy reports the last store health result.
func (s *Scheduler) Healthy() bool { return s.healthy.Load() }

// Run checks store health once, then runs every task on its own ticker.
// Each task also runs immediately. Ingestion, status checks and refreshes
// are skipped while the store is unhealthy.
func (s *Scheduler) Run(ctx context.Context) error {
	s.checkHealth(ctx)
	s.logger.InfoContext(ctx, "scheduler starting",
		slog.Bool("healthy", s.Healthy()),
		slog.Duration("ingest_interval", s.cfg.IngestInterval),
		slog.Duration("status_interval", s.cfg.StatusInterval),
		slog.Duration("health_interval", s.cfg.HealthInterval),
		slog.Duration("refresh_interval", s.cfg.RefreshInterval),
	)

	tasks := []task{
		{name: "status", interval: s.cfg.StatusInterval, lockKey: cycleLockKey, serial: true, run: s.checkStatus},
		{name: "ingest", interval: s.cfg.IngestInterval, lockKey: cycleLockKey, serial: true, run: s.ingest},
	}
	if s.refresher != nil && s.cfg.RefreshInterval > 0 {
		tasks = append(tasks, task{name: "refresh", interval: s.cfg.RefreshInterval, lockKey: refreshLockKey, run: s.refresh})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.checkHealth(ctx)
			}
		}
	})
	for _, t := range tasks {
		g.Go(func() error {
			s.runTask(ctx, t)
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.runTask(ctx, t)
				}
			}
		})
	}

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RunOnce checks health, then runs one status check and one ingestion.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.checkHealth(ctx)
	if !s.Healthy() {
		return fmt.Errorf("scheduler: %w", domain.ErrStoreUnavailable)
	}
	return errors.Join(s.checkStatus(ctx), s.ingest(ctx))
}

func (s *Scheduler) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.health.Ping(pingCtx)
	if err == nil {
		s.failures.Store(0)
		if !s.healthy.Swap(true) {
			s.logger.InfoContext(ctx, "store healthy, resuming tasks")
		}
		return
	}

	n := int(s.failures.Add(1))
	if n < s.cfg.HealthFailures && s.healthy.Load() {
		s.logger.WarnContext(ctx, "store ping failed",
			slog.Int("failures", n),
			slog.Int("threshold", s.cfg.HealthFailures),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.healthy.Swap(false) {
		s.logger.ErrorContext(ctx, "store unhealthy, suspending tasks",
			slog.Int("failures", n),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "store still unhealthy", slog.String("error", err.Error()))
}

// runTask runs one task under the health gate, its lock and its timeout,
// recovering from panics.
func (s *Scheduler) runTask(ctx context.Context, t task) {
	log := s.logger.With(slog.String("task", t.name))
	if !s.Healthy() {
		log.DebugContext(ctx, "task skipped, store unhealthy")
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if t.serial {
		select {
		case s.cycleTurn <- struct{}{}:
			defer func() { <-s.cycleTurn }()
		case <-taskCtx.Done():
			log.WarnContext(ctx, "task skipped, timed out waiting for its turn")
			return
		}
	}

	if s.locks != nil && t.lockKey != "" {
		unlock, err := s.locks.Acquire(taskCtx, t.lockKey, s.cfg.TaskTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.DebugContext(ctx, "task skipped, held by another instance")
				return
			}
			s.taskFailed(ctx, log, err)
			return
		}
		defer unlock()
	}

	start := time.Now()
	if err := t.run(taskCtx); err != nil {
		s.taskFailed(ctx, log, err)
		return
	}
	log.DebugContext(ctx, "task finished", slog.Duration("took", time.Since(start)))
}

func (s *Scheduler) taskFailed(ctx context.Context, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.healthy.Store(false)
		log.ErrorContext(ctx, "store unavailable, suspending tasks", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrFeedUnavailable):
		log.WarnContext(ctx, "feed unavailable, holding state", slog.String("error", err.Error()))
	default:
		log.ErrorContext(ctx, "task failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) checkStatus(ctx context.Context) error {
	tr, err := s.machine.CheckStatus(ctx)
	if err != nil {
		return err
	}
	if tr.Changed() {
		s.logger.InfoContext(ctx, "cycle status changed",
			slog.Int64("cycle_id", tr.CycleID),
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
		)
	}
	return nil
}

func (s *Scheduler) ingest(ctx context.Context) error {
	res, err := s.machine.Ingest(ctx)
	if err != nil {
		return err
	}
	if res.Skipped != "" {
		s.logger.DebugContext(ctx, "ingestion skipped", slog.String("reason", res.Skipped))
	}
	return nil
}

func (s *Scheduler) refresh(ctx context.Context) error {
	res, err := s.refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	if res.Skipped != "" {
		s.logger.DebugContext(ctx, "refresh skipped", slog.String("reason", res.Skipped))
	}
	return nil
}
