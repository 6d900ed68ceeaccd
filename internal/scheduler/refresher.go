package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// feedRateKey is the shared rate limit bucket for per-entity feed reads.
const feedRateKey = "ranking-feed:entity"

// RefreshConfig tunes the crashed-entity refresher.
type RefreshConfig struct {
	MinBatch  int
	MaxBatch  int
	GrowAfter int
	// RateLimit per RateWindow is the cross-instance budget for entity
	// reads.
	RateLimit  int
	RateWindow time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
	// DelayMin and DelayMax bound the adaptive pause between batches.
	DelayMin time.Duration
	DelayMax time.Duration
	Now      func() time.Time
}

// DefaultRefreshConfig returns conservative refresh settings.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		MinBatch:   1,
		MaxBatch:   8,
		GrowAfter:  3,
		RateLimit:  60,
		RateWindow: time.Minute,
		BackoffMin: 30 * time.Second,
		BackoffMax: 30 * time.Minute,
		DelayMin:   time.Second,
		DelayMax:   time.Minute,
	}
}

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	Skipped     string
	Refreshed   int
	Failed      int
	RateLimited bool
}

// Refresher re-reads the scores of crashed-out entities from the feed and
// records them as mindshare history, so their markets can be reset with
// recent data at cycle end.
type Refresher struct {
	store   domain.CycleStore
	feed    domain.RankingFeed
	history domain.MindshareStore
	limiter domain.RateLimiter
	batcher *AdaptiveBatcher
	cfg     RefreshConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewRefresher creates a Refresher. limiter may be nil.
func NewRefresher(
	store domain.CycleStore,
	feed domain.RankingFeed,
	history domain.MindshareStore,
	limiter domain.RateLimiter,
	cfg RefreshConfig,
	logger *slog.Logger,
) *Refresher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	batcher := NewAdaptiveBatcher(cfg.MinBatch, cfg.MaxBatch, cfg.GrowAfter, cfg.BackoffMin, cfg.BackoffMax)
	batcher.SetDelayRange(cfg.DelayMin, cfg.DelayMax)
	return &Refresher{
		store:   store,
		feed:    feed,
		history: history,
		limiter: limiter,
		batcher: batcher,
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("component", "refresher")),
	}
}

// Batcher exposes the refresher's batch sizing.
func (r *Refresher) Batcher() *AdaptiveBatcher { return r.batcher }

// Refresh runs one pass over the current cycle's crashed-out entities.
func (r *Refresher) Refresh(ctx context.Context) (RefreshResult, error) {
	if wait := r.batcher.Wait(r.now()); wait > 0 {
		return RefreshResult{Skipped: "rate limited, retry in " + wait.Round(time.Second).String()}, nil
	}

	id, err := r.store.GetCurrentCycleID(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return RefreshResult{Skipped: "no cycle"}, nil
	}
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresher: %w", err)
	}
	status, err := r.store.GetCycleStatus(ctx, id)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresher: %w", err)
	}
	if status != domain.CycleStatusActive {
		return RefreshResult{Skipped: "cycle " + string(status)}, nil
	}
	crashed, err := r.store.GetCrashedEntities(ctx, id)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresher: %w", err)
	}
	if len(crashed) == 0 {
		return RefreshResult{Skipped: "nothing crashed"}, nil
	}

	var res RefreshResult
	var points []domain.MindsharePoint
	for start := 0; start < len(crashed); {
		size := r.batcher.Size()
		end := min(start+size, len(crashed))
		pts, failed, limited := r.fetchBatch(ctx, crashed[start:end], size)
		points = append(points, pts...)
		res.Refreshed += len(pts)
		res.Failed += failed

		if limited {
			res.RateLimited = true
			pause := r.batcher.RateLimited(r.now())
			r.logger.WarnContext(ctx, "feed rate limited, backing off",
				slog.Duration("pause", pause),
				slog.Int("remaining", len(crashed)-end),
			)
			break
		}
		if failed > 0 {
			r.batcher.Failure()
		} else {
			r.batcher.Success()
		}
		start = end
		if start < len(crashed) && !r.pause(ctx) {
			break
		}
	}

	if len(points) > 0 && r.history != nil {
		if err := r.history.Record(ctx, points); err != nil {
			return res, fmt.Errorf("refresher: record history: %w", err)
		}
	}
	r.logger.InfoContext(ctx, "crashed entities refreshed",
		slog.Int64("cycle_id", id),
		slog.Int("refreshed", res.Refreshed),
		slog.Int("failed", res.Failed),
		slog.Int("batch_size", r.batcher.Size()),
	)
	return res, nil
}

// pause waits out the batcher's delay. It reports false when ctx ends first.
func (r *Refresher) pause(ctx context.Context) bool {
	d := r.batcher.Delay()
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// fetchBatch reads one batch concurrently. It reports a rate limit when the
// shared budget is spent or the feed answers 429.
func (r *Refresher) fetchBatch(ctx context.Context, batch []domain.CrashedEntity, limit int) (points []domain.MindsharePoint, failed int, rateLimited bool) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, c := range batch {
		g.Go(func() error {
			if r.limiter != nil {
				ok, err := r.limiter.Allow(gctx, feedRateKey, r.cfg.RateLimit, r.cfg.RateWindow)
				if err != nil || !ok {
					mu.Lock()
					if err != nil {
						failed++
					} else {
						rateLimited = true
					}
					mu.Unlock()
					return nil
				}
			}

			e, err := r.feed.FetchEntity(gctx, c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				points = append(points, domain.MindsharePoint{
					MarketAddress: c.MarketAddress,
					EntityID:      c.ID,
					Score:         e.MindshareScore,
					RecordedAt:    r.now().UTC(),
				})
			case errors.Is(err, domain.ErrRateLimited):
				rateLimited = true
			case errors.Is(err, domain.ErrNotFound):
				r.logger.DebugContext(ctx, "crashed entity unknown to feed", slog.String("entity_id", c.ID))
			default:
				failed++
				r.logger.WarnContext(ctx, "refresh entity failed",
					slog.String("entity_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return points, failed, rateLimited
}
