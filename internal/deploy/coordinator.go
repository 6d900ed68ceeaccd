// Package deploy deploys one market per entity, exactly once, under the
// store's per-entity lock.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/retry"
)

// Config tunes the Coordinator.
type Config struct {
	// GenesisWindow is the market lifetime for the first deployment, when no
	// cycle exists yet to take a global expiry from.
	GenesisWindow time.Duration
	Gas           GasPolicy
	Retry         retry.Policy
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Deployment is one successful batch entry.
type Deployment struct {
	EntityID string
	Market   string
}

// Failure is one failed batch entry.
type Failure struct {
	EntityID string
	Err      error
}

// BatchResult is the outcome of DeployMissingMarkets.
type BatchResult struct {
	Deployed []Deployment
	Failed   []Failure
}

// Markets returns the deployed market addresses in batch order.
func (r BatchResult) Markets() []string {
	out := make([]string, 0, len(r.Deployed))
	for _, d := range r.Deployed {
		out = append(out, d.Market)
	}
	return out
}

// Coordinator submits market deployments.
type Coordinator struct {
	store  domain.CycleStore
	chain  domain.ChainClient
	events domain.EventPublisher
	audit  domain.AuditStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator. events and audit may be nil.
func NewCoordinator(
	store domain.CycleStore,
	chain domain.ChainClient,
	events domain.EventPublisher,
	audit domain.AuditStore,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.GenesisWindow <= 0 {
		cfg.GenesisWindow = 72 * time.Hour
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:  store,
		chain:  chain,
		events: events,
		audit:  audit,
		cfg:    cfg,
		now:    now,
		logger: logger.With(slog.String("component", "deploy")),
	}
}

// DeployMarket returns the market address for entityID, deploying one if
// the factory has none. It fails fast with domain.ErrLockHeld when another
// attempt for the entity is in flight; callers skip the entity until a
// later tick.
func (c *Coordinator) DeployMarket(ctx context.Context, entityID string, isGenesis bool) (string, error) {
	release, err := c.store.AcquireDeploymentLock(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("deploy: %s: %w", entityID, err)
	}
	defer release()

	log := c.logger.With(slog.String("entity_id", entityID), slog.Bool("genesis", isGenesis))
	c.setStatus(ctx, log, entityID, domain.DeploymentStatusPending)

	market, existed, err := c.deployLocked(ctx, log, entityID, isGenesis)
	if err != nil {
		c.setStatus(ctx, log, entityID, domain.DeploymentStatusFailed)
		c.publish(ctx, log, domain.MarketDeploymentFailed(entityID, err.Error(), c.now()))
		log.ErrorContext(ctx, "market deployment failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("deploy: %s: %w", entityID, err)
	}

	c.setStatus(ctx, log, entityID, domain.DeploymentStatusCompleted)
	if existed {
		log.InfoContext(ctx, "market already deployed", slog.String("market", market))
		return market, nil
	}
	c.publish(ctx, log, domain.MarketDeployed(entityID, market, c.now()))
	log.InfoContext(ctx, "market deployed", slog.String("market", market))
	return market, nil
}

// deployLocked runs the deployment with the entity lock held. existed is
// true when the market was found on chain and nothing was submitted.
func (c *Coordinator) deployLocked(ctx context.Context, log *slog.Logger, entityID string, isGenesis bool) (market string, existed bool, err error) {
	addr, ok, err := c.marketExists(ctx, entityID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return addr, true, nil
	}

	expiresIn, err := c.expiresIn(ctx, isGenesis)
	if err != nil {
		return "", false, err
	}

	estimate, err := retry.Value(ctx, c.cfg.Retry, domain.IsTransient, func(ctx context.Context, _ int) (uint64, error) {
		return c.chain.EstimateDeployGas(ctx, entityID, expiresIn)
	})
	if err != nil {
		return "", false, fmt.Errorf("estimate gas: %w", err)
	}
	fees, err := retry.Value(ctx, c.cfg.Retry, domain.IsTransient, func(ctx context.Context, _ int) (domain.FeeData, error) {
		return c.chain.FeeData(ctx)
	})
	if err != nil {
		return "", false, fmt.Errorf("fee data: %w", err)
	}

	limit, maxFee, tip := c.cfg.Gas.Price(estimate, fees)
	req := domain.DeployRequest{
		EntityID:             entityID,
		ExpiresIn:            expiresIn,
		GasLimit:             limit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}
	log.InfoContext(ctx, "submitting market deployment",
		slog.Duration("expires_in", expiresIn),
		slog.Uint64("gas_limit", limit),
		slog.String("max_fee", maxFee.String()),
		slog.String("tip", tip.String()),
	)

	var found bool
	receipt, err := retry.Value(ctx, c.cfg.Retry.Untimed(), domain.IsTransient, func(ctx context.Context, attempt int) (domain.DeployReceipt, error) {
		if attempt > 1 {
			// An earlier attempt may have landed after its receipt wait
			// timed out.
			addr, ok, err := c.chain.MarketExists(ctx, entityID)
			if err != nil {
				return domain.DeployReceipt{}, err
			}
			if ok {
				found = true
				return domain.DeployReceipt{MarketAddress: addr}, nil
			}
		}
		return c.chain.DeployMarket(ctx, req)
	})
	if errors.Is(err, domain.ErrTxUnconfirmed) {
		// The transaction is out. Look for its market once instead of
		// sending another one.
		addr, ok, existsErr := c.marketExists(ctx, entityID)
		if existsErr == nil && ok {
			log.WarnContext(ctx, "deployment landed without a confirmed receipt", slog.String("market", addr))
			return addr, false, nil
		}
	}
	if err != nil {
		return "", false, fmt.Errorf("submit: %w", err)
	}
	if receipt.MarketAddress == "" {
		return "", false, fmt.Errorf("tx %s: %w", receipt.TxHash, domain.ErrMissingDeployEvent)
	}
	if !found {
		c.logAudit(ctx, log, entityID, isGenesis, receipt)
	}
	return receipt.MarketAddress, false, nil
}

func (c *Coordinator) marketExists(ctx context.Context, entityID string) (string, bool, error) {
	type result struct {
		addr string
		ok   bool
	}
	r, err := retry.Value(ctx, c.cfg.Retry, domain.IsTransient, func(ctx context.Context, _ int) (result, error) {
		addr, ok, err := c.chain.MarketExists(ctx, entityID)
		return result{addr, ok}, err
	})
	if err != nil {
		return "", false, fmt.Errorf("market exists: %w", err)
	}
	return r.addr, r.ok, nil
}

// expiresIn is the genesis window, or the time left until the current
// cycle's global expiry.
func (c *Coordinator) expiresIn(ctx context.Context, isGenesis bool) (time.Duration, error) {
	if isGenesis {
		return c.cfg.GenesisWindow, nil
	}
	id, err := c.store.GetCurrentCycleID(ctx)
	if err != nil {
		return 0, fmt.Errorf("current cycle: %w", err)
	}
	cycle, err := c.store.GetCycle(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("cycle %d: %w", id, err)
	}
	left := cycle.GlobalExpiry.Sub(c.now())
	if left <= 0 {
		return 0, fmt.Errorf("cycle %d expired at %s: %w", id, cycle.GlobalExpiry.Format(time.RFC3339), domain.ErrCycleExpired)
	}
	return left.Truncate(time.Second), nil
}

// DeployMissingMarkets deploys each entity in order. A failing entity is
// recorded and the batch moves on.
func (c *Coordinator) DeployMissingMarkets(ctx context.Context, entityIDs []string, isGenesis bool) BatchResult {
	var res BatchResult
	for i, id := range entityIDs {
		if err := ctx.Err(); err != nil {
			for _, rest := range entityIDs[i:] {
				res.Failed = append(res.Failed, Failure{EntityID: rest, Err: err})
			}
			break
		}
		market, err := c.DeployMarket(ctx, id, isGenesis)
		if err != nil {
			res.Failed = append(res.Failed, Failure{EntityID: id, Err: err})
			continue
		}
		res.Deployed = append(res.Deployed, Deployment{EntityID: id, Market: market})
	}

	if len(res.Failed) > 0 {
		failed := make([]string, 0, len(res.Failed))
		for _, f := range res.Failed {
			failed = append(failed, f.EntityID)
		}
		c.logger.WarnContext(ctx, "batch deployment finished with failures",
			slog.Int("deployed", len(res.Deployed)),
			slog.Any("failed", failed),
		)
	}
	return res
}

func (c *Coordinator) setStatus(ctx context.Context, log *slog.Logger, entityID string, st domain.DeploymentStatus) {
	if err := c.store.SetDeploymentStatus(ctx, entityID, st); err != nil {
		log.WarnContext(ctx, "set deployment status failed",
			slog.String("status", string(st)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) publish(ctx context.Context, log *slog.Logger, ev domain.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		log.WarnContext(ctx, "publish deployment event failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) logAudit(ctx context.Context, log *slog.Logger, entityID string, isGenesis bool, r domain.DeployReceipt) {
	if c.audit == nil {
		return
	}
	err := c.audit.Log(ctx, string(domain.EventMarketDeployed), map[string]any{
		"entity_id": entityID,
		"market":    r.MarketAddress,
		"tx_hash":   r.TxHash,
		"block":     r.BlockNumber,
		"gas_used":  r.GasUsed,
		"genesis":   isGenesis,
	})
	if err != nil {
		log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

// IsInProgress reports whether err means another deployment for the
// entity holds the lock.
func IsInProgress(err error) bool {
	return errors.Is(err, domain.ErrLockHeld)
}
