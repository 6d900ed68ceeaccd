package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CycleStore is the durable, shared state of the orchestrator. Every write is
// visible to the next read from any process. Missing records return
// ErrNotFound.
type CycleStore interface {
	Ping(ctx context.Context) error

	NextCycleID(ctx context.Context) (int64, error)
	GetCurrentCycleID(ctx context.Context) (int64, error)
	SetCurrentCycleID(ctx context.Context, id int64) error

	// GetCycle returns the cycle record with its status and entity lists
	// filled in from their own keys.
	GetCycle(ctx context.Context, id int64) (MarketCycle, error)
	PutCycle(ctx context.Context, cycle MarketCycle) error

	GetCycleStatus(ctx context.Context, id int64) (CycleStatus, error)
	SetCycleStatus(ctx context.Context, id int64, status CycleStatus) error

	GetActiveEntities(ctx context.Context, id int64) ([]RankedEntity, error)
	SetActiveEntities(ctx context.Context, id int64, entities []RankedEntity) error

	GetCrashedEntities(ctx context.Context, id int64) ([]CrashedEntity, error)
	// AppendCrashedEntity is a no-op when the entity is already recorded.
	AppendCrashedEntity(ctx context.Context, id int64, entity CrashedEntity) error
	RemoveCrashedEntity(ctx context.Context, id int64, entityID string) error
	// ApplyReconciliation appends crashed, replaces the active list and
	// removes recovered in one atomic write.
	ApplyReconciliation(ctx context.Context, id int64, crashed []CrashedEntity, active []RankedEntity, recovered []string) error

	GetMarketPosition(ctx context.Context, marketAddress string) (MarketPosition, error)
	PutMarketPosition(ctx context.Context, pos MarketPosition) error

	// AcquireDeploymentLock takes the per-entity deployment lock without
	// blocking. It returns ErrLockHeld when another attempt holds it. The
	// returned release func is safe to call more than once.
	AcquireDeploymentLock(ctx context.Context, entityID string) (release func(), err error)
	SetDeploymentStatus(ctx context.Context, entityID string, status DeploymentStatus) error
	GetDeploymentStatus(ctx context.Context, entityID string) (DeploymentStatus, error)
}

// MindshareStore keeps the score history of every market, keyed by market
// address, so a market can be reset after its entity left the ranking.
type MindshareStore interface {
	Record(ctx context.Context, points []MindsharePoint) error
	// History returns up to limit points for the market, newest first, or
	// ErrNotFound when nothing was ever recorded.
	History(ctx context.Context, marketAddress string, limit int) ([]MindsharePoint, error)
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is an append-only operational log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
