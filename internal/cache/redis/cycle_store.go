package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// Key layout. Cycle-scoped keys share the cycle TTL; locks and pending
// deployment statuses expire in minutes.
const (
	keyCurrentCycle = "kol:cycle:current"
	keyCycleSeq     = "kol:cycle:seq"

	fieldCycleData   = "data"
	fieldCycleStatus = "status"
)

// setStatusLua updates the status field only when the cycle hash exists, so
// a concurrent delete or expiry cannot leave a status-only record behind.
const setStatusLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

func cycleKey(id int64) string { return "kol:cycle:" + strconv.FormatInt(id, 10) }
func activeKey(id int64) string { return cycleKey(id) + ":active" }
func crashedKey(id int64) string { return cycleKey(id) + ":crashed" }
func positionKey(addr string) string { return "kol:market:" + addr + ":position" }
func deployStatusKey(id string) string { return "kol:deploy:" + id + ":status" }
func deployLockKey(id string) string { return "deploy:" + id }

// StoreConfig sets the expiry policy of the cycle store.
type StoreConfig struct {
	// CycleTTL applies to cycle records, entity lists and market positions.
	// It must outlive a full cycle plus buffer.
	CycleTTL time.Duration
	// LockTTL bounds a deployment lock and a pending deployment status.
	LockTTL time.Duration
	// OutcomeTTL keeps a completed or failed deployment status readable.
	OutcomeTTL time.Duration
}

// DefaultStoreConfig is two weeks of cycle retention, five minute locks and
// a one hour outcome window.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CycleTTL:   14 * 24 * time.Hour,
		LockTTL:    5 * time.Minute,
		OutcomeTTL: time.Hour,
	}
}

// CycleStore implements domain.CycleStore. Nothing is cached in process;
// every read goes to Redis.
type CycleStore struct {
	*Client
	locks       *LockManager
	setStatusSc *redis.Script
	cfg         StoreConfig
}

// NewCycleStore creates a CycleStore backed by the given Client.
func NewCycleStore(c *Client, cfg StoreConfig) *CycleStore {
	def := DefaultStoreConfig()
	if cfg.CycleTTL <= 0 {
		cfg.CycleTTL = def.CycleTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = def.OutcomeTTL
	}
	return &CycleStore{
		Client:      c,
		locks:       NewLockManager(c),
		setStatusSc: redis.NewScript(setStatusLua),
		cfg:         cfg,
	}
}

// NextCycleID returns a new, monotonically increasing cycle id.
func (s *CycleStore) NextCycleID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, keyCycleSeq).Result()
	if err != nil {
		return 0, storeErr("next cycle id", err)
	}
	return id, nil
}

// GetCurrentCycleID returns the current-cycle pointer, or domain.ErrNotFound
// before the first cycle has started.
func (s *CycleStore) GetCurrentCycleID(ctx context.Context) (int64, error) {
	raw, err := s.rdb.Get(ctx, keyCurrentCycle).Result()
	if err != nil {
		return 0, storeErr("get current cycle", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse current cycle %q: %w", raw, err)
	}
	return id, nil
}

// SetCurrentCycleID moves the current-cycle pointer. The pointer itself never
// expires.
func (s *CycleStore) SetCurrentCycleID(ctx context.Context, id int64) error {
	if err := s.rdb.Set(ctx, keyCurrentCycle, id, 0).Err(); err != nil {
		return storeErr("set current cycle", err)
	}
	return nil
}

// PutCycle writes the cycle record, its status and both entity lists in one
// transaction, resetting every key's TTL.
func (s *CycleStore) PutCycle(ctx context.Context, cycle domain.MarketCycle) error {
	record := cycle
	record.ActiveEntities = nil
	record.CrashedOutEntities = nil
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis: marshal cycle %d: %w", cycle.ID, err)
	}
	active, err := json.Marshal(nonNilEntities(cycle.ActiveEntities))
	if err != nil {
		return fmt.Errorf("redis: marshal active entities %d: %w", cycle.ID, err)
	}

	status := cycle.Status
	if status == "" {
		status = domain.CycleStatusNotStarted
	}

	ck := cycleKey(cycle.ID)
	crk := crashedKey(cycle.ID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, ck, fieldCycleData, data, fieldCycleStatus, string(status))
	pipe.Expire(ctx, ck, s.cfg.CycleTTL)
	pipe.Set(ctx, activeKey(cycle.ID), active, s.cfg.CycleTTL)
	pipe.Del(ctx, crk)
	for _, e := range cycle.CrashedOutEntities {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: marshal crashed entity %s: %w", e.ID, err)
		}
		pipe.HSet(ctx, crk, e.ID, raw)
	}
	if len(cycle.CrashedOutEntities) > 0 {
		pipe.Expire(ctx, crk, s.cfg.CycleTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(fmt.Sprintf("put cycle %d", cycle.ID), err)
	}
	return nil
}

// GetCycle loads the cycle record together with its status and entity lists.
func (s *CycleStore) GetCycle(ctx context.Context, id int64) (domain.MarketCycle, error) {
	pipe := s.rdb.Pipeline()
	recCmd := pipe.HGetAll(ctx, cycleKey(id))
	activeCmd := pipe.Get(ctx, activeKey(id))
	crashedCmd := pipe.HGetAll(ctx, crashedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.MarketCycle{}, storeErr(fmt.Sprintf("get cycle %d", id), err)
	}

	fields := recCmd.Val()
	raw, ok := fields[fieldCycleData]
	if !ok {
		return domain.MarketCycle{}, fmt.Errorf("redis: get cycle %d: %w", id, domain.ErrNotFound)
	}

	var cycle domain.MarketCycle
	if err := json.Unmarshal([]byte(raw), &cycle); err != nil {
		return domain.MarketCycle{}, fmt.Errorf("redis: unmarshal cycle %d: %w", id, err)
	}
	if st := fields[fieldCycleStatus]; st != "" {
		cycle.Status = domain.CycleStatus(st)
	}

	active, err := decodeActive(activeCmd)
	if err != nil {
		return domain.MarketCycle{}, fmt.Errorf("redis: get cycle %d: %w", id, err)
	}
	cycle.ActiveEntities = active

	crashed, err := decodeCrashed(crashedCmd.Val())
	if err != nil {
		return domain.MarketCycle{}, fmt.Errorf("redis: get cycle %d: %w", id, err)
	}
	cycle.CrashedOutEntities = crashed

	return cycle, nil
}

// GetCycleStatus returns the status of cycle id.
func (s *CycleStore) GetCycleStatus(ctx context.Context, id int64) (domain.CycleStatus, error) {
	st, err := s.rdb.HGet(ctx, cycleKey(id), fieldCycleStatus).Result()
	if err != nil {
		return "", storeErr(fmt.Sprintf("get cycle status %d", id), err)
	}
	return domain.CycleStatus(st), nil
}

// SetCycleStatus updates the status of an existing cycle.
func (s *CycleStore) SetCycleStatus(ctx context.Context, id int64, status domain.CycleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("redis: set cycle status %d: invalid status %q", id, status)
	}
	n, err := s.setStatusSc.Run(ctx, s.rdb, []string{cycleKey(id)},
		fieldCycleStatus, string(status), s.cfg.CycleTTL.Milliseconds(),
	).Int()
	if err != nil {
		return storeErr(fmt.Sprintf("set cycle status %d", id), err)
	}
	if n == 0 {
		return fmt.Errorf("redis: set cycle status %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetActiveEntities returns the active list of cycle id; an unset list is
// empty.
func (s *CycleStore) GetActiveEntities(ctx context.Context, id int64) ([]domain.RankedEntity, error) {
	out, err := decodeActive(s.rdb.Get(ctx, activeKey(id)))
	if err != nil {
		return nil, fmt.Errorf("redis: get active entities %d: %w", id, err)
	}
	return out, nil
}

// SetActiveEntities replaces the active list of cycle id.
func (s *CycleStore) SetActiveEntities(ctx context.Context, id int64, entities []domain.RankedEntity) error {
	data, err := json.Marshal(nonNilEntities(entities))
	if err != nil {
		return fmt.Errorf("redis: marshal active entities %d: %w", id, err)
	}
	if err := s.rdb.Set(ctx, activeKey(id), data, s.cfg.CycleTTL).Err(); err != nil {
		return storeErr(fmt.Sprintf("set active entities %d", id), err)
	}
	return nil
}

// GetCrashedEntities returns the crashed-out set of cycle id ordered by
// crash time.
func (s *CycleStore) GetCrashedEntities(ctx context.Context, id int64) ([]domain.CrashedEntity, error) {
	fields, err := s.rdb.HGetAll(ctx, crashedKey(id)).Result()
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get crashed entities %d", id), err)
	}
	out, err := decodeCrashed(fields)
	if err != nil {
		return nil, fmt.Errorf("redis: get crashed entities %d: %w", id, err)
	}
	return out, nil
}

// AppendCrashedEntity records entity as crashed out. An entity already in
// the set keeps its original record.
func (s *CycleStore) AppendCrashedEntity(ctx context.Context, id int64, entity domain.CrashedEntity) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("redis: marshal crashed entity %s: %w", entity.ID, err)
	}
	crk := crashedKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, crk, entity.ID, raw)
	pipe.Expire(ctx, crk, s.cfg.CycleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(fmt.Sprintf("append crashed entity %s", entity.ID), err)
	}
	return nil
}

// RemoveCrashedEntity drops entityID from the crashed-out set.
func (s *CycleStore) RemoveCrashedEntity(ctx context.Context, id int64, entityID string) error {
	if err := s.rdb.HDel(ctx, crashedKey(id), entityID).Err(); err != nil {
		return storeErr(fmt.Sprintf("remove crashed entity %s", entityID), err)
	}
	return nil
}

// ApplyReconciliation writes one ingestion pass in a single MULTI block:
// new crashes are added with HSETNX, the active list is replaced and
// recovered entities leave the crashed set.
func (s *CycleStore) ApplyReconciliation(ctx context.Context, id int64, crashed []domain.CrashedEntity, active []domain.RankedEntity, recovered []string) error {
	data, err := json.Marshal(nonNilEntities(active))
	if err != nil {
		return fmt.Errorf("redis: marshal active entities %d: %w", id, err)
	}
	crk := crashedKey(id)

	pipe := s.rdb.TxPipeline()
	for _, e := range crashed {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: marshal crashed entity %s: %w", e.ID, err)
		}
		pipe.HSetNX(ctx, crk, e.ID, raw)
	}
	pipe.Set(ctx, activeKey(id), data, s.cfg.CycleTTL)
	if len(recovered) > 0 {
		pipe.HDel(ctx, crk, recovered...)
	}
	pipe.Expire(ctx, crk, s.cfg.CycleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(fmt.Sprintf("apply reconciliation %d", id), err)
	}
	return nil
}

// GetMarketPosition returns the position record of a market.
func (s *CycleStore) GetMarketPosition(ctx context.Context, marketAddress string) (domain.MarketPosition, error) {
	raw, err := s.rdb.Get(ctx, positionKey(marketAddress)).Bytes()
	if err != nil {
		return domain.MarketPosition{}, storeErr("get market position "+marketAddress, err)
	}
	var pos domain.MarketPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return domain.MarketPosition{}, fmt.Errorf("redis: unmarshal market position %s: %w", marketAddress, err)
	}
	return pos, nil
}

// PutMarketPosition writes the position record of a market.
func (s *CycleStore) PutMarketPosition(ctx context.Context, pos domain.MarketPosition) error {
	if pos.ActiveTokenIDs == nil {
		pos.ActiveTokenIDs = []int64{}
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal market position %s: %w", pos.MarketAddress, err)
	}
	if err := s.rdb.Set(ctx, positionKey(pos.MarketAddress), raw, s.cfg.CycleTTL).Err(); err != nil {
		return storeErr("put market position "+pos.MarketAddress, err)
	}
	return nil
}

// AcquireDeploymentLock takes the entity's deployment lock for LockTTL.
func (s *CycleStore) AcquireDeploymentLock(ctx context.Context, entityID string) (func(), error) {
	return s.locks.Acquire(ctx, deployLockKey(entityID), s.cfg.LockTTL)
}

// SetDeploymentStatus records the entity's deployment status. Pending lives
// as long as the lock; final statuses live for OutcomeTTL.
func (s *CycleStore) SetDeploymentStatus(ctx context.Context, entityID string, status domain.DeploymentStatus) error {
	ttl := s.cfg.OutcomeTTL
	if status == domain.DeploymentStatusPending {
		ttl = s.cfg.LockTTL
	}
	if err := s.rdb.Set(ctx, deployStatusKey(entityID), string(status), ttl).Err(); err != nil {
		return storeErr("set deployment status "+entityID, err)
	}
	return nil
}

// GetDeploymentStatus returns the entity's last deployment status.
func (s *CycleStore) GetDeploymentStatus(ctx context.Context, entityID string) (domain.DeploymentStatus, error) {
	st, err := s.rdb.Get(ctx, deployStatusKey(entityID)).Result()
	if err != nil {
		return "", storeErr("get deployment status "+entityID, err)
	}
	return domain.DeploymentStatus(st), nil
}

func decodeActive(cmd *redis.StringCmd) ([]domain.RankedEntity, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.RankedEntity{}, nil
	}
	if err != nil {
		return nil, storeErr("get active entities", err)
	}
	var out []domain.RankedEntity
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal active entities: %w", err)
	}
	return nonNilEntities(out), nil
}

func decodeCrashed(fields map[string]string) ([]domain.CrashedEntity, error) {
	out := make([]domain.CrashedEntity, 0, len(fields))
	for id, raw := range fields {
		var e domain.CrashedEntity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal crashed entity %s: %w", id, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CrashedOutAt.Equal(out[j].CrashedOutAt) {
			return out[i].CrashedOutAt.Before(out[j].CrashedOutAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func nonNilEntities(in []domain.RankedEntity) []domain.RankedEntity {
	if in == nil {
		return []domain.RankedEntity{}
	}
	return in
}

// Compile-time interface check.
var _ domain.CycleStore = (*CycleStore)(nil)
