package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// MindshareStore implements domain.MindshareStore using PostgreSQL.
type MindshareStore struct {
	pool *pgxpool.Pool
}

// NewMindshareStore creates a MindshareStore backed by the given pool.
func NewMindshareStore(pool *pgxpool.Pool) *MindshareStore {
	return &MindshareStore{pool: pool}
}

// Record inserts the points in one batch. Points without a market address
// are skipped; a zero RecordedAt takes the database clock.
func (s *MindshareStore) Record(ctx context.Context, points []domain.MindsharePoint) error {
	const query = `
		INSERT INTO mindshare_history (market_address, entity_id, score, recorded_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))`

	batch := &pgx.Batch{}
	for _, p := range points {
		if p.MarketAddress == "" {
			continue
		}
		var at *time.Time
		if !p.RecordedAt.IsZero() {
			t := p.RecordedAt.UTC()
			at = &t
		}
		batch.Queue(query, p.MarketAddress, p.EntityID, p.Score, at)
	}
	if batch.Len() == 0 {
		return nil
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: record %d mindshare points: %w", batch.Len(), err)
	}
	return nil
}

// History returns up to limit points for the market, newest first.
func (s *MindshareStore) History(ctx context.Context, marketAddress string, limit int) ([]domain.MindsharePoint, error) {
	if limit <= 0 {
		limit = 1
	}
	const query = `
		SELECT market_address, entity_id, score, recorded_at
		FROM mindshare_history
		WHERE market_address = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, marketAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: mindshare history %s: %w", marketAddress, err)
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MindsharePoint, error) {
		var p domain.MindsharePoint
		err := row.Scan(&p.MarketAddress, &p.EntityID, &p.Score, &p.RecordedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan mindshare history %s: %w", marketAddress, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("postgres: mindshare history %s: %w", marketAddress, domain.ErrNotFound)
	}
	return points, nil
}

// Compile-time interface check.
var _ domain.MindshareStore = (*MindshareStore)(nil)
