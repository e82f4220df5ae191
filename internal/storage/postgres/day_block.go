package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"photo_pipeline/internal/domain"
)

type DayBlockStore struct {
	db *sqlx.DB
}

func NewDayBlockStore(db *sqlx.DB) *DayBlockStore {
	return &DayBlockStore{db: db}
}

// Upsert reports whether the row was inserted or changed.
func (s *DayBlockStore) Upsert(ctx context.Context, b domain.DayBlock) (bool, error) {
	query := `
		INSERT INTO day_blocks (year, month, day, count, max_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (year, month, day) DO UPDATE SET
			count = EXCLUDED.count,
			max_date = EXCLUDED.max_date,
			updated_at = NOW()
		WHERE (day_blocks.count, day_blocks.max_date) IS DISTINCT FROM (EXCLUDED.count, EXCLUDED.max_date)`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, b.Year, b.Month, b.Day, b.Count, b.MaxDate)
	if err != nil {
		return false, fmt.Errorf("upsert day block %04d-%02d-%02d: %w", b.Year, b.Month, b.Day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert day block %04d-%02d-%02d: %w", b.Year, b.Month, b.Day, err)
	}
	return n > 0, nil
}

// Prune deletes day blocks whose date is not in keep.
func (s *DayBlockStore) Prune(ctx context.Context, keep []domain.DayBlock) (int64, error) {
	years := make([]int64, len(keep))
	months := make([]int64, len(keep))
	days := make([]int64, len(keep))
	for i, b := range keep {
		years[i], months[i], days[i] = int64(b.Year), int64(b.Month), int64(b.Day)
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		DELETE FROM day_blocks
		WHERE (year, month, day) NOT IN (
			SELECT y, m, d FROM unnest($1::int[], $2::int[], $3::int[]) AS k(y, m, d)
		)`,
		pq.Array(years), pq.Array(months), pq.Array(days),
	)
	if err != nil {
		return 0, fmt.Errorf("prune day blocks: %w", err)
	}
	return res.RowsAffected()
}

func (s *DayBlockStore) List(ctx context.Context) ([]domain.DayBlock, error) {
	blocks := []domain.DayBlock{}
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &blocks,
		`SELECT year, month, day, count, max_date FROM day_blocks ORDER BY year DESC, month DESC, day DESC`)
	if err != nil {
		return nil, fmt.Errorf("list day blocks: %w", err)
	}
	return blocks, nil
}
