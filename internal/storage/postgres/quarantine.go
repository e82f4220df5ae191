package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"photo_pipeline/internal/domain"
)

// QuarantineStore keeps inputs that could not be parsed so a pass can
// continue past them.
type QuarantineStore struct {
	db *sqlx.DB
}

func NewQuarantineStore(db *sqlx.DB) *QuarantineStore {
	return &QuarantineStore{db: db}
}

func (s *QuarantineStore) Quarantine(ctx context.Context, rec domain.QuarantineRecord) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO ingest_errors (source, object_key, reason, payload)
		VALUES ($1, $2, $3, $4)`,
		rec.Source, rec.Key, rec.Reason, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("quarantine %s %q: %w", rec.Source, rec.Key, err)
	}
	return nil
}

func (s *QuarantineStore) List(ctx context.Context, limit int) ([]domain.QuarantineRecord, error) {
	records := []domain.QuarantineRecord{}
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &records, `
		SELECT id, source, object_key, reason, payload, created_at
		FROM ingest_errors
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	return records, nil
}
