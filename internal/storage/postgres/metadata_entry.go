package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"photo_pipeline/internal/domain"
)

type MetadataEntryStore struct {
	db *sqlx.DB
}

func NewMetadataEntryStore(db *sqlx.DB) *MetadataEntryStore {
	return &MetadataEntryStore{db: db}
}

// InsertBatch inserts entries, ignoring ones already present, and returns
// the number of new rows.
func (s *MetadataEntryStore) InsertBatch(ctx context.Context, entries []domain.MetadataEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO metadata_entries (photo_id, key, value, source) VALUES ")
	args := make([]any, 0, len(entries)*4)

	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		sb.WriteString("($" + strconv.Itoa(n+1) + ", $" + strconv.Itoa(n+2) +
			", $" + strconv.Itoa(n+3) + ", $" + strconv.Itoa(n+4) + ")")
		args = append(args, e.PhotoID, e.Key, e.Value, e.Source)
	}
	sb.WriteString(" ON CONFLICT (photo_id, key, value) DO NOTHING")

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert metadata entries: %w", err)
	}
	return res.RowsAffected()
}

// Purge removes the entries a source wrote for a photo.
func (s *MetadataEntryStore) Purge(ctx context.Context, photoID int64, source string) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM metadata_entries WHERE photo_id = $1 AND source = $2`,
		photoID, source,
	)
	if err != nil {
		return 0, fmt.Errorf("purge metadata entries for photo %d: %w", photoID, err)
	}
	return res.RowsAffected()
}

func (s *MetadataEntryStore) ListByPhoto(ctx context.Context, photoID int64) ([]domain.MetadataEntry, error) {
	entries := []domain.MetadataEntry{}
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &entries,
		`SELECT photo_id, key, value, source FROM metadata_entries WHERE photo_id = $1 ORDER BY key, value`,
		photoID,
	)
	if err != nil {
		return nil, fmt.Errorf("list metadata entries for photo %d: %w", photoID, err)
	}
	return entries, nil
}
