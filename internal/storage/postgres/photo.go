package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"photo_pipeline/internal/domain"
)

type photoRow struct {
	ID            int64          `db:"id"`
	ObjectKey     string         `db:"object_key"`
	Size          int64          `db:"size"`
	Fingerprint   string         `db:"fingerprint"`
	TakenAt       *time.Time     `db:"taken_at"`
	ModifiedAt    *time.Time     `db:"modified_at"`
	Latitude      *float64       `db:"latitude"`
	Longitude     *float64       `db:"longitude"`
	PlaceName     *string        `db:"place_name"`
	Country       *string        `db:"country"`
	StateProvince *string        `db:"state_province"`
	City          *string        `db:"city"`
	PlaceData     []byte         `db:"place_data"`
	Labels        pq.StringArray `db:"labels"`
	Caption       *string        `db:"caption"`
	Metadata      []byte         `db:"metadata"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r photoRow) toDomain() domain.Photo {
	return domain.Photo{
		ID:            r.ID,
		ObjectKey:     r.ObjectKey,
		Size:          r.Size,
		Fingerprint:   r.Fingerprint,
		TakenAt:       r.TakenAt,
		ModifiedAt:    r.ModifiedAt,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		PlaceName:     r.PlaceName,
		Country:       r.Country,
		StateProvince: r.StateProvince,
		City:          r.City,
		PlaceData:     json.RawMessage(r.PlaceData),
		Labels:        []string(r.Labels),
		Caption:       r.Caption,
		Metadata:      json.RawMessage(r.Metadata),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

const photoColumns = `id, object_key, size, fingerprint, taken_at, modified_at, latitude, longitude,
	place_name, country, state_province, city, place_data, labels, caption, metadata,
	created_at, updated_at`

type PhotoStore struct {
	db *sqlx.DB
}

func NewPhotoStore(db *sqlx.DB) *PhotoStore {
	return &PhotoStore{db: db}
}

// GetFingerprints returns the stored fingerprint for each known key.
func (s *PhotoStore) GetFingerprints(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := GetExecutor(ctx, s.db).QueryContext(ctx,
		`SELECT object_key, fingerprint FROM photos WHERE object_key = ANY($1)`,
		pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, fp string
		if err := rows.Scan(&key, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		result[key] = fp
	}
	return result, rows.Err()
}

// Upsert writes the ingested attributes of photo keyed by object key and
// returns its id. Enrichment columns are left as they are.
func (s *PhotoStore) Upsert(ctx context.Context, photo *domain.Photo) (int64, error) {
	query := `
		INSERT INTO photos (
			object_key, size, fingerprint, taken_at, modified_at, latitude, longitude,
			place_name, country, state_province, city, place_data, labels, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (object_key) DO UPDATE SET
			size = EXCLUDED.size,
			fingerprint = EXCLUDED.fingerprint,
			taken_at = EXCLUDED.taken_at,
			modified_at = EXCLUDED.modified_at,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			place_name = EXCLUDED.place_name,
			country = EXCLUDED.country,
			state_province = EXCLUDED.state_province,
			city = EXCLUDED.city,
			place_data = EXCLUDED.place_data,
			labels = EXCLUDED.labels,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id`

	labels := photo.Labels
	if labels == nil {
		labels = []string{}
	}

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		photo.ObjectKey,
		photo.Size,
		photo.Fingerprint,
		photo.TakenAt,
		photo.ModifiedAt,
		photo.Latitude,
		photo.Longitude,
		photo.PlaceName,
		photo.Country,
		photo.StateProvince,
		photo.City,
		jsonArg(photo.PlaceData),
		pq.Array(labels),
		jsonArg(photo.Metadata),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert photo %s: %w", photo.ObjectKey, err)
	}
	return id, nil
}

func (s *PhotoStore) Get(ctx context.Context, id int64) (*domain.Photo, error) {
	var row photoRow
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row,
		`SELECT `+photoColumns+` FROM photos WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("photo %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get photo %d: %w", id, err)
	}
	p := row.toDomain()
	return &p, nil
}

// ListBatch returns up to limit photos with id greater than afterID in id order.
func (s *PhotoStore) ListBatch(ctx context.Context, afterID int64, limit int) ([]domain.Photo, error) {
	var rows []photoRow
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows,
		`SELECT `+photoColumns+` FROM photos WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list photos after %d: %w", afterID, err)
	}

	photos := make([]domain.Photo, len(rows))
	for i, r := range rows {
		photos[i] = r.toDomain()
	}
	return photos, nil
}

// ApplyResult stores an enrichment result on the photo. Tag results are
// merged into the existing labels.
func (s *PhotoStore) ApplyResult(ctx context.Context, photoID int64, result domain.Result) error {
	var (
		query string
		args  []any
	)
	switch r := result.(type) {
	case domain.CaptionResult:
		query = `UPDATE photos SET caption = $2, updated_at = NOW() WHERE id = $1`
		args = []any{photoID, r.Caption}
	case domain.TagResult:
		query = `
			UPDATE photos SET
				labels = ARRAY(SELECT DISTINCT l FROM unnest(labels || $2::text[]) AS l ORDER BY l),
				updated_at = NOW()
			WHERE id = $1`
		args = []any{photoID, pq.Array(r.Labels)}
	case domain.EmbeddingResult:
		query = `UPDATE photos SET embedding = $2, embedding_model = $3, updated_at = NOW() WHERE id = $1`
		args = []any{photoID, pq.Array(r.Vector), r.Model}
	default:
		return fmt.Errorf("apply result to photo %d: %w: %T", photoID, domain.ErrUnknownTaskType, result)
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply %s result to photo %d: %w", result.TaskType(), photoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply %s result to photo %d: %w", result.TaskType(), photoID, err)
	}
	if n == 0 {
		return fmt.Errorf("photo %d: %w", photoID, domain.ErrNotFound)
	}
	return nil
}

// jsonArg binds raw as a jsonb parameter; an empty document binds NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
