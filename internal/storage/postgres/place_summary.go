package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"photo_pipeline/internal/domain"
)

type placeSummaryRow struct {
	domain.PlaceSummary
	PlaceDataRaw []byte `db:"place_data"`
}

type PlaceSummaryStore struct {
	db *sqlx.DB
}

func NewPlaceSummaryStore(db *sqlx.DB) *PlaceSummaryStore {
	return &PlaceSummaryStore{db: db}
}

// Upsert writes the summary for its coordinates. Nil names keep whatever the
// row already holds. It reports whether a row was inserted or changed; a
// summary equal to the stored one leaves the row untouched.
func (s *PlaceSummaryStore) Upsert(ctx context.Context, ps domain.PlaceSummary) (bool, error) {
	query := `
		INSERT INTO place_summaries (
			latitude, longitude, place_name, country, state_province, city,
			photo_count, first_photo_date, last_photo_date, place_data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (latitude, longitude) DO UPDATE SET
			place_name = COALESCE(EXCLUDED.place_name, place_summaries.place_name),
			country = COALESCE(EXCLUDED.country, place_summaries.country),
			state_province = COALESCE(EXCLUDED.state_province, place_summaries.state_province),
			city = COALESCE(EXCLUDED.city, place_summaries.city),
			photo_count = EXCLUDED.photo_count,
			first_photo_date = EXCLUDED.first_photo_date,
			last_photo_date = EXCLUDED.last_photo_date,
			place_data = COALESCE(EXCLUDED.place_data, place_summaries.place_data),
			updated_at = NOW()
		WHERE (
			place_summaries.place_name, place_summaries.country, place_summaries.state_province,
			place_summaries.city, place_summaries.photo_count, place_summaries.first_photo_date,
			place_summaries.last_photo_date, place_summaries.place_data
		) IS DISTINCT FROM (
			COALESCE(EXCLUDED.place_name, place_summaries.place_name),
			COALESCE(EXCLUDED.country, place_summaries.country),
			COALESCE(EXCLUDED.state_province, place_summaries.state_province),
			COALESCE(EXCLUDED.city, place_summaries.city),
			EXCLUDED.photo_count, EXCLUDED.first_photo_date, EXCLUDED.last_photo_date,
			COALESCE(EXCLUDED.place_data, place_summaries.place_data)
		)`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		ps.Latitude,
		ps.Longitude,
		ps.PlaceName,
		ps.Country,
		ps.StateProvince,
		ps.City,
		ps.PhotoCount,
		ps.FirstPhotoDate,
		ps.LastPhotoDate,
		jsonArg(ps.PlaceData),
	)
	if err != nil {
		return false, fmt.Errorf("upsert place summary (%v, %v): %w", ps.Latitude, ps.Longitude, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert place summary (%v, %v): %w", ps.Latitude, ps.Longitude, err)
	}
	return n > 0, nil
}

// Prune deletes summaries whose coordinates are not in keep.
func (s *PlaceSummaryStore) Prune(ctx context.Context, keep [][2]float64) (int64, error) {
	lats := make([]float64, len(keep))
	lons := make([]float64, len(keep))
	for i, k := range keep {
		lats[i], lons[i] = k[0], k[1]
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		DELETE FROM place_summaries
		WHERE (latitude, longitude) NOT IN (
			SELECT lat, lon FROM unnest($1::double precision[], $2::double precision[]) AS k(lat, lon)
		)`,
		pq.Array(lats), pq.Array(lons),
	)
	if err != nil {
		return 0, fmt.Errorf("prune place summaries: %w", err)
	}
	return res.RowsAffected()
}

// Query lists summaries ordered by photo count. Levels of 3 and above only
// return places with a state/province, 6 and above only places with a city.
func (s *PlaceSummaryStore) Query(ctx context.Context, q domain.PlaceQuery) ([]domain.PlaceSummary, error) {
	var (
		conds []string
		args  []any
	)
	if q.Country != nil {
		args = append(args, *q.Country)
		conds = append(conds, "country = $"+strconv.Itoa(len(args)))
	}
	if q.StateProvince != nil {
		args = append(args, *q.StateProvince)
		conds = append(conds, "state_province = $"+strconv.Itoa(len(args)))
	}
	if q.Level >= 3 {
		conds = append(conds, "state_province IS NOT NULL")
	}
	if q.Level >= 6 {
		conds = append(conds, "city IS NOT NULL")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var sb strings.Builder
	sb.WriteString(`SELECT latitude, longitude, place_name, country, state_province, city,
		photo_count, first_photo_date, last_photo_date, place_data, updated_at
		FROM place_summaries`)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit, q.Offset)
	sb.WriteString(" ORDER BY photo_count DESC, latitude, longitude")
	sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args)))

	var rows []placeSummaryRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("query place summaries: %w", err)
	}

	out := make([]domain.PlaceSummary, len(rows))
	for i, r := range rows {
		out[i] = r.PlaceSummary
		out[i].PlaceData = json.RawMessage(r.PlaceDataRaw)
	}
	return out, nil
}
