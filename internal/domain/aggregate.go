package domain

import (
	"encoding/json"
	"time"
)

// PlaceSummary is keyed by its (Latitude, Longitude) pair.
type PlaceSummary struct {
	Latitude       float64         `db:"latitude"`
	Longitude      float64         `db:"longitude"`
	PlaceName      *string         `db:"place_name"`
	Country        *string         `db:"country"`
	StateProvince  *string         `db:"state_province"`
	City           *string         `db:"city"`
	PhotoCount     int64           `db:"photo_count"`
	FirstPhotoDate time.Time       `db:"first_photo_date"`
	LastPhotoDate  time.Time       `db:"last_photo_date"`
	PlaceData      json.RawMessage `db:"-"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// DayBlock counts unlabeled photos taken on one calendar day.
type DayBlock struct {
	Year    int       `db:"year"`
	Month   int       `db:"month"`
	Day     int       `db:"day"`
	Count   int64     `db:"count"`
	MaxDate time.Time `db:"max_date"`
}

// MetadataEntry is one flattened, searchable metadata row.
type MetadataEntry struct {
	PhotoID int64  `db:"photo_id"`
	Key     string `db:"key"`
	Value   string `db:"value"`
	Source  string `db:"source"`
}

// PlaceQuery filters place summaries. Level 6 and above requires a city,
// level 3 and above requires a state/province.
type PlaceQuery struct {
	Level         int
	Country       *string
	StateProvince *string
	Limit         int
	Offset        int
}

// AggregateStats describes one aggregate pass.
type AggregateStats struct {
	Pass     string
	Groups   int
	Upserted int
	Skipped  int
	Failed   int
	Pruned   int64
	Duration time.Duration
}
