// Package aggregate folds photos into the precomputed calendar, map and
// search views. Builders are pure; persistence lives in the service layer.
package aggregate

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"photo_pipeline/internal/domain"
)

var (
	ErrMissingDate        = errors.New("photo has no date")
	ErrMissingCoordinates = errors.New("photo has no coordinates")
	ErrInvalidCoordinates = errors.New("photo coordinates out of range")
)

// photoDate is the primary date, falling back to the modification date.
func photoDate(p *domain.Photo) *time.Time {
	if p.TakenAt != nil {
		return p.TakenAt
	}
	return p.ModifiedAt
}

type dayKey struct{ year, month, day int }

// DayBlockBuilder counts unlabeled photos per calendar day.
type DayBlockBuilder struct {
	blocks map[dayKey]*domain.DayBlock
}

func NewDayBlockBuilder() *DayBlockBuilder {
	return &DayBlockBuilder{blocks: make(map[dayKey]*domain.DayBlock)}
}

// Add folds p into its day. Labeled photos are ignored; undated photos are
// rejected with ErrMissingDate.
func (b *DayBlockBuilder) Add(p domain.Photo) error {
	if len(p.Labels) > 0 {
		return nil
	}
	if p.TakenAt == nil {
		return ErrMissingDate
	}

	taken := p.TakenAt.UTC()
	key := dayKey{taken.Year(), int(taken.Month()), taken.Day()}
	effective := p.EffectiveDate().UTC()

	block, ok := b.blocks[key]
	if !ok {
		block = &domain.DayBlock{Year: key.year, Month: key.month, Day: key.day, MaxDate: effective}
		b.blocks[key] = block
	}
	block.Count++
	if effective.After(block.MaxDate) {
		block.MaxDate = effective
	}
	return nil
}

// Blocks returns the blocks in calendar order.
func (b *DayBlockBuilder) Blocks() []domain.DayBlock {
	out := make([]domain.DayBlock, 0, len(b.blocks))
	for _, block := range b.blocks {
		out = append(out, *block)
	}
	slices.SortFunc(out, func(a, b domain.DayBlock) int {
		return cmp.Or(cmp.Compare(a.Year, b.Year), cmp.Compare(a.Month, b.Month), cmp.Compare(a.Day, b.Day))
	})
	return out
}

type placeGroup struct {
	summary domain.PlaceSummary
	dated   bool
	// latest is the newest dated contributor; names come from it.
	latestDate time.Time
	latestID   int64
}

// PlaceSummaryBuilder groups photos by rounded coordinates.
type PlaceSummaryBuilder struct {
	scale  float64
	groups map[[2]float64]*placeGroup
}

func NewPlaceSummaryBuilder(precision int) *PlaceSummaryBuilder {
	return &PlaceSummaryBuilder{
		scale:  math.Pow10(precision),
		groups: make(map[[2]float64]*placeGroup),
	}
}

func (b *PlaceSummaryBuilder) round(v float64) float64 {
	return math.Round(v*b.scale) / b.scale
}

// Key returns the summary key for a coordinate pair.
func (b *PlaceSummaryBuilder) Key(lat, lon float64) [2]float64 {
	return [2]float64{b.round(lat), b.round(lon)}
}

func (b *PlaceSummaryBuilder) Add(p domain.Photo) error {
	if p.Latitude == nil || p.Longitude == nil {
		return ErrMissingCoordinates
	}
	lat, lon := *p.Latitude, *p.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lon)
	}

	key := b.Key(lat, lon)
	g, ok := b.groups[key]
	if !ok {
		g = &placeGroup{summary: domain.PlaceSummary{Latitude: key[0], Longitude: key[1]}}
		b.groups[key] = g
	}
	g.summary.PhotoCount++

	date := photoDate(&p)
	if date == nil {
		return nil
	}
	d := date.UTC()

	if !g.dated || d.Before(g.summary.FirstPhotoDate) {
		g.summary.FirstPhotoDate = d
	}
	if !g.dated || d.After(g.summary.LastPhotoDate) {
		g.summary.LastPhotoDate = d
	}
	if !g.dated || d.After(g.latestDate) || (d.Equal(g.latestDate) && p.ID > g.latestID) {
		g.latestDate, g.latestID = d, p.ID
		g.summary.PlaceName = p.PlaceName
		g.summary.Country = p.Country
		g.summary.StateProvince = p.StateProvince
		g.summary.City = p.City
		g.summary.PlaceData = p.PlaceData
	}
	g.dated = true
	return nil
}

// Summaries returns one summary per dated group ordered by key, and the keys
// of groups skipped because none of their photos carried a date.
func (b *PlaceSummaryBuilder) Summaries() (summaries []domain.PlaceSummary, skipped [][2]float64) {
	for key, g := range b.groups {
		if !g.dated {
			skipped = append(skipped, key)
			continue
		}
		summaries = append(summaries, g.summary)
	}
	slices.SortFunc(summaries, func(a, b domain.PlaceSummary) int {
		return cmp.Or(cmp.Compare(a.Latitude, b.Latitude), cmp.Compare(a.Longitude, b.Longitude))
	})
	slices.SortFunc(skipped, func(a, b [2]float64) int {
		return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1]))
	})
	return summaries, skipped
}

// FlattenMetadata emits one entry per top-level key of doc. Strings are
// stored unquoted, other scalars as their JSON text and arrays or objects as
// compact JSON text. Null values are dropped. Entries are sorted by key.
func FlattenMetadata(photoID int64, doc json.RawMessage, source string) ([]domain.MetadataEntry, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("metadata of photo %d is not an object: %w", photoID, err)
	}

	entries := make([]domain.MetadataEntry, 0, len(fields))
	for key, raw := range fields {
		value, ok, err := flattenValue(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata key %q of photo %d: %w", key, photoID, err)
		}
		if !ok {
			continue
		}
		entries = append(entries, domain.MetadataEntry{
			PhotoID: photoID,
			Key:     key,
			Value:   value,
			Source:  source,
		})
	}
	slices.SortFunc(entries, func(a, b domain.MetadataEntry) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return entries, nil
}

func flattenValue(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false, nil
	}

	switch raw[0] {
	case 'n':
		return "", false, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false, err
		}
		return buf.String(), true, nil
	default:
		return string(raw), true, nil
	}
}
