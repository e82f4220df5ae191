package aggregate

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"photo_pipeline/internal/domain"
)

func ptr[T any](v T) *T { return &v }

type AggregateTestSuite struct {
	suite.Suite
	day time.Time
}

func (s *AggregateTestSuite) SetupTest() {
	s.day = time.Date(2024, 7, 14, 9, 0, 0, 0, time.UTC)
}

func TestAggregateTestSuite(t *testing.T) {
	suite.Run(t, new(AggregateTestSuite))
}

func (s *AggregateTestSuite) TestDayBlocks_ExcludesLabeledPhotos() {
	b := NewDayBlockBuilder()
	photos := []domain.Photo{
		{ID: 1, TakenAt: ptr(s.day)},
		{ID: 2, TakenAt: ptr(s.day.Add(2 * time.Hour))},
		{ID: 3, TakenAt: ptr(s.day.Add(3 * time.Hour)), Labels: []string{}},
		{ID: 4, TakenAt: ptr(s.day.Add(4 * time.Hour)), Labels: []string{"Outdoor", "Nature"}},
	}
	for _, p := range photos {
		s.Require().NoError(b.Add(p))
	}

	blocks := b.Blocks()
	s.Require().Len(blocks, 1)
	s.Equal(domain.DayBlock{Year: 2024, Month: 7, Day: 14, Count: 3, MaxDate: s.day.Add(3 * time.Hour)}, blocks[0])
}

func (s *AggregateTestSuite) TestDayBlocks_MaxDatePrefersModification() {
	b := NewDayBlockBuilder()
	modified := s.day.AddDate(0, 1, 0)
	s.Require().NoError(b.Add(domain.Photo{ID: 1, TakenAt: ptr(s.day), ModifiedAt: ptr(modified)}))
	s.Require().NoError(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day.Add(time.Hour))}))

	blocks := b.Blocks()
	s.Require().Len(blocks, 1)
	s.Equal(int64(2), blocks[0].Count)
	s.Equal(modified, blocks[0].MaxDate)
}

func (s *AggregateTestSuite) TestDayBlocks_SkipsUndated() {
	b := NewDayBlockBuilder()

	s.ErrorIs(b.Add(domain.Photo{ID: 1, ModifiedAt: ptr(s.day)}), ErrMissingDate)
	s.Require().NoError(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day.AddDate(0, 0, 1))}))
	s.Require().NoError(b.Add(domain.Photo{ID: 3, TakenAt: ptr(s.day)}))

	blocks := b.Blocks()
	s.Require().Len(blocks, 2)
	s.Equal(14, blocks[0].Day)
	s.Equal(15, blocks[1].Day)
}

func (s *AggregateTestSuite) TestDayBlocks_Idempotent() {
	photos := []domain.Photo{
		{ID: 1, TakenAt: ptr(s.day)},
		{ID: 2, TakenAt: ptr(s.day.AddDate(0, 2, 0))},
		{ID: 3, TakenAt: ptr(s.day.AddDate(1, 0, 0))},
	}
	build := func() []domain.DayBlock {
		b := NewDayBlockBuilder()
		for _, p := range photos {
			s.Require().NoError(b.Add(p))
		}
		return b.Blocks()
	}

	s.Equal(build(), build())
}

func (s *AggregateTestSuite) TestPlaces_CoordinateIsKey() {
	b := NewPlaceSummaryBuilder(6)
	s.Require().NoError(b.Add(domain.Photo{ID: 1, TakenAt: ptr(s.day), Latitude: ptr(48.8566), Longitude: ptr(2.3522), PlaceName: ptr("Paris")}))
	s.Require().NoError(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day.Add(time.Hour)), Latitude: ptr(48.8566), Longitude: ptr(2.3522), PlaceName: ptr("Paris, France")}))
	s.Require().NoError(b.Add(domain.Photo{ID: 3, TakenAt: ptr(s.day), Latitude: ptr(33.6609), Longitude: ptr(-95.5555), PlaceName: ptr("Paris")}))

	summaries, skipped := b.Summaries()
	s.Empty(skipped)
	s.Require().Len(summaries, 2)

	texas, france := summaries[0], summaries[1]
	s.Equal(int64(1), texas.PhotoCount)
	s.Equal("Paris", *texas.PlaceName)
	s.Equal(int64(2), france.PhotoCount)
	s.Equal("Paris, France", *france.PlaceName)
	s.Equal(s.day, france.FirstPhotoDate)
	s.Equal(s.day.Add(time.Hour), france.LastPhotoDate)
}

func (s *AggregateTestSuite) TestPlaces_RoundsCoordinates() {
	b := NewPlaceSummaryBuilder(3)
	s.Require().NoError(b.Add(domain.Photo{ID: 1, TakenAt: ptr(s.day), Latitude: ptr(51.50071), Longitude: ptr(-0.12462)}))
	s.Require().NoError(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day), Latitude: ptr(51.50074), Longitude: ptr(-0.12458)}))

	summaries, _ := b.Summaries()
	s.Require().Len(summaries, 1)
	s.Equal(51.501, summaries[0].Latitude)
	s.Equal(-0.125, summaries[0].Longitude)
	s.Equal(int64(2), summaries[0].PhotoCount)
}

func (s *AggregateTestSuite) TestPlaces_NamesFromLatestPhoto() {
	b := NewPlaceSummaryBuilder(6)
	later := s.day.AddDate(0, 0, 3)
	s.Require().NoError(b.Add(domain.Photo{ID: 5, TakenAt: ptr(later), Latitude: ptr(1.0), Longitude: ptr(1.0), City: ptr("new")}))
	s.Require().NoError(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day), Latitude: ptr(1.0), Longitude: ptr(1.0), City: ptr("old")}))
	s.Require().NoError(b.Add(domain.Photo{ID: 9, TakenAt: ptr(later), Latitude: ptr(1.0), Longitude: ptr(1.0), City: ptr("tie")}))

	summaries, _ := b.Summaries()
	s.Require().Len(summaries, 1)
	s.Equal("tie", *summaries[0].City)
	s.Equal(int64(3), summaries[0].PhotoCount)
}

func (s *AggregateTestSuite) TestPlaces_SkipsBadGroups() {
	b := NewPlaceSummaryBuilder(6)

	s.ErrorIs(b.Add(domain.Photo{ID: 1, TakenAt: ptr(s.day)}), ErrMissingCoordinates)
	s.ErrorIs(b.Add(domain.Photo{ID: 2, TakenAt: ptr(s.day), Latitude: ptr(91.0), Longitude: ptr(0.0)}), ErrInvalidCoordinates)
	s.ErrorIs(b.Add(domain.Photo{ID: 3, TakenAt: ptr(s.day), Latitude: ptr(math.NaN()), Longitude: ptr(0.0)}), ErrInvalidCoordinates)
	s.Require().NoError(b.Add(domain.Photo{ID: 4, Latitude: ptr(10.0), Longitude: ptr(20.0)}))
	s.Require().NoError(b.Add(domain.Photo{ID: 5, TakenAt: ptr(s.day), Latitude: ptr(-10.0), Longitude: ptr(-20.0)}))

	summaries, skipped := b.Summaries()
	s.Require().Len(summaries, 1)
	s.Equal(-10.0, summaries[0].Latitude)
	s.Equal([][2]float64{{10, 20}}, skipped)
}

func (s *AggregateTestSuite) TestFlattenMetadata() {
	doc := json.RawMessage(`{
		"camera": "X100V",
		"iso": 400,
		"flash": false,
		"lens": null,
		"keywords": ["sea", "dusk"],
		"exif": {"f": 2.0, "shutter": "1/250"}
	}`)

	entries, err := FlattenMetadata(7, doc, "sidecar")
	s.Require().NoError(err)
	s.Equal([]domain.MetadataEntry{
		{PhotoID: 7, Key: "camera", Value: "X100V", Source: "sidecar"},
		{PhotoID: 7, Key: "exif", Value: `{"f":2.0,"shutter":"1/250"}`, Source: "sidecar"},
		{PhotoID: 7, Key: "flash", Value: "false", Source: "sidecar"},
		{PhotoID: 7, Key: "iso", Value: "400", Source: "sidecar"},
		{PhotoID: 7, Key: "keywords", Value: `["sea","dusk"]`, Source: "sidecar"},
	}, entries)
}

func (s *AggregateTestSuite) TestFlattenMetadata_EmptyAndInvalid() {
	entries, err := FlattenMetadata(1, nil, "sidecar")
	s.NoError(err)
	s.Empty(entries)

	entries, err = FlattenMetadata(1, json.RawMessage(`null`), "sidecar")
	s.NoError(err)
	s.Empty(entries)

	_, err = FlattenMetadata(1, json.RawMessage(`[1,2]`), "sidecar")
	s.Error(err)
}
