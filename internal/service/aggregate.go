package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"photo_pipeline/internal/aggregate"
	"photo_pipeline/internal/domain"
)

type AggregateOptions struct {
	CoordinatePrecision int
	BatchSize           int
	MetadataSource      string
}

// AggregateService recomputes the aggregate views from the photo table.
// Passes are idempotent and safe to run concurrently with each other.
type AggregateService struct {
	photos  PhotoStore
	places  PlaceSummaryStore
	days    DayBlockStore
	entries MetadataEntryStore
	logger  *slog.Logger
	opts    AggregateOptions
}

func NewAggregateService(
	photos PhotoStore,
	places PlaceSummaryStore,
	days DayBlockStore,
	entries MetadataEntryStore,
	logger *slog.Logger,
	opts AggregateOptions,
) *AggregateService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &AggregateService{
		photos:  photos,
		places:  places,
		days:    days,
		entries: entries,
		logger:  logger.With("component", "aggregate"),
		opts:    opts,
	}
}

// RefreshAll runs every pass. A failing pass does not prevent the others.
func (s *AggregateService) RefreshAll(ctx context.Context) ([]domain.AggregateStats, error) {
	passes := []func(context.Context) (*domain.AggregateStats, error){
		s.RefreshDayBlocks,
		s.RefreshPlaceSummaries,
		s.FlattenMetadata,
	}

	var (
		all  []domain.AggregateStats
		errs []error
	)
	for _, pass := range passes {
		stats, err := pass(ctx)
		if stats != nil {
			all = append(all, *stats)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return all, errors.Join(errs...)
}

// Run adapts RefreshAll to the scheduler.
func (s *AggregateService) Run(ctx context.Context) error {
	_, err := s.RefreshAll(ctx)
	return err
}

func (s *AggregateService) RefreshDayBlocks(ctx context.Context) (*domain.AggregateStats, error) {
	start := time.Now()
	stats := &domain.AggregateStats{Pass: "day_blocks"}
	builder := aggregate.NewDayBlockBuilder()

	err := s.scan(ctx, func(p domain.Photo) {
		if err := builder.Add(p); err != nil {
			s.logger.Debug("photo skipped", "pass", stats.Pass, "photo_id", p.ID, "reason", err)
			stats.Skipped++
		}
	})
	if err != nil {
		return stats, fmt.Errorf("day blocks: %w", err)
	}

	blocks := builder.Blocks()
	stats.Groups = len(blocks)
	for _, b := range blocks {
		changed, err := s.days.Upsert(ctx, b)
		if err != nil {
			s.logger.Warn("day block upsert failed", "year", b.Year, "month", b.Month, "day", b.Day, "error", err)
			stats.Failed++
			continue
		}
		if changed {
			stats.Upserted++
		}
	}

	pruned, err := s.days.Prune(ctx, blocks)
	if err != nil {
		return stats, fmt.Errorf("prune day blocks: %w", err)
	}
	stats.Pruned = pruned

	return s.finish(stats, start), nil
}

func (s *AggregateService) RefreshPlaceSummaries(ctx context.Context) (*domain.AggregateStats, error) {
	start := time.Now()
	stats := &domain.AggregateStats{Pass: "place_summaries"}
	builder := aggregate.NewPlaceSummaryBuilder(s.opts.CoordinatePrecision)

	err := s.scan(ctx, func(p domain.Photo) {
		if err := builder.Add(p); err != nil {
			s.logger.Debug("photo skipped", "pass", stats.Pass, "photo_id", p.ID, "reason", err)
			stats.Skipped++
		}
	})
	if err != nil {
		return stats, fmt.Errorf("place summaries: %w", err)
	}

	summaries, skipped := builder.Summaries()
	stats.Groups = len(summaries)
	stats.Skipped += len(skipped)
	for _, key := range skipped {
		s.logger.Warn("place group skipped, no dated photo", "latitude", key[0], "longitude", key[1])
	}

	keep := make([][2]float64, 0, len(summaries)+len(skipped))
	for _, ps := range summaries {
		keep = append(keep, [2]float64{ps.Latitude, ps.Longitude})

		changed, err := s.places.Upsert(ctx, ps)
		if err != nil {
			s.logger.Warn("place summary upsert failed", "latitude", ps.Latitude, "longitude", ps.Longitude, "error", err)
			stats.Failed++
			continue
		}
		if changed {
			stats.Upserted++
		}
	}
	keep = append(keep, skipped...)

	pruned, err := s.places.Prune(ctx, keep)
	if err != nil {
		return stats, fmt.Errorf("prune place summaries: %w", err)
	}
	stats.Pruned = pruned

	return s.finish(stats, start), nil
}

// FlattenMetadata writes searchable entries for every photo's metadata.
// Existing rows are left in place, so a rerun inserts nothing.
func (s *AggregateService) FlattenMetadata(ctx context.Context) (*domain.AggregateStats, error) {
	start := time.Now()
	stats := &domain.AggregateStats{Pass: "metadata_entries"}

	err := s.scan(ctx, func(p domain.Photo) {
		entries, err := aggregate.FlattenMetadata(p.ID, p.Metadata, s.opts.MetadataSource)
		if err != nil {
			s.logger.Warn("metadata skipped", "photo_id", p.ID, "error", err)
			stats.Skipped++
			return
		}
		if len(entries) == 0 {
			return
		}
		stats.Groups++

		n, err := s.entries.InsertBatch(ctx, entries)
		if err != nil {
			s.logger.Warn("metadata insert failed", "photo_id", p.ID, "error", err)
			stats.Failed++
			return
		}
		stats.Upserted += int(n)
	})
	if err != nil {
		return stats, fmt.Errorf("metadata entries: %w", err)
	}

	return s.finish(stats, start), nil
}

// scan feeds every photo to fn in id order, one batch at a time.
func (s *AggregateService) scan(ctx context.Context, fn func(domain.Photo)) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.photos.ListBatch(ctx, afterID, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list photos: %w", err)
		}
		for _, p := range batch {
			fn(p)
		}
		if len(batch) < s.opts.BatchSize {
			return nil
		}
		afterID = batch[len(batch)-1].ID
	}
}

func (s *AggregateService) finish(stats *domain.AggregateStats, start time.Time) *domain.AggregateStats {
	stats.Duration = time.Since(start)
	s.logger.Info("aggregate pass completed",
		"pass", stats.Pass,
		"groups", stats.Groups,
		"upserted", stats.Upserted,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"pruned", stats.Pruned,
		"duration", stats.Duration,
	)
	return stats
}
