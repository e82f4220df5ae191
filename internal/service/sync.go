package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/fingerprint"
	"photo_pipeline/internal/inventory"
)

type SyncOptions struct {
	Bucket    string
	Prefix    string
	BatchSize int
	TaskTypes []domain.TaskType
	// MetadataSource labels flattened entries derived from sidecars; they
	// are purged when the photo changes.
	MetadataSource string
}

// SyncService ingests new and changed images from the bucket and enqueues
// their enrichment tasks.
type SyncService struct {
	lister     ObjectLister
	photos     PhotoStore
	entries    MetadataEntryStore
	quarantine QuarantineStore
	txManager  TransactionManager
	dispatcher TaskDispatcher
	logger     *slog.Logger
	opts       SyncOptions
}

func NewSyncService(
	lister ObjectLister,
	photos PhotoStore,
	entries MetadataEntryStore,
	quarantine QuarantineStore,
	txManager TransactionManager,
	dispatcher TaskDispatcher,
	logger *slog.Logger,
	opts SyncOptions,
) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &SyncService{
		lister:     lister,
		photos:     photos,
		entries:    entries,
		quarantine: quarantine,
		txManager:  txManager,
		dispatcher: dispatcher,
		logger:     logger.With("bucket", opts.Bucket),
		opts:       opts,
	}
}

// Sync runs one ingestion pass. Per-object failures are counted and the pass
// continues; a listing failure aborts it.
func (s *SyncService) Sync(ctx context.Context) (*domain.SyncStats, error) {
	startTime := time.Now()
	s.logger.Info("starting sync",
		"prefix", s.opts.Prefix,
		"batch_size", s.opts.BatchSize,
		"task_types", s.opts.TaskTypes,
	)

	stats := &domain.SyncStats{Bucket: s.opts.Bucket}
	batch := make([]domain.RemoteObject, 0, s.opts.BatchSize)

	for obj, err := range s.lister.List(ctx, s.opts.Bucket, s.opts.Prefix) {
		if err != nil {
			stats.Duration = time.Since(startTime)
			return stats, fmt.Errorf("list objects: %w", err)
		}
		stats.Listed++

		if !inventory.IsImage(obj.Key) {
			stats.Ignored++
			continue
		}

		batch = append(batch, obj)
		if len(batch) == s.opts.BatchSize {
			s.processBatch(ctx, batch, stats)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		s.processBatch(ctx, batch, stats)
	}

	stats.Duration = time.Since(startTime)

	s.logger.Info("sync completed",
		"listed", stats.Listed,
		"new", stats.New,
		"changed", stats.Changed,
		"unchanged", stats.Unchanged,
		"ignored", stats.Ignored,
		"quarantined", stats.Quarantined,
		"enqueued", stats.Enqueued,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)

	return stats, nil
}

func (s *SyncService) processBatch(ctx context.Context, batch []domain.RemoteObject, stats *domain.SyncStats) {
	valid := make([]domain.RemoteObject, 0, len(batch))
	for _, obj := range batch {
		if reason := invalidObject(obj); reason != "" {
			s.quarantineObject(ctx, obj.Key, reason, nil, stats)
			continue
		}
		valid = append(valid, obj)
	}
	if len(valid) == 0 {
		return
	}

	keys := make([]string, len(valid))
	for i, obj := range valid {
		keys[i] = obj.Key
	}

	existing, err := s.photos.GetFingerprints(ctx, keys)
	if err != nil {
		s.logger.Error("failed to load stored fingerprints", "error", err, "objects", len(valid))
		stats.Errors += len(valid)
		return
	}

	for _, obj := range valid {
		stored, exists := existing[obj.Key]
		if exists && fingerprint.Equal(stored, obj.Fingerprint) {
			stats.Unchanged++
			continue
		}

		if err := s.ingest(ctx, obj, !exists, stats); err != nil {
			s.logger.Error("failed to ingest object", "key", obj.Key, "error", err)
			stats.Errors++
		}
	}
}

func invalidObject(obj domain.RemoteObject) string {
	switch {
	case obj.Key == "":
		return "empty object key"
	case obj.Size < 0:
		return fmt.Sprintf("negative size %d", obj.Size)
	case obj.Fingerprint == "":
		return "missing fingerprint"
	default:
		return ""
	}
}

func (s *SyncService) ingest(ctx context.Context, obj domain.RemoteObject, isNew bool, stats *domain.SyncStats) error {
	photo := &domain.Photo{
		ObjectKey:   obj.Key,
		Size:        obj.Size,
		Fingerprint: obj.Fingerprint,
	}

	if err := s.loadSidecar(ctx, photo, stats); err != nil {
		return err
	}

	var tasks []*domain.Task
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		tasks = tasks[:0]

		photoID, err := s.photos.Upsert(txCtx, photo)
		if err != nil {
			return fmt.Errorf("upsert photo: %w", err)
		}

		if !isNew && s.opts.MetadataSource != "" {
			if _, err := s.entries.Purge(txCtx, photoID, s.opts.MetadataSource); err != nil {
				return fmt.Errorf("purge metadata entries: %w", err)
			}
		}

		for _, taskType := range s.opts.TaskTypes {
			payload, err := domain.NewPayload(taskType, photoID, obj.Key)
			if err != nil {
				return err
			}
			task, err := s.dispatcher.Create(txCtx, fmt.Sprintf("%s %s", taskType, obj.Key), payload, nil)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if isNew {
		stats.New++
	} else {
		stats.Changed++
	}

	// Tasks left queued by a failed publish are picked up by RequeueQueued.
	for _, task := range tasks {
		if err := s.dispatcher.Publish(ctx, task); err != nil {
			s.logger.Error("failed to publish task", "task_id", task.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Enqueued++
	}
	return nil
}

// loadSidecar fills photo from its sidecar when one exists. A malformed
// sidecar is quarantined and the photo is ingested without it.
func (s *SyncService) loadSidecar(ctx context.Context, photo *domain.Photo, stats *domain.SyncStats) error {
	key := inventory.SidecarKey(photo.ObjectKey)

	data, err := s.lister.Fetch(ctx, s.opts.Bucket, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch sidecar: %w", err)
	}

	sc, err := parseSidecar(data)
	if err == nil {
		err = sc.apply(photo)
	}
	if err != nil {
		s.quarantineObject(ctx, key, err.Error(), data, stats)
		return nil
	}
	return nil
}

func (s *SyncService) quarantineObject(ctx context.Context, key, reason string, payload []byte, stats *domain.SyncStats) {
	s.logger.Warn("quarantining object", "key", key, "reason", reason)

	err := s.quarantine.Quarantine(ctx, domain.QuarantineRecord{
		Source:  domain.QuarantineSourceRemote,
		Key:     key,
		Reason:  reason,
		Payload: payload,
	})
	if err != nil {
		s.logger.Error("failed to quarantine object", "key", key, "error", err)
		stats.Errors++
		return
	}
	stats.Quarantined++
}
