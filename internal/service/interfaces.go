package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"iter"

	"github.com/google/uuid"

	"photo_pipeline/internal/domain"
)

type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
}

type PhotoStore interface {
	GetFingerprints(ctx context.Context, keys []string) (map[string]string, error)
	Upsert(ctx context.Context, photo *domain.Photo) (int64, error)
	ListBatch(ctx context.Context, afterID int64, limit int) ([]domain.Photo, error)
	ApplyResult(ctx context.Context, photoID int64, result domain.Result) error
}

type QuarantineStore interface {
	Quarantine(ctx context.Context, rec domain.QuarantineRecord) error
}

type PlaceSummaryStore interface {
	Upsert(ctx context.Context, ps domain.PlaceSummary) (bool, error)
	Prune(ctx context.Context, keep [][2]float64) (int64, error)
}

type DayBlockStore interface {
	Upsert(ctx context.Context, b domain.DayBlock) (bool, error)
	Prune(ctx context.Context, keep []domain.DayBlock) (int64, error)
}

type MetadataEntryStore interface {
	InsertBatch(ctx context.Context, entries []domain.MetadataEntry) (int64, error)
	Purge(ctx context.Context, photoID int64, source string) (int64, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, msg domain.JobMessage) error
}

// ObjectLister reads the remote bucket.
type ObjectLister interface {
	List(ctx context.Context, bucket, prefix string) iter.Seq2[domain.RemoteObject, error]
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// TaskDispatcher creates ledger rows and hands them to the queue. Create
// joins a transaction carried by ctx; Publish must run after it commits.
type TaskDispatcher interface {
	Create(ctx context.Context, name string, payload domain.Payload, total *int64) (*domain.Task, error)
	Publish(ctx context.Context, task *domain.Task) error
}
