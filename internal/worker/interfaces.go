package worker

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/google/uuid"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/processor"
)

// Delivery is one message received from the queue.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Subscription streams deliveries to a single worker. The channel is closed
// when the subscription ends, either after Cancel or because the broker
// connection was lost.
type Subscription interface {
	Deliveries() <-chan Delivery
	Cancel() error
	Close() error
}

type Source interface {
	Subscribe(ctx context.Context, tag string) (Subscription, error)
}

// Ledger records task lifecycle transitions.
type Ledger interface {
	Resolve(ctx context.Context, msg domain.JobMessage) (*domain.Task, error)
	Begin(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	RecordAttempt(ctx context.Context, id uuid.UUID, errMsg string) error
	ReportProgress(ctx context.Context, id uuid.UUID, processed int64) error
	Succeed(ctx context.Context, id uuid.UUID, photoID int64, result domain.Result) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

type Processors interface {
	Lookup(taskType domain.TaskType) (processor.Processor, bool)
}

type Quarantiner interface {
	Quarantine(ctx context.Context, rec domain.QuarantineRecord) error
}
