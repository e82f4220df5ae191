package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"photo_pipeline/internal/domain"
)

// LedgerService is the only writer of task rows after creation. Every
// mutation locks the row, applies a state machine method and writes it back
// inside one transaction.
type LedgerService struct {
	tasks     TaskStore
	photos    PhotoStore
	txManager TransactionManager
	now       func() time.Time
	logger    *slog.Logger
}

func NewLedgerService(tasks TaskStore, photos PhotoStore, txManager TransactionManager, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		tasks:     tasks,
		photos:    photos,
		txManager: txManager,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "ledger"),
	}
}

// Resolve returns the task named by msg, creating it as queued when the
// dispatcher's row is missing. Redeliveries resolve to the same row.
func (l *LedgerService) Resolve(ctx context.Context, msg domain.JobMessage) (*domain.Task, error) {
	task := domain.NewTask(msg.TaskID, msg.Name, msg.TaskType, msg.Total, domain.Metadata{
		"payload": msg.Payload,
	}, l.now())

	created, err := l.tasks.Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if created {
		l.logger.Debug("task created from message", "task_id", msg.TaskID)
		return task, nil
	}
	return l.tasks.Get(ctx, msg.TaskID)
}

// Begin moves a queued task to running. A running task is returned as is so
// a redelivered message resumes it; terminal tasks are returned untouched.
func (l *LedgerService) Begin(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return l.mutate(ctx, id, func(_ context.Context, t *domain.Task) (bool, error) {
		if t.Status != domain.TaskStatusQueued {
			return false, nil
		}
		return true, t.Start(l.now())
	})
}

func (l *LedgerService) RecordAttempt(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := l.mutate(ctx, id, func(_ context.Context, t *domain.Task) (bool, error) {
		return true, t.RecordAttempt(errMsg)
	})
	return err
}

func (l *LedgerService) ReportProgress(ctx context.Context, id uuid.UUID, processed int64) error {
	_, err := l.mutate(ctx, id, func(_ context.Context, t *domain.Task) (bool, error) {
		return true, t.SetProgress(processed)
	})
	return err
}

// Succeed stores result on the photo and completes the task in the same
// transaction.
func (l *LedgerService) Succeed(ctx context.Context, id uuid.UUID, photoID int64, result domain.Result) error {
	_, err := l.mutate(ctx, id, func(txCtx context.Context, t *domain.Task) (bool, error) {
		if err := t.Succeed(l.now(), result); err != nil {
			return false, err
		}
		if err := l.photos.ApplyResult(txCtx, photoID, result); err != nil {
			return false, fmt.Errorf("apply result: %w", err)
		}
		return true, nil
	})
	return err
}

func (l *LedgerService) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := l.mutate(ctx, id, func(_ context.Context, t *domain.Task) (bool, error) {
		if t.Status == domain.TaskStatusQueued {
			// Failures detected before any attempt still pass through running.
			if err := t.Start(l.now()); err != nil {
				return false, err
			}
		}
		return true, t.Fail(l.now(), errMsg)
	})
	return err
}

func (l *LedgerService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return l.tasks.Get(ctx, id)
}

func (l *LedgerService) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	filter.Limit = filter.NormalizedLimit()
	return l.tasks.List(ctx, filter)
}

type mutation func(txCtx context.Context, t *domain.Task) (changed bool, err error)

func (l *LedgerService) mutate(ctx context.Context, id uuid.UUID, fn mutation) (*domain.Task, error) {
	var task *domain.Task
	err := l.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		t, err := l.tasks.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		changed, err := fn(txCtx, t)
		if err != nil {
			return err
		}
		if changed {
			if err := l.tasks.Update(txCtx, t); err != nil {
				return err
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return task, nil
}
