package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"photo_pipeline/internal/domain"
)

// Dispatcher records queued tasks in the ledger and publishes them.
type Dispatcher struct {
	tasks     TaskStore
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(tasks TaskStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:     tasks,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "dispatcher"),
	}
}

// Create inserts a queued task carrying payload in its metadata.
func (d *Dispatcher) Create(ctx context.Context, name string, payload domain.Payload, total *int64) (*domain.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	task := domain.NewTask(uuid.New(), name, payload.TaskType(), total, domain.Metadata{
		"photo_id": payload.Photo(),
		"payload":  json.RawMessage(raw),
	}, d.now())

	if _, err := d.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task %s: %w", name, err)
	}
	return task, nil
}

// Publish sends the job message for a queued task.
func (d *Dispatcher) Publish(ctx context.Context, task *domain.Task) error {
	raw, err := json.Marshal(task.Metadata["payload"])
	if err != nil {
		return fmt.Errorf("marshal payload of task %s: %w", task.ID, err)
	}

	msg := domain.JobMessage{
		TaskID:     task.ID,
		TaskType:   task.TaskType,
		Name:       task.Name,
		Total:      task.Total,
		Payload:    raw,
		EnqueuedAt: d.now(),
	}
	if err := d.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}

	d.logger.Debug("task enqueued", "task_id", task.ID, "task_type", task.TaskType)
	return nil
}

// Enqueue creates a task outside any ingest transaction and publishes it
// straight away. A failed publish leaves the task queued and returns it with
// the error.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, payload domain.Payload, total *int64) (*domain.Task, error) {
	task, err := d.Create(ctx, name, payload, total)
	if err != nil {
		return nil, err
	}
	if err := d.Publish(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

// RequeueQueued republishes up to limit tasks still queued, e.g. after a
// publish failed following a committed ingest. Consumers resolve duplicates
// through the ledger.
func (d *Dispatcher) RequeueQueued(ctx context.Context, limit int) (int, error) {
	status := domain.TaskStatusQueued
	tasks, err := d.tasks.List(ctx, domain.TaskFilter{Status: &status, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("list queued tasks: %w", err)
	}

	published := 0
	for i := range tasks {
		if err := d.Publish(ctx, &tasks[i]); err != nil {
			return published, err
		}
		published++
	}
	d.logger.Info("requeued tasks", "count", published)
	return published, nil
}
