package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of an enrichment task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// CanTransitionTo reports whether next is reachable from s in one step.
// The only edges are queued->running and running->{succeeded,failed}.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning
	case TaskStatusRunning:
		return next == TaskStatusSucceeded || next == TaskStatusFailed
	default:
		return false
	}
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// Metadata is the open key/value document attached to a task. It is stored as jsonb.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	*m = out
	return nil
}

// Task is one unit of enrichment work tracked in the ledger.
type Task struct {
	ID           uuid.UUID  `db:"id"`
	Name         string     `db:"name"`
	TaskType     TaskType   `db:"task_type"`
	Status       TaskStatus `db:"status"`
	Progress     int        `db:"progress"`
	Total        *int64     `db:"total"`
	Processed    int64      `db:"processed"`
	Attempts     int        `db:"attempts"`
	ErrorMessage *string    `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Metadata     Metadata   `db:"metadata"`
}

// NewTask returns a queued task.
func NewTask(id uuid.UUID, name string, taskType TaskType, total *int64, metadata Metadata, now time.Time) *Task {
	if metadata == nil {
		metadata = Metadata{}
	}
	return &Task{
		ID:        id,
		Name:      name,
		TaskType:  taskType,
		Status:    TaskStatusQueued,
		Total:     total,
		CreatedAt: now,
		Metadata:  metadata,
	}
}

func (t *Task) transition(next TaskStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// Start moves a queued task to running and stamps StartedAt.
func (t *Task) Start(now time.Time) error {
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// SetProgress records the number of processed units while running.
func (t *Task) SetProgress(processed int64) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: progress on %s task", ErrInvalidTransition, t.Status)
	}
	if processed < 0 || (t.Total != nil && processed > *t.Total) {
		return fmt.Errorf("%w: %d", ErrProgressOutOfRange, processed)
	}
	t.Processed = processed
	if t.Total != nil && *t.Total > 0 {
		t.Progress = int(processed * 100 / *t.Total)
	}
	return nil
}

// RecordAttempt counts a failed processor invocation; the task stays running.
func (t *Task) RecordAttempt(errMsg string) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: attempt on %s task", ErrInvalidTransition, t.Status)
	}
	t.Attempts++
	t.Metadata["last_error"] = errMsg
	return nil
}

// Succeed completes the task and stores result under the "result" metadata key.
func (t *Task) Succeed(now time.Time, result any) error {
	if err := t.transition(TaskStatusSucceeded); err != nil {
		return err
	}
	t.Attempts++
	if t.Total != nil {
		t.Processed = *t.Total
	} else {
		t.Processed++
	}
	t.Progress = 100
	t.CompletedAt = &now
	if result != nil {
		t.Metadata["result"] = result
	}
	return nil
}

// Fail completes the task with msg as its error message.
func (t *Task) Fail(now time.Time, msg string) error {
	if err := t.transition(TaskStatusFailed); err != nil {
		return err
	}
	t.ErrorMessage = &msg
	t.CompletedAt = &now
	return nil
}

// TaskFilter narrows the task query interface.
type TaskFilter struct {
	Status   *TaskStatus
	TaskType *TaskType
	Limit    int
}

const (
	DefaultTaskLimit = 50
	MaxTaskLimit     = 500
)

// NormalizedLimit bounds Limit to (0, MaxTaskLimit].
func (f TaskFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultTaskLimit
	case f.Limit > MaxTaskLimit:
		return MaxTaskLimit
	default:
		return f.Limit
	}
}
