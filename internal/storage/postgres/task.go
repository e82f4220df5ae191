package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"photo_pipeline/internal/domain"
)

const taskColumns = `id, name, task_type, status, progress, total, processed, attempts,
	error_message, created_at, started_at, completed_at, metadata`

type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts task unless a row with its id already exists. It reports
// whether a row was inserted.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) (bool, error) {
	query := `
		INSERT INTO tasks (
			id, name, task_type, status, progress, total, processed, attempts,
			error_message, created_at, started_at, completed_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (id) DO NOTHING`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		task.ID,
		task.Name,
		task.TaskType,
		task.Status,
		task.Progress,
		task.Total,
		task.Processed,
		task.Attempts,
		task.ErrorMessage,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.Metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return n > 0, nil
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.get(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

// GetForUpdate locks the row for the rest of the surrounding transaction.
func (s *TaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.get(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
}

func (s *TaskStore) get(ctx context.Context, query string, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

func (s *TaskStore) Update(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks SET
			status = $2,
			progress = $3,
			total = $4,
			processed = $5,
			attempts = $6,
			error_message = $7,
			started_at = $8,
			completed_at = $9,
			metadata = $10
		WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		task.ID,
		task.Status,
		task.Progress,
		task.Total,
		task.Processed,
		task.Attempts,
		task.ErrorMessage,
		task.StartedAt,
		task.CompletedAt,
		task.Metadata,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: %w", task.ID, domain.ErrNotFound)
	}
	return nil
}

// List returns tasks matching filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.TaskType != nil {
		args = append(args, *filter.TaskType)
		conds = append(conds, "task_type = $"+strconv.Itoa(len(args)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + taskColumns + " FROM tasks")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, filter.NormalizedLimit())
	sb.WriteString(" ORDER BY created_at DESC, id LIMIT $" + strconv.Itoa(len(args)))

	tasks := []domain.Task{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &tasks, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}
