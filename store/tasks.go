// ABOUTME: Task and pipeline-definition persistence.
// ABOUTME: Task status is only written by CreateTask and CommitTransition; UpdateTask never touches it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

const taskColumns = `task_id, pipeline_id, title, description, status, depends_on,
	plan_comments, pr_link, metadata, created_at, updated_at`

// CreateTask inserts a new task. The caller is responsible for picking a valid
// initial status.
func (s *SQLite) CreateTask(ctx context.Context, task *core.Task) error {
	deps, err := encodeJSON(task.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	meta, err := encodeJSON(task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.PipelineID, task.Title, task.Description, task.Status, deps,
		task.PlanComments, task.PRLink, meta,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task by ID.
func (s *SQLite) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	PipelineID string
	Status     string
}

// ListTasks returns tasks ordered by creation time.
func (s *SQLite) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, task_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask applies the non-nil fields of update and returns the updated task.
func (s *SQLite) UpdateTask(ctx context.Context, id string, update core.TaskUpdate) (*core.Task, error) {
	var updated *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		if update.Title != nil {
			task.Title = *update.Title
		}
		if update.Description != nil {
			task.Description = *update.Description
		}
		if update.PlanComments != nil {
			task.PlanComments = *update.PlanComments
		}
		if update.PRLink != nil {
			task.PRLink = *update.PRLink
		}
		if len(update.Metadata) > 0 {
			if task.Metadata == nil {
				task.Metadata = make(map[string]string, len(update.Metadata))
			}
			for k, v := range update.Metadata {
				task.Metadata[k] = v
			}
		}
		task.UpdatedAt = time.Now().UTC()

		meta, err := encodeJSON(task.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, plan_comments = ?, pr_link = ?,
				metadata = ?, updated_at = ?
			 WHERE task_id = ?`,
			task.Title, task.Description, task.PlanComments, task.PRLink, meta,
			formatTime(task.UpdatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var task core.Task
	var deps, meta, createdAt, updatedAt string
	if err := row.Scan(
		&task.ID, &task.PipelineID, &task.Title, &task.Description, &task.Status, &deps,
		&task.PlanComments, &task.PRLink, &meta, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &task.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := decodeJSON(meta, &task.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

// SavePipeline upserts a pipeline definition.
func (s *SQLite) SavePipeline(ctx context.Context, def *pipeline.Definition) error {
	body, err := encodeJSON(def)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (pipeline_id, name, definition, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(pipeline_id) DO UPDATE SET
			name = excluded.name,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		def.ID, def.Name, body, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert pipeline: %w", err)
	}
	return nil
}

// GetPipeline loads a pipeline definition by ID.
func (s *SQLite) GetPipeline(ctx context.Context, id string) (*pipeline.Definition, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM pipelines WHERE pipeline_id = ?`, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	var def pipeline.Definition
	if err := decodeJSON(body, &def); err != nil {
		return nil, fmt.Errorf("decode pipeline %s: %w", id, err)
	}
	return &def, nil
}

// ListPipelines returns every stored pipeline ordered by ID.
func (s *SQLite) ListPipelines(ctx context.Context) ([]*pipeline.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM pipelines ORDER BY pipeline_id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*pipeline.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		var def pipeline.Definition
		if err := decodeJSON(body, &def); err != nil {
			return nil, fmt.Errorf("decode pipeline: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}
