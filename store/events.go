// ABOUTME: Activity-log persistence and artifact upserts.
// ABOUTME: Events are append-only; artifacts are unique per (task, kind) and updated in place.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/taskflow/core"
)

// Log appends one event to the activity log.
func (s *SQLite) Log(ctx context.Context, e core.Event) error {
	if e.ID == "" {
		e.ID = core.NewEvent(e.Category, e.Level, e.Message).ID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := encodeJSON(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	err = retryOnBusy(ctx, s.busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (event_id, task_id, run_id, category, level, message, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.RunID, string(e.Category), string(e.Level), e.Message, data,
			formatTime(e.CreatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events matching filter in the order they were logged.
func (s *SQLite) ListEvents(ctx context.Context, filter core.EventFilter) ([]core.Event, error) {
	query := `SELECT event_id, task_id, run_id, category, level, message, data, created_at FROM events`
	var where []string
	var args []any
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(filter.Level))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		var category, level, data, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RunID, &category, &level, &e.Message, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Category = core.EventCategory(category)
		e.Level = core.EventLevel(level)
		e.CreatedAt = parseTime(createdAt)
		if err := decodeJSON(data, &e.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertArtifact creates or updates the task's artifact of a.Kind.
func (s *SQLite) UpsertArtifact(ctx context.Context, a *core.Artifact) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	err := retryOnBusy(ctx, s.busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO artifacts (artifact_id, task_id, kind, state, url, ref, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(task_id, kind) DO UPDATE SET
				state = excluded.state,
				url = CASE WHEN excluded.url = '' THEN artifacts.url ELSE excluded.url END,
				ref = CASE WHEN excluded.ref = '' THEN artifacts.ref ELSE excluded.ref END,
				updated_at = excluded.updated_at`,
			a.ID, a.TaskID, a.Kind, a.State, a.URL, a.Ref, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the task's artifact of the given kind.
func (s *SQLite) GetArtifact(ctx context.Context, taskID, kind string) (*core.Artifact, error) {
	var a core.Artifact
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact_id, task_id, kind, state, url, ref, created_at, updated_at
		 FROM artifacts WHERE task_id = ? AND kind = ?`, taskID, kind,
	).Scan(&a.ID, &a.TaskID, &a.Kind, &a.State, &a.URL, &a.Ref, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", taskID, kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// ListArtifacts returns all artifacts recorded for the task.
func (s *SQLite) ListArtifacts(ctx context.Context, taskID string) ([]*core.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, task_id, kind, state, url, ref, created_at, updated_at
		 FROM artifacts WHERE task_id = ? ORDER BY kind`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Artifact
	for rows.Next() {
		var a core.Artifact
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.State, &a.URL, &a.Ref, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
