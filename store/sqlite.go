// ABOUTME: SQLite-backed persistence for tasks, pipelines, transition history, agent runs, events, and artifacts.
// ABOUTME: Opens the database with WAL and foreign keys, creates the schema, and retries commits on SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/2389-research/taskflow/core"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = core.ErrNotFound
	// ErrStatusConflict is returned when a conditional status write finds the
	// row in a different status than expected.
	ErrStatusConflict = errors.New("status conflict")
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the single-database store used by the engine and supervisor.
type SQLite struct {
	db *sql.DB
	// busyRetries bounds how many times a write is retried on SQLITE_BUSY.
	busyRetries int
}

// Open opens or creates the database at path and runs migrations.
// Use ":memory:" only in tests that never need a second connection.
func Open(path string) (*SQLite, error) {
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps CAS updates and history appends serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, busyRetries: 5}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS pipelines (
		pipeline_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		plan_comments TEXT NOT NULL DEFAULT '',
		pr_link TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transition_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		history_id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',
		guard_results TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_history_task ON transition_history(task_id, seq);

	CREATE TABLE IF NOT EXISTS hook_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		history_id TEXT NOT NULL,
		hook TEXT NOT NULL,
		policy TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (history_id) REFERENCES transition_history(history_id)
	);
	CREATE INDEX IF NOT EXISTS idx_hook_exec_history ON hook_executions(history_id);

	CREATE TABLE IF NOT EXISTS agent_runs (
		run_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		task_status TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		previous_run_id TEXT NOT NULL DEFAULT '',
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		output TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON agent_runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON agent_runs(task_id, started_at);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, seq);

	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (task_id, kind),
		FOREIGN KEY (task_id) REFERENCES tasks(task_id)
	);`

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error. Busy errors restart the whole transaction.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, s.busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, backing off
// exponentially from 50ms up to 500ms.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("component=store action=busy_retry attempt=%d delay=%s", attempt+1, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
