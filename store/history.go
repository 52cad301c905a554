// ABOUTME: Atomic status change plus transition-history append, and the append-only hook execution log.
// ABOUTME: History rows are never updated; hook outcomes are folded in from hook_executions on read.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

// CommitTransition moves the task from c.FromStatus to c.ToStatus and appends
// c.Entry in a single transaction. If the task is no longer in FromStatus the
// commit fails with ErrStatusConflict and nothing is written.
func (s *SQLite) CommitTransition(ctx context.Context, c core.TransitionCommit) (*core.Task, error) {
	var committed *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := c.Entry.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
			c.ToStatus, formatTime(now), c.TaskID, c.FromStatus,
		)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, c.TaskID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", c.TaskID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("load task status: %w", err)
			}
			return fmt.Errorf("task %s is %q, expected %q: %w", c.TaskID, current, c.FromStatus, ErrStatusConflict)
		}

		if err := insertHistoryTx(ctx, tx, c.Entry, now); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, c.TaskID)
		task, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		committed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, e core.HistoryEntry, at time.Time) error {
	data, err := encodeJSON(e.Data)
	if err != nil {
		return fmt.Errorf("encode history data: %w", err)
	}
	guards, err := encodeJSON(e.GuardResults)
	if err != nil {
		return fmt.Errorf("encode guard results: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transition_history
			(history_id, task_id, pipeline_id, from_status, to_status, trigger_kind, actor, data, guard_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.PipelineID, e.FromStatus, e.ToStatus, string(e.Trigger), e.Actor,
		data, guards, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// RecordHookExecution appends one hook outcome for a committed transition.
func (s *SQLite) RecordHookExecution(ctx context.Context, historyID string, outcome core.HookOutcome) error {
	at := outcome.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := retryOnBusy(ctx, s.busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO hook_executions (history_id, hook, policy, status, error, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			historyID, outcome.Hook, outcome.Policy, outcome.Status, outcome.Error,
			outcome.Duration.Milliseconds(), formatTime(at),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert hook execution: %w", err)
	}
	return nil
}

// ListHistory returns the task's transition history in commit order, with
// hook outcomes folded in. When a hook ran more than once for the same entry
// the latest outcome wins.
func (s *SQLite) ListHistory(ctx context.Context, taskID string) ([]core.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, history_id, task_id, pipeline_id, from_status, to_status, trigger_kind,
			actor, data, guard_results, created_at
		 FROM transition_history WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var entries []core.HistoryEntry
	index := make(map[string]int)
	for rows.Next() {
		var e core.HistoryEntry
		var trigger, data, guards, createdAt string
		if err := rows.Scan(&e.Seq, &e.ID, &e.TaskID, &e.PipelineID, &e.FromStatus, &e.ToStatus,
			&trigger, &e.Actor, &data, &guards, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Trigger = pipeline.Trigger(trigger)
		e.CreatedAt = parseTime(createdAt)
		if err := decodeJSON(data, &e.Data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode history data: %w", err)
		}
		if err := decodeJSON(guards, &e.GuardResults); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode guard results: %w", err)
		}
		e.HooksExecuted = make(map[string]core.HookOutcome)
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(entries) == 0 {
		return entries, nil
	}

	hookRows, err := s.db.QueryContext(ctx,
		`SELECT h.history_id, h.hook, h.policy, h.status, h.error, h.duration_ms, h.created_at
		 FROM hook_executions h
		 JOIN transition_history t ON t.history_id = h.history_id
		 WHERE t.task_id = ? ORDER BY h.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list hook executions: %w", err)
	}
	defer func() { _ = hookRows.Close() }()

	for hookRows.Next() {
		var historyID, createdAt string
		var durationMS int64
		var o core.HookOutcome
		if err := hookRows.Scan(&historyID, &o.Hook, &o.Policy, &o.Status, &o.Error, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan hook execution: %w", err)
		}
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.At = parseTime(createdAt)
		if i, ok := index[historyID]; ok {
			entries[i].HooksExecuted[o.Hook] = o
		}
	}
	return entries, hookRows.Err()
}
