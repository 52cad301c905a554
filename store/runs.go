// ABOUTME: AgentRun persistence with compare-and-swap terminal updates.
// ABOUTME: FinishRun only moves rows still in running, so completion callbacks and the supervisor cannot clobber each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/taskflow/core"
)

const runColumns = `run_id, task_id, mode, agent_type, status, task_status, attempt,
	previous_run_id, timeout_ms, started_at, completed_at, output, outcome, error`

// CreateRun inserts a new agent run.
func (s *SQLite) CreateRun(ctx context.Context, run *core.AgentRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}
	err := retryOnBusy(ctx, s.busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.TaskID, run.Mode, run.AgentType, string(run.Status), run.TaskStatus, run.Attempt,
			run.PreviousRunID, run.Timeout.Milliseconds(), formatTime(run.StartedAt), completedAt,
			run.Output, run.Outcome, run.Error,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *SQLite) GetRun(ctx context.Context, id string) (*core.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the task's runs, oldest first.
func (s *SQLite) ListRuns(ctx context.Context, taskID string) ([]*core.AgentRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? ORDER BY started_at, run_id`, taskID)
}

// ListRunsByStatus returns every run in the given status, oldest first.
func (s *SQLite) ListRunsByStatus(ctx context.Context, status core.RunStatus) ([]*core.AgentRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE status = ? ORDER BY started_at, run_id`, string(status))
}

// RunningRunsForTask returns the task's runs that are still running.
func (s *SQLite) RunningRunsForTask(ctx context.Context, taskID string) ([]*core.AgentRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? AND status = ? ORDER BY started_at, run_id`,
		taskID, string(core.RunRunning))
}

func (s *SQLite) queryRuns(ctx context.Context, query string, args ...any) ([]*core.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FinishRun moves a running run to a terminal status. It reports false
// without error when the run had already left running.
func (s *SQLite) FinishRun(ctx context.Context, id string, f core.RunFinish) (bool, error) {
	if !f.Status.IsTerminal() {
		return false, fmt.Errorf("finish run %s: %q is not a terminal status", id, f.Status)
	}
	at := f.CompletedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = false
		var output string
		err := tx.QueryRowContext(ctx,
			`SELECT output FROM agent_runs WHERE run_id = ?`, id,
		).Scan(&output)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if f.Output != "" {
			output = f.Output
		}
		if f.AppendOutput != "" {
			if output != "" {
				output += "\n"
			}
			output += f.AppendOutput
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE agent_runs SET status = ?, completed_at = ?, output = ?, outcome = ?, error = ?
			 WHERE run_id = ? AND status = ?`,
			string(f.Status), formatTime(at), output, f.Outcome, f.Error, id, string(core.RunRunning),
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		applied = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func scanRun(row rowScanner) (*core.AgentRun, error) {
	var run core.AgentRun
	var status, startedAt string
	var completedAt sql.NullString
	var timeoutMS int64
	if err := row.Scan(
		&run.ID, &run.TaskID, &run.Mode, &run.AgentType, &status, &run.TaskStatus, &run.Attempt,
		&run.PreviousRunID, &timeoutMS, &startedAt, &completedAt, &run.Output, &run.Outcome, &run.Error,
	); err != nil {
		return nil, err
	}
	run.Status = core.RunStatus(status)
	run.Timeout = time.Duration(timeoutMS) * time.Millisecond
	run.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}
