// ABOUTME: AgentRun lifecycle record, its status enumeration, and the completion message agents report.
// ABOUTME: running is the only non-terminal run status; every mutation out of it is a compare-and-swap.
package core

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one agent execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunTimedOut, RunCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further status change is allowed.
func (s RunStatus) IsTerminal() bool {
	return s.Valid() && s != RunRunning
}

// OutcomeInterrupted is recorded on runs the supervisor finds without a live process.
const OutcomeInterrupted = "interrupted"

// AgentRun records one agent execution for a task.
type AgentRun struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Mode      string    `json:"mode"`
	AgentType string    `json:"agent_type"`
	Status    RunStatus `json:"status"`
	// TaskStatus is the task's status when the run started. Outcomes are only
	// applied while the task is still there.
	TaskStatus    string        `json:"task_status"`
	Attempt       int           `json:"attempt"`
	PreviousRunID string        `json:"previous_run_id,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Output        string        `json:"output,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// FailureSummary describes how the run ended, for injection into a retry's prompt.
func (r *AgentRun) FailureSummary() string {
	summary := fmt.Sprintf("previous attempt %d (run %s) ended %s", r.Attempt, r.ID, r.Status)
	if r.Outcome != "" {
		summary += fmt.Sprintf(" with outcome %q", r.Outcome)
	}
	if r.Error != "" {
		summary += ": " + r.Error
	}
	if tail := tailString(r.Output, 800); tail != "" {
		summary += "\nlast output:\n" + tail
	}
	return summary
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// RunFinish is the terminal update applied to a running run.
type RunFinish struct {
	Status  RunStatus
	Outcome string
	// Output replaces the stored output when non-empty.
	Output string
	// AppendOutput is appended after Output, on its own line.
	AppendOutput string
	Error        string
	CompletedAt  time.Time
}

// RunCompletion is posted by an execution collaborator when a run ends.
type RunCompletion struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
	Output  string    `json:"output,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// StartRequest is what the engine hands an execution collaborator to begin a run.
// The run row already exists in running status when Start is called.
type StartRequest struct {
	Run    AgentRun          `json:"run"`
	Task   Task              `json:"task"`
	Prompt string            `json:"prompt"`
	Params map[string]string `json:"params,omitempty"`
}
