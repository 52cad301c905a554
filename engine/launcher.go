// ABOUTME: Launcher creates AgentRun rows and hands them to the executor; shared by start_agent and the retrier.
// ABOUTME: At most one run per task is running; a run whose Start fails is moved to failed immediately.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/2389-research/taskflow/core"
)

// LaunchRequest describes a run to start for a task.
type LaunchRequest struct {
	Task          *core.Task
	Mode          string
	AgentType     string
	Timeout       time.Duration
	Attempt       int
	PreviousRunID string
	// PriorFailure is injected into the prompt of retry attempts.
	PriorFailure string
	Params       map[string]string
}

// Launcher starts agent runs.
type Launcher struct {
	runs     RunStore
	executor Executor
	events   EventLog
	clock    Clock
	locks    *keyedMutex
}

// NewLauncher builds a launcher. events and clock may be nil.
func NewLauncher(runs RunStore, executor Executor, events EventLog, clock Clock) *Launcher {
	return &Launcher{runs: runs, executor: executor, events: events, clock: clock, locks: newKeyedMutex()}
}

// Launch persists a running AgentRun and starts it. The task's current status
// is captured on the run so a late outcome can be recognised as stale.
// ErrRunActive is returned if the task already has a running run.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*core.AgentRun, error) {
	if l.runs == nil || l.executor == nil {
		return nil, errors.New("launch: no executor configured")
	}
	if req.Task == nil {
		return nil, errors.New("launch: task is required")
	}
	unlock := l.locks.Lock(req.Task.ID)
	defer unlock()

	running, err := l.runs.RunningRunsForTask(ctx, req.Task.ID)
	if err != nil {
		return nil, fmt.Errorf("launch: list running runs: %w", err)
	}
	if len(running) > 0 {
		return nil, fmt.Errorf("launch for task %s: run %s: %w", req.Task.ID, running[0].ID, ErrRunActive)
	}
	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}
	run := &core.AgentRun{
		ID:            core.NewID(),
		TaskID:        req.Task.ID,
		Mode:          req.Mode,
		AgentType:     req.AgentType,
		Status:        core.RunRunning,
		TaskStatus:    req.Task.Status,
		Attempt:       attempt,
		PreviousRunID: req.PreviousRunID,
		Timeout:       req.Timeout,
		StartedAt:     l.clock.now(),
	}
	if err := l.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("launch: create run: %w", err)
	}

	startReq := core.StartRequest{
		Run:    *run,
		Task:   *req.Task.Clone(),
		Prompt: BuildPrompt(req.Task, req.Mode, req.PriorFailure),
		Params: req.Params,
	}
	if err := l.executor.Start(ctx, startReq); err != nil {
		if _, ferr := l.runs.FinishRun(context.WithoutCancel(ctx), run.ID, core.RunFinish{
			Status:      core.RunFailed,
			Error:       "start failed: " + err.Error(),
			CompletedAt: l.clock.now(),
		}); ferr != nil {
			log.Printf("component=launcher action=finish_failed_start run=%s err=%v", run.ID, ferr)
		}
		l.log(ctx, run, core.LevelError, "agent start failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("launch: start run %s: %w", run.ID, err)
	}

	log.Printf("component=launcher action=started run=%s task=%s agent=%s mode=%s attempt=%d", run.ID, run.TaskID, run.AgentType, run.Mode, run.Attempt)
	l.log(ctx, run, core.LevelInfo, "agent run started", map[string]any{
		"agent_type": run.AgentType,
		"mode":       run.Mode,
		"attempt":    run.Attempt,
	})
	return run, nil
}

func (l *Launcher) log(ctx context.Context, run *core.AgentRun, level core.EventLevel, msg string, data map[string]any) {
	if l.events == nil {
		return
	}
	ev := core.NewEvent(core.CategoryAgent, level, msg)
	ev.TaskID = run.TaskID
	ev.RunID = run.ID
	ev.Data = data
	ev.CreatedAt = l.clock.now()
	if err := l.events.Log(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("component=launcher action=event_log_failed run=%s err=%v", run.ID, err)
	}
}

// BuildPrompt renders the agent prompt for a task. priorFailure, when set,
// describes how the previous attempt ended.
func BuildPrompt(task *core.Task, mode, priorFailure string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if mode != "" {
		fmt.Fprintf(&b, "Mode: %s\n", mode)
	}
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if task.PlanComments != "" {
		fmt.Fprintf(&b, "\nPlan review comments:\n%s\n", task.PlanComments)
	}
	if priorFailure != "" {
		fmt.Fprintf(&b, "\nThe previous attempt did not succeed.\n%s\n", priorFailure)
	}
	b.WriteString("\nWhen finished, print a final line of the form OUTCOME: <name>.\n")
	return b.String()
}
