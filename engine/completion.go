// ABOUTME: Agent completion handling: CAS the run to its final status, then map its outcome to an agent transition.
// ABOUTME: Completions arrive as messages drained sequentially from a CompletionSource, never as nested callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

// DrainCompletions consumes completions from source until ctx is cancelled.
// Handling errors are logged; the message is not redelivered.
func (e *Engine) DrainCompletions(ctx context.Context, source CompletionSource) error {
	return source.Consume(ctx, func(ctx context.Context, c core.RunCompletion) error {
		if err := e.HandleCompletion(ctx, c); err != nil {
			log.Printf("component=engine action=completion_failed run=%s err=%v", c.RunID, err)
		}
		return nil
	})
}

// HandleCompletion applies one agent completion. The run is moved out of
// running with a compare-and-swap; a completion for a run that is already
// terminal is logged and ignored. A reported outcome is matched against the
// agent transitions out of the task's current status. The executor is told
// to release the run once the completion has been handled.
func (e *Engine) HandleCompletion(ctx context.Context, c core.RunCompletion) error {
	if e.runs == nil {
		return errors.New("handle completion: no run store configured")
	}
	defer e.releaseRun(c.RunID)
	status := c.Status
	if status == "" {
		status = core.RunCompleted
		if c.Error != "" {
			status = core.RunFailed
		}
	}
	if !status.IsTerminal() {
		return fmt.Errorf("handle completion %s: %q is not a terminal status", c.RunID, status)
	}
	at := c.At
	if at.IsZero() {
		at = e.clock.now()
	}

	applied, err := e.runs.FinishRun(ctx, c.RunID, core.RunFinish{
		Status:      status,
		Outcome:     c.Outcome,
		Output:      c.Output,
		Error:       c.Error,
		CompletedAt: at,
	})
	if err != nil {
		return fmt.Errorf("handle completion %s: %w", c.RunID, err)
	}
	run, err := e.runs.GetRun(ctx, c.RunID)
	if err != nil {
		return fmt.Errorf("handle completion %s: %w", c.RunID, err)
	}
	if !applied {
		log.Printf("component=engine action=late_completion run=%s stored_status=%s reported_status=%s", run.ID, run.Status, status)
		e.logEvent(ctx, core.Event{
			TaskID:   run.TaskID,
			RunID:    run.ID,
			Category: core.CategoryAgent,
			Level:    core.LevelInfo,
			Message:  "late completion ignored",
			Data:     map[string]any{"stored_status": string(run.Status), "reported_status": string(status), "outcome": c.Outcome},
		})
		return nil
	}
	e.metrics.completion(string(status))
	e.logEvent(ctx, core.Event{
		TaskID:   run.TaskID,
		RunID:    run.ID,
		Category: core.CategoryAgent,
		Level:    levelForRun(status),
		Message:  "agent run " + string(status),
		Data:     map[string]any{"outcome": run.Outcome, "error": run.Error},
	})

	consumed := false
	if run.Outcome != "" {
		consumed, err = e.applyOutcome(ctx, run)
		if err != nil {
			return err
		}
	}

	if status != core.RunCompleted && !consumed {
		if h := e.failureHandler(); h != nil {
			h.HandleFailure(ctx, run)
		}
	}
	return nil
}

func (e *Engine) releaseRun(runID string) {
	if r, ok := e.executor.(CompletionReleaser); ok {
		r.Release(runID)
	}
}

func levelForRun(s core.RunStatus) core.EventLevel {
	if s == core.RunCompleted || s == core.RunCancelled {
		return core.LevelInfo
	}
	return core.LevelWarning
}

// applyOutcome executes the agent transition selected by run.Outcome. It
// reports whether the task moved.
func (e *Engine) applyOutcome(ctx context.Context, run *core.AgentRun) (bool, error) {
	task, err := e.tasks.GetTask(ctx, run.TaskID)
	if err != nil {
		return false, fmt.Errorf("apply outcome for run %s: %w", run.ID, err)
	}
	if run.TaskStatus != "" && task.Status != run.TaskStatus {
		e.logEvent(ctx, core.Event{
			TaskID:   task.ID,
			RunID:    run.ID,
			Category: core.CategoryAgent,
			Level:    core.LevelWarning,
			Message:  "stale agent outcome ignored",
			Data:     map[string]any{"outcome": run.Outcome, "run_status": run.TaskStatus, "task_status": task.Status},
		})
		return false, nil
	}
	def, err := e.LoadPipeline(ctx, task.PipelineID)
	if err != nil {
		return false, err
	}
	tr, ok := def.FindAgentTransition(task.Status, run.Outcome)
	if !ok {
		e.metrics.unmatched()
		log.Printf("component=engine action=unmatched_outcome task=%s run=%s status=%s outcome=%s", task.ID, run.ID, task.Status, run.Outcome)
		e.logEvent(ctx, core.Event{
			TaskID:   task.ID,
			RunID:    run.ID,
			Category: core.CategoryAgent,
			Level:    core.LevelWarning,
			Message:  "unmatched agent outcome",
			Data:     map[string]any{"outcome": run.Outcome, "status": task.Status},
		})
		return false, nil
	}

	res, err := e.ExecuteTransition(ctx, task, tr.To, TransitionContext{
		Trigger: pipeline.TriggerAgent,
		Actor:   "agent:" + run.AgentType,
		Data:    map[string]any{"run_id": run.ID, "outcome": run.Outcome},
	})
	if err != nil {
		return false, fmt.Errorf("apply outcome %q for run %s: %w", run.Outcome, run.ID, err)
	}
	if !res.Success {
		e.logEvent(ctx, core.Event{
			TaskID:   task.ID,
			RunID:    run.ID,
			Category: core.CategoryAgent,
			Level:    core.LevelWarning,
			Message:  "agent outcome blocked by guards",
			Data:     map[string]any{"outcome": run.Outcome, "to": tr.To, "failures": failureData(res.GuardFailures)},
		})
	}
	return res.Success, nil
}
