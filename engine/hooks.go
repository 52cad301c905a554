// ABOUTME: Post-commit hook execution with per-hook failure isolation according to each hook's policy.
// ABOUTME: Every outcome is appended to hook_executions and failures are logged exactly once per invocation.
package engine

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

// runHooks executes tr's hooks in declaration order. Required and best-effort
// hooks are awaited; fire-and-forget hooks are dispatched on their own goroutine.
func (e *Engine) runHooks(ctx context.Context, task *core.Task, tr pipeline.Transition, tc TransitionContext, historyID string, result *TransitionResult) {
	for _, ref := range tr.Hooks {
		fn, policy, ok := e.hooks.Lookup(ref.Name)
		if !ok {
			// Definitions are validated against the registry on load, so this
			// only happens if a definition bypassed LoadPipeline.
			outcome := core.HookOutcome{
				Hook:   ref.Name,
				Policy: string(PolicyRequired),
				Status: core.HookFailed,
				Error:  ErrUnknownHook.Error(),
				At:     e.clock.now(),
			}
			e.recordHook(ctx, task, historyID, outcome)
			result.HookOutcomes = append(result.HookOutcomes, outcome)
			result.Warnings = append(result.Warnings, fmt.Sprintf("hook %s: %v", ref.Name, ErrUnknownHook))
			continue
		}

		in := HookInput{Task: task.Clone(), Transition: tr, Ref: ref, Context: tc, HistoryID: historyID}

		if policy == PolicyFireAndForget {
			dispatched := core.HookOutcome{Hook: ref.Name, Policy: string(policy), Status: core.HookDispatched, At: e.clock.now()}
			result.HookOutcomes = append(result.HookOutcomes, dispatched)
			bg := context.WithoutCancel(ctx)
			e.async.Add(1)
			go func() {
				defer e.async.Done()
				outcome := e.invokeHook(bg, fn, policy, in)
				e.recordHook(bg, in.Task, historyID, outcome)
			}()
			continue
		}

		outcome := e.invokeHook(ctx, fn, policy, in)
		e.recordHook(ctx, task, historyID, outcome)
		result.HookOutcomes = append(result.HookOutcomes, outcome)
		if outcome.Status == core.HookFailed && policy == PolicyRequired {
			result.Warnings = append(result.Warnings, fmt.Sprintf("hook %s failed: %s", ref.Name, outcome.Error))
		}
	}
}

func (e *Engine) invokeHook(ctx context.Context, fn HookFunc, policy HookPolicy, in HookInput) core.HookOutcome {
	start := time.Now()
	err := safeHook(ctx, fn, in)
	d := time.Since(start)
	outcome := core.HookOutcome{
		Hook:     in.Ref.Name,
		Policy:   string(policy),
		Status:   core.HookOK,
		Duration: d,
		At:       e.clock.now(),
	}
	if err != nil {
		outcome.Status = core.HookFailed
		outcome.Error = err.Error()
	}
	e.metrics.hookExecuted(in.Ref.Name, policy, outcome.Status, d)
	return outcome
}

func safeHook(ctx context.Context, fn HookFunc, in HookInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, in)
}

// recordHook appends the outcome and, for failures, writes one event.
func (e *Engine) recordHook(ctx context.Context, task *core.Task, historyID string, outcome core.HookOutcome) {
	if err := e.commits.RecordHookExecution(context.WithoutCancel(ctx), historyID, outcome); err != nil {
		log.Printf("component=engine action=record_hook_failed hook=%s history=%s err=%v", outcome.Hook, historyID, err)
	}
	if outcome.Status != core.HookFailed {
		return
	}
	level := core.LevelWarning
	if outcome.Policy == string(PolicyRequired) {
		level = core.LevelError
	}
	log.Printf("component=engine action=hook_failed hook=%s policy=%s task=%s err=%s", outcome.Hook, outcome.Policy, task.ID, outcome.Error)
	e.logEvent(ctx, core.Event{
		TaskID:   task.ID,
		Category: core.CategoryHook,
		Level:    level,
		Message:  fmt.Sprintf("hook %s failed", outcome.Hook),
		Data: map[string]any{
			"hook":       outcome.Hook,
			"policy":     outcome.Policy,
			"error":      outcome.Error,
			"history_id": historyID,
		},
	})
}
