// ABOUTME: Retrier reacts to failed agent runs by scheduling a fresh AgentRun after a backoff delay.
// ABOUTME: Each retry is a new run linked to the failed one; exhausted retries are left for a human.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/engine"
)

// ScheduleFunc runs fn after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// TaskLocker serializes work on a task with its transitions.
// *engine.Engine implements it.
type TaskLocker interface {
	WithTaskLock(taskID string, fn func() error) error
}

// RetrierDeps are the Retrier's collaborators. Locker, Events, Metrics,
// Schedule and Clock may be nil.
type RetrierDeps struct {
	Tasks    engine.TaskReader
	Runs     engine.RunReader
	Launcher *engine.Launcher
	Locker   TaskLocker
	Events   engine.EventLog
	Metrics  *Metrics
	Schedule ScheduleFunc
	Clock    func() time.Time
}

// Retrier implements engine.FailureHandler.
type Retrier struct {
	policy RetryPolicy
	deps   RetrierDeps

	mu      sync.Mutex
	seen    map[string]bool
	pending map[string]func()
	closed  bool
}

// NewRetrier builds a retrier for policy.
func NewRetrier(policy RetryPolicy, deps RetrierDeps) (*Retrier, error) {
	if deps.Tasks == nil || deps.Runs == nil || deps.Launcher == nil {
		return nil, errors.New("retrier: Tasks, Runs and Launcher are required")
	}
	if deps.Schedule == nil {
		deps.Schedule = afterFunc
	}
	return &Retrier{
		policy:  policy,
		deps:    deps,
		seen:    make(map[string]bool),
		pending: make(map[string]func()),
	}, nil
}

// HandleFailure schedules a retry for run when the policy allows one.
// Repeated notifications for the same run are ignored.
func (r *Retrier) HandleFailure(ctx context.Context, run *core.AgentRun) {
	if run == nil || !r.policy.Retryable(run) {
		return
	}

	r.mu.Lock()
	if r.closed || r.seen[run.ID] {
		r.mu.Unlock()
		return
	}
	r.seen[run.ID] = true
	r.mu.Unlock()

	if !r.policy.ShouldRetry(run) {
		r.deps.Metrics.retry("exhausted")
		log.Printf("component=retrier action=exhausted run=%s task=%s attempt=%d", run.ID, run.TaskID, run.Attempt)
		r.logEvent(ctx, run, core.LevelWarning, "retries exhausted; manual intervention required", map[string]any{
			"attempt":     run.Attempt,
			"max_retries": r.policy.MaxRetries,
		})
		return
	}

	retry := retriesUsed(run) + 1
	delay := r.policy.DelayForRetry(retry)
	failed := *run

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending[run.ID] = r.deps.Schedule(delay, func() {
		r.fire(context.WithoutCancel(ctx), &failed)
	})
	r.deps.Metrics.retry("scheduled")
	log.Printf("component=retrier action=scheduled run=%s task=%s retry=%d delay=%s", run.ID, run.TaskID, retry, delay)
	r.logEvent(ctx, run, core.LevelInfo, "retry scheduled", map[string]any{
		"retry":    retry,
		"delay_ms": delay.Milliseconds(),
	})
}

// fire launches the retry if the task is still where the failed run left it.
// The check and the launch happen under the task's lock so no transition can
// commit in between.
func (r *Retrier) fire(ctx context.Context, failed *core.AgentRun) {
	r.mu.Lock()
	delete(r.pending, failed.ID)
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	locker := r.deps.Locker
	if locker == nil {
		locker = noLocker{}
	}
	_ = locker.WithTaskLock(failed.TaskID, func() error {
		r.launchRetry(ctx, failed)
		return nil
	})
}

func (r *Retrier) launchRetry(ctx context.Context, failed *core.AgentRun) {
	task, err := r.deps.Tasks.GetTask(ctx, failed.TaskID)
	if err != nil {
		log.Printf("component=retrier action=load_task_failed run=%s task=%s err=%v", failed.ID, failed.TaskID, err)
		return
	}
	if task.Status != failed.TaskStatus {
		r.skip(ctx, failed, "task moved to "+task.Status)
		return
	}
	running, err := r.deps.Runs.RunningRunsForTask(ctx, task.ID)
	if err != nil {
		log.Printf("component=retrier action=list_running_failed task=%s err=%v", task.ID, err)
		return
	}
	if len(running) > 0 {
		r.skip(ctx, failed, "run "+running[0].ID+" is already running")
		return
	}

	timeout := r.policy.TimeoutPerAttempt
	if timeout <= 0 {
		timeout = failed.Timeout
	}
	next, err := r.deps.Launcher.Launch(ctx, engine.LaunchRequest{
		Task:          task,
		Mode:          failed.Mode,
		AgentType:     failed.AgentType,
		Timeout:       timeout,
		Attempt:       failed.Attempt + 1,
		PreviousRunID: failed.ID,
		PriorFailure:  failed.FailureSummary(),
	})
	if errors.Is(err, engine.ErrRunActive) {
		r.skip(ctx, failed, err.Error())
		return
	}
	if err != nil {
		log.Printf("component=retrier action=launch_failed run=%s err=%v", failed.ID, err)
		return
	}
	r.deps.Metrics.retry("launched")
	r.logEvent(ctx, failed, core.LevelInfo, "retry launched", map[string]any{
		"new_run_id": next.ID,
		"attempt":    next.Attempt,
	})
}

type noLocker struct{}

func (noLocker) WithTaskLock(_ string, fn func() error) error { return fn() }

func (r *Retrier) skip(ctx context.Context, failed *core.AgentRun, reason string) {
	r.deps.Metrics.retry("skipped")
	log.Printf("component=retrier action=skipped run=%s task=%s reason=%q", failed.ID, failed.TaskID, reason)
	r.logEvent(ctx, failed, core.LevelInfo, "retry skipped", map[string]any{"reason": reason})
}

// Pending reports how many retries are waiting on their delay.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close cancels every pending retry. Later failures are ignored.
func (r *Retrier) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, cancel := range r.pending {
		cancel()
		delete(r.pending, id)
	}
}

func (r *Retrier) logEvent(ctx context.Context, run *core.AgentRun, level core.EventLevel, msg string, data map[string]any) {
	if r.deps.Events == nil {
		return
	}
	ev := core.NewEvent(core.CategoryRetry, level, msg)
	ev.TaskID = run.TaskID
	ev.RunID = run.ID
	ev.Data = data
	if r.deps.Clock != nil {
		ev.CreatedAt = r.deps.Clock().UTC()
	}
	if err := r.deps.Events.Log(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("component=retrier action=event_log_failed run=%s err=%v", run.ID, err)
	}
}
