// ABOUTME: Pipeline engine: validates requested transitions against definitions and guards, commits atomically, runs hooks.
// ABOUTME: Status only ever changes through ExecuteTransition; hook failures never roll back a committed transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

const defaultPipelineCacheSize = 64

// EngineConfig holds everything the engine needs. It is built once at startup;
// tests build a fresh one per case.
type EngineConfig struct {
	Guards    *GuardRegistry
	Hooks     *HookRegistry
	Tasks     TaskStore
	Pipelines PipelineReader
	Commits   CommitStore
	Runs      RunStore
	Events    EventLog
	Executor  Executor
	// Failures is notified about failed runs whose outcome did not move the task.
	Failures FailureHandler
	Metrics  *Metrics
	Clock    Clock
	// PipelineCacheSize bounds the validated-definition cache. Zero uses 64.
	PipelineCacheSize int
}

// Engine executes pipeline transitions.
type Engine struct {
	guards    *GuardRegistry
	hooks     *HookRegistry
	tasks     TaskStore
	pipelines PipelineReader
	commits   CommitStore
	runs      RunStore
	events    EventLog
	executor  Executor
	metrics   *Metrics
	clock     Clock

	failuresMu sync.RWMutex
	failures   FailureHandler

	cache *lru.Cache[string, *pipeline.Definition]
	locks *keyedMutex
	async sync.WaitGroup
}

// New creates an engine from cfg.
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.Tasks == nil || cfg.Pipelines == nil || cfg.Commits == nil {
		return nil, errors.New("engine: Tasks, Pipelines and Commits are required")
	}
	if cfg.Guards == nil {
		cfg.Guards = NewGuardRegistry()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NewHookRegistry()
	}
	size := cfg.PipelineCacheSize
	if size <= 0 {
		size = defaultPipelineCacheSize
	}
	cache, err := lru.New[string, *pipeline.Definition](size)
	if err != nil {
		return nil, fmt.Errorf("engine: pipeline cache: %w", err)
	}
	return &Engine{
		guards:    cfg.Guards,
		hooks:     cfg.Hooks,
		tasks:     cfg.Tasks,
		pipelines: cfg.Pipelines,
		commits:   cfg.Commits,
		runs:      cfg.Runs,
		events:    cfg.Events,
		executor:  cfg.Executor,
		failures:  cfg.Failures,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		cache:     cache,
		locks:     newKeyedMutex(),
	}, nil
}

// SetFailureHandler replaces the failure handler. The retrier needs the engine
// to exist before it can be built, so it is attached afterwards.
func (e *Engine) SetFailureHandler(h FailureHandler) {
	e.failuresMu.Lock()
	e.failures = h
	e.failuresMu.Unlock()
}

func (e *Engine) failureHandler() FailureHandler {
	e.failuresMu.RLock()
	defer e.failuresMu.RUnlock()
	return e.failures
}

// GuardFailure names a guard that denied a transition and why.
type GuardFailure struct {
	Guard  string `json:"guard"`
	Reason string `json:"reason"`
}

// TransitionResult reports the outcome of ExecuteTransition.
type TransitionResult struct {
	Success bool       `json:"success"`
	Task    *core.Task `json:"task,omitempty"`
	Error   string     `json:"error,omitempty"`
	// GuardFailures lists every denying guard, in declaration order.
	GuardFailures []GuardFailure                `json:"guard_failures,omitempty"`
	GuardResults  map[string]core.GuardOutcome  `json:"guard_results,omitempty"`
	HookOutcomes  []core.HookOutcome            `json:"hook_outcomes,omitempty"`
	// Warnings carries required-hook failures. The transition still succeeded.
	Warnings  []string `json:"warnings,omitempty"`
	HistoryID string   `json:"history_id,omitempty"`
	// Automatic holds the automatic transition taken after this one, if any.
	// Task then reflects the status it ended in.
	Automatic []*TransitionResult `json:"automatic,omitempty"`
}

// maxAutomaticDepth bounds how many automatic transitions one request can chain.
const maxAutomaticDepth = 16

// ExecuteTransition moves task to status to if the pipeline declares that
// transition and every guard allows it. The status change and its history
// row are committed together under the task's lock. Hooks run after the lock
// is released and cannot undo the commit. Automatic transitions out of the
// new status are then attempted in declaration order.
//
// Definition and storage failures are returned as errors alongside a
// non-successful result. Guard denials are not errors.
func (e *Engine) ExecuteTransition(ctx context.Context, task *core.Task, to string, tc TransitionContext) (*TransitionResult, error) {
	if task == nil || task.ID == "" {
		return nil, errors.New("execute transition: task is required")
	}
	return e.execute(ctx, task.ID, to, tc, 0)
}

func (e *Engine) execute(ctx context.Context, taskID, to string, tc TransitionContext, depth int) (*TransitionResult, error) {
	result, c, err := e.commit(ctx, taskID, to, tc)
	if err != nil || !result.Success {
		return result, err
	}

	if len(c.tr.Hooks) > 0 {
		e.runHooks(ctx, result.Task, c.tr, c.tc, result.HistoryID, result)
		if reloaded, err := e.tasks.GetTask(ctx, taskID); err == nil {
			result.Task = reloaded
		}
	}
	e.followAutomatic(ctx, c.def, result, depth)
	return result, nil
}

type committed struct {
	def *pipeline.Definition
	tr  pipeline.Transition
	tc  TransitionContext
}

// commit checks and applies one transition while holding the task's lock.
func (e *Engine) commit(ctx context.Context, taskID, to string, tc TransitionContext) (*TransitionResult, *committed, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	current, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	def, err := e.LoadPipeline(ctx, current.PipelineID)
	if err != nil {
		return failedResult(current, err), nil, err
	}

	if !def.HasStatus(to) {
		err := &DefinitionError{PipelineID: def.ID, To: to, Err: ErrUnknownStatus}
		e.metrics.transition(def.ID, "definition_error")
		return failedResult(current, err), nil, err
	}
	tr, ok := def.FindTransition(current.Status, to)
	if !ok {
		err := &DefinitionError{PipelineID: def.ID, From: current.Status, To: to, Err: ErrNoSuchTransition}
		e.metrics.transition(def.ID, "definition_error")
		return failedResult(current, err), nil, err
	}
	if tc.Trigger == "" {
		tc.Trigger = tr.Trigger
	}

	checks, err := e.evaluateGuards(ctx, def.ID, current, tr, tc)
	if err != nil {
		e.metrics.transition(def.ID, "definition_error")
		return failedResult(current, err), nil, err
	}
	guardResults := make(map[string]core.GuardOutcome, len(checks))
	var failures []GuardFailure
	for _, c := range checks {
		guardResults[c.Key] = core.GuardOutcome{Allowed: c.Allowed, Reason: c.Reason}
		if !c.Allowed {
			failures = append(failures, GuardFailure{Guard: c.Guard, Reason: c.Reason})
			e.metrics.guardDenied(c.Guard)
		}
	}
	if len(failures) > 0 {
		e.metrics.transition(def.ID, "denied")
		e.logEvent(ctx, core.Event{
			TaskID:   current.ID,
			Category: core.CategoryGuard,
			Level:    core.LevelInfo,
			Message:  fmt.Sprintf("transition %s -> %s denied", current.Status, to),
			Data:     map[string]any{"from": current.Status, "to": to, "failures": failureData(failures)},
		})
		return &TransitionResult{
			Task:          current,
			Error:         "guard denied: " + joinFailures(failures),
			GuardFailures: failures,
			GuardResults:  guardResults,
		}, nil, nil
	}

	now := e.clock.now()
	entry := core.HistoryEntry{
		ID:           core.NewID(),
		TaskID:       current.ID,
		PipelineID:   def.ID,
		FromStatus:   current.Status,
		ToStatus:     to,
		Trigger:      tc.Trigger,
		Actor:        tc.Actor,
		Data:         core.ProjectData(tc.Data),
		GuardResults: guardResults,
		CreatedAt:    now,
	}
	updated, err := e.commits.CommitTransition(ctx, core.TransitionCommit{
		TaskID:     current.ID,
		FromStatus: current.Status,
		ToStatus:   to,
		Entry:      entry,
	})
	if err != nil {
		e.metrics.transition(def.ID, "commit_error")
		cerr := &CommitError{TaskID: current.ID, Err: err}
		log.Printf("component=engine action=commit_failed task=%s from=%s to=%s err=%v", current.ID, current.Status, to, err)
		return failedResult(current, cerr), nil, cerr
	}
	e.metrics.transition(def.ID, "committed")

	e.logEvent(ctx, core.Event{
		TaskID:   current.ID,
		Category: core.CategoryTransition,
		Level:    core.LevelInfo,
		Message:  fmt.Sprintf("%s -> %s", current.Status, to),
		Data: map[string]any{
			"from":       current.Status,
			"to":         to,
			"trigger":    string(tc.Trigger),
			"actor":      tc.Actor,
			"history_id": entry.ID,
		},
	})
	log.Printf("component=engine action=transition task=%s pipeline=%s from=%s to=%s trigger=%s", current.ID, def.ID, current.Status, to, tc.Trigger)

	return &TransitionResult{
		Success:      true,
		Task:         updated,
		GuardResults: guardResults,
		HistoryID:    entry.ID,
	}, &committed{def: def, tr: tr, tc: tc}, nil
}

// followAutomatic tries the automatic transitions out of the task's new
// status. The first one whose guards allow it is taken; a denial moves on to
// the next candidate and an error stops the chain.
func (e *Engine) followAutomatic(ctx context.Context, def *pipeline.Definition, result *TransitionResult, depth int) {
	var candidates []pipeline.Transition
	for _, tr := range def.TransitionsFrom(result.Task.Status) {
		if tr.Trigger == pipeline.TriggerAutomatic {
			candidates = append(candidates, tr)
		}
	}
	if len(candidates) == 0 {
		return
	}
	if depth >= maxAutomaticDepth {
		log.Printf("component=engine action=automatic_depth_exceeded task=%s status=%s depth=%d", result.Task.ID, result.Task.Status, depth)
		result.Warnings = append(result.Warnings, fmt.Sprintf("automatic transitions stopped after %d steps", depth))
		return
	}
	for _, tr := range candidates {
		next, err := e.execute(ctx, result.Task.ID, tr.To, TransitionContext{
			Trigger: pipeline.TriggerAutomatic,
			Actor:   "engine",
			Data:    map[string]any{"after": result.HistoryID},
		}, depth+1)
		if errors.Is(err, ErrNoSuchTransition) {
			// The task was moved by someone else after the commit.
			return
		}
		if err != nil {
			log.Printf("component=engine action=automatic_failed task=%s from=%s to=%s err=%v", result.Task.ID, tr.From, tr.To, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("automatic transition to %s: %v", tr.To, err))
			return
		}
		if next.Success {
			result.Automatic = append(result.Automatic, next)
			result.Task = next.Task
			return
		}
	}
}

func failedResult(task *core.Task, err error) *TransitionResult {
	return &TransitionResult{Task: task, Error: err.Error()}
}

func joinFailures(failures []GuardFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.Guard + ": " + f.Reason
	}
	return strings.Join(parts, "; ")
}

func failureData(failures []GuardFailure) []any {
	out := make([]any, len(failures))
	for i, f := range failures {
		out[i] = map[string]any{"guard": f.Guard, "reason": f.Reason}
	}
	return out
}

type guardCheck struct {
	Guard string
	// Key identifies the check in GuardResults. A guard listed more than
	// once on a transition gets a "#n" suffix from its second occurrence.
	Key     string
	Allowed bool
	Reason  string
}

// evaluateGuards runs every guard on tr in declaration order. All guards run
// even after a denial so the audit record is complete.
func (e *Engine) evaluateGuards(ctx context.Context, pipelineID string, task *core.Task, tr pipeline.Transition, tc TransitionContext) ([]guardCheck, error) {
	fns := make([]GuardFunc, len(tr.Guards))
	for i, ref := range tr.Guards {
		fn, ok := e.guards.Lookup(ref.Name)
		if !ok {
			return nil, &DefinitionError{PipelineID: pipelineID, Name: ref.Name, Err: ErrUnknownGuard}
		}
		fns[i] = fn
	}
	checks := make([]guardCheck, len(tr.Guards))
	seen := make(map[string]int, len(tr.Guards))
	for i, ref := range tr.Guards {
		res := safeGuard(ctx, fns[i], GuardInput{Task: task.Clone(), Transition: tr, Ref: ref, Context: tc})
		seen[ref.Name]++
		key := ref.Name
		if n := seen[ref.Name]; n > 1 {
			key = fmt.Sprintf("%s#%d", ref.Name, n)
		}
		checks[i] = guardCheck{Guard: ref.Name, Key: key, Allowed: res.Allowed, Reason: res.Reason}
	}
	return checks, nil
}

func safeGuard(ctx context.Context, fn GuardFunc, in GuardInput) (res GuardResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("component=engine action=guard_panic guard=%s task=%s panic=%v\n%s", in.Ref.Name, in.Task.ID, r, debug.Stack())
			res = Deny("guard panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

// AvailableTransition is a transition out of the task's current status with
// its guard verdict.
type AvailableTransition struct {
	Transition pipeline.Transition `json:"transition"`
	Allowed    bool                `json:"allowed"`
	Failures   []GuardFailure      `json:"failures,omitempty"`
}

// GetValidTransitions evaluates every transition out of the task's current
// status without mutating anything or running hooks.
func (e *Engine) GetValidTransitions(ctx context.Context, task *core.Task) ([]AvailableTransition, error) {
	if task == nil {
		return nil, errors.New("get valid transitions: task is required")
	}
	current, err := e.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", task.ID, err)
	}
	def, err := e.LoadPipeline(ctx, current.PipelineID)
	if err != nil {
		return nil, err
	}
	var out []AvailableTransition
	for _, tr := range def.TransitionsFrom(current.Status) {
		tc := TransitionContext{Trigger: tr.Trigger}
		checks, err := e.evaluateGuards(ctx, def.ID, current, tr, tc)
		if err != nil {
			return nil, err
		}
		at := AvailableTransition{Transition: tr, Allowed: true}
		for _, c := range checks {
			if !c.Allowed {
				at.Allowed = false
				at.Failures = append(at.Failures, GuardFailure{Guard: c.Guard, Reason: c.Reason})
			}
		}
		out = append(out, at)
	}
	return out, nil
}

// IsTerminal reports whether status is terminal in the pipeline: its category
// is terminal or it has no outgoing transitions.
func (e *Engine) IsTerminal(ctx context.Context, pipelineID, status string) (bool, error) {
	def, err := e.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return false, err
	}
	if !def.HasStatus(status) {
		return false, &DefinitionError{PipelineID: pipelineID, To: status, Err: ErrUnknownStatus}
	}
	return def.IsTerminal(status), nil
}

// CreateTask inserts a new task in an initial status of its pipeline. An empty
// status selects the pipeline's first initial status.
func (e *Engine) CreateTask(ctx context.Context, task *core.Task) (*core.Task, error) {
	if task == nil || task.PipelineID == "" {
		return nil, errors.New("create task: pipeline id is required")
	}
	def, err := e.LoadPipeline(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	t := task.Clone()
	if t.Status == "" {
		t.Status = def.InitialStatuses()[0]
	}
	if !def.HasStatus(t.Status) {
		return nil, &DefinitionError{PipelineID: def.ID, To: t.Status, Err: ErrUnknownStatus}
	}
	if !def.IsInitial(t.Status) {
		return nil, &DefinitionError{PipelineID: def.ID, To: t.Status, Err: ErrNotInitialStatus}
	}
	if t.ID == "" {
		t.ID = core.NewID()
	}
	t.CreatedAt = e.clock.now()
	if err := e.tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.logEvent(ctx, core.Event{
		TaskID:   t.ID,
		Category: core.CategoryTransition,
		Level:    core.LevelInfo,
		Message:  "task created in " + t.Status,
		Data:     map[string]any{"pipeline": def.ID, "status": t.Status},
	})
	return t, nil
}

// StopAgent asks the executor to stop a running run. It does not change the
// run's or the task's status; the completion path or the supervisor does.
func (e *Engine) StopAgent(ctx context.Context, runID string) error {
	if e.runs == nil || e.executor == nil {
		return errors.New("stop agent: no executor configured")
	}
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}
	if run.Status != core.RunRunning {
		return fmt.Errorf("stop agent %s (%s): %w", runID, run.Status, ErrRunNotRunning)
	}
	if err := e.executor.Stop(ctx, runID); err != nil {
		return fmt.Errorf("stop agent %s: %w", runID, err)
	}
	e.logEvent(ctx, core.Event{
		TaskID:   run.TaskID,
		RunID:    runID,
		Category: core.CategoryAgent,
		Level:    core.LevelInfo,
		Message:  "stop requested",
	})
	return nil
}

// ValidatePipeline runs structural validation plus a check that every guard
// and hook name is registered. Warnings are returned; errors fail.
func (e *Engine) ValidatePipeline(def *pipeline.Definition) ([]pipeline.Diagnostic, error) {
	return pipeline.ValidateOrError(def,
		&pipeline.RegisteredNamesRule{Kind: "guard", Known: e.guards.Has},
		&pipeline.RegisteredNamesRule{Kind: "hook", Known: e.hooks.Has},
	)
}

// LoadPipeline returns the validated definition for id, caching it.
func (e *Engine) LoadPipeline(ctx context.Context, id string) (*pipeline.Definition, error) {
	if def, ok := e.cache.Get(id); ok {
		return def, nil
	}
	def, err := e.pipelines.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", id, err)
	}
	diags, err := e.ValidatePipeline(def)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		log.Printf("component=engine action=pipeline_warning pipeline=%s %s", id, d)
	}
	e.cache.Add(id, def)
	return def, nil
}

// InvalidatePipeline drops a cached definition after it has been replaced in storage.
func (e *Engine) InvalidatePipeline(id string) {
	e.cache.Remove(id)
}

// WithTaskLock runs fn while holding the lock transitions on taskID commit
// under. fn must not call ExecuteTransition for the same task.
func (e *Engine) WithTaskLock(taskID string, fn func() error) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()
	return fn()
}

// Wait blocks until in-flight fire-and-forget hooks finish.
func (e *Engine) Wait() {
	e.async.Wait()
}

// GuardNames and HookNames expose the registries for diagnostics.
func (e *Engine) GuardNames() []string { return e.guards.Names() }

func (e *Engine) HookNames() []string { return e.hooks.Names() }

// logEvent writes to the activity log. Failures are logged and swallowed.
func (e *Engine) logEvent(ctx context.Context, ev core.Event) {
	if e.events == nil {
		return
	}
	base := core.NewEvent(ev.Category, ev.Level, ev.Message)
	ev.ID = base.ID
	ev.CreatedAt = e.clock.now()
	if err := e.events.Log(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("component=engine action=event_log_failed category=%s err=%v", ev.Category, err)
	}
}
