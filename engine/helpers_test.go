// ABOUTME: Shared fixtures for engine tests: a SQLite-backed harness, fake executor, fake git client, and pipelines.
// ABOUTME: Each test builds fresh registries and a fresh database so nothing leaks between cases.
package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/engine"
	"github.com/2389-research/taskflow/pipeline"
	"github.com/2389-research/taskflow/store"
)

const featureYAML = `
id: feature
statuses:
  - {name: open, category: ready}
  - {name: planning, category: agent_running}
  - {name: plan_review, category: human_review}
  - {name: in_review, category: human_review}
  - {name: done, category: terminal, is_final: true}
  - {name: cancelled, category: terminal, is_final: true}
transitions:
  - from: open
    to: planning
    trigger: manual
    guards: [no_running_agent, dependencies_resolved]
    hooks:
      - name: start_agent
        params: {mode: plan, agent_type: claude, timeout: 10m}
  - from: planning
    to: plan_review
    trigger: agent
    outcome: plan_complete
  - from: planning
    to: cancelled
    trigger: manual
  - from: plan_review
    to: in_review
    trigger: manual
    hooks: [push_and_create_pr]
  - from: in_review
    to: done
    trigger: manual
    guards: [has_pull_request_artifact]
    hooks: [merge_pr]
`

// simpleYAML has no built-in guards or hooks; tests register their own.
const simpleYAML = `
id: simple
statuses:
  - {name: open, category: ready}
  - {name: doing, category: agent_running}
  - {name: done, category: terminal}
transitions:
  - from: open
    to: doing
    trigger: manual
`

type fakeExecutor struct {
	mu       sync.Mutex
	started  []core.StartRequest
	stopped  []string
	released []string
	startErr error
}

func (f *fakeExecutor) Start(_ context.Context, req core.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	return nil
}

func (f *fakeExecutor) Stop(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return nil
}

func (f *fakeExecutor) Release(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, runID)
}

func (f *fakeExecutor) releasedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeExecutor) startedRuns() []core.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.StartRequest(nil), f.started...)
}

type fakeGit struct {
	mu       sync.Mutex
	calls    []string
	diffErr  error
	pushErr  error
	mergeErr error
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGit) DiffStat(_ context.Context, base, branch string) (string, error) {
	g.record("diff " + base + ".." + branch)
	if g.diffErr != nil {
		return "", g.diffErr
	}
	return " 1 file changed", nil
}

func (g *fakeGit) Push(_ context.Context, branch string) error {
	g.record("push " + branch)
	return g.pushErr
}

func (g *fakeGit) CreatePullRequest(_ context.Context, in engine.PullRequestInput) (string, error) {
	g.record("pr " + in.Branch + "->" + in.Base)
	return "https://example.com/pr/42", nil
}

func (g *fakeGit) MergePullRequest(_ context.Context, ref string) error {
	g.record("merge " + ref)
	return g.mergeErr
}

func (g *fakeGit) DeleteBranch(_ context.Context, branch string) error {
	g.record("delete " + branch)
	return nil
}

func (g *fakeGit) joined() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.Join(g.calls, "|")
}

type recordingFailures struct {
	mu   sync.Mutex
	runs []*core.AgentRun
}

func (r *recordingFailures) HandleFailure(_ context.Context, run *core.AgentRun) {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
}

type harness struct {
	t        *testing.T
	store    *store.SQLite
	guards   *engine.GuardRegistry
	hooks    *engine.HookRegistry
	exec     *fakeExecutor
	git      *fakeGit
	failures *recordingFailures
	eng      *engine.Engine
}

type harnessOption func(*engine.EngineConfig)

// newHarness opens a database, saves the given pipelines, registers the
// built-ins and builds an engine.
func newHarness(t *testing.T, pipelines []string, opts ...harnessOption) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, src := range pipelines {
		def, err := pipeline.Parse([]byte(src))
		if err != nil {
			t.Fatalf("pipeline.Parse: %v", err)
		}
		if err := s.SavePipeline(ctx, def); err != nil {
			t.Fatalf("SavePipeline: %v", err)
		}
	}

	h := &harness{
		t:        t,
		store:    s,
		guards:   engine.NewGuardRegistry(),
		hooks:    engine.NewHookRegistry(),
		exec:     &fakeExecutor{},
		git:      &fakeGit{},
		failures: &recordingFailures{},
	}
	launcher := engine.NewLauncher(s, h.exec, s, nil)
	if err := engine.RegisterBuiltins(h.guards, h.hooks, engine.BuiltinDeps{
		Tasks:          s,
		Pipelines:      s,
		Runs:           s,
		Artifacts:      s,
		Launcher:       launcher,
		Git:            h.git,
		Events:         s,
		DefaultAgent:   "claude",
		DefaultTimeout: 10 * time.Minute,
	}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	cfg := engine.EngineConfig{
		Guards:    h.guards,
		Hooks:     h.hooks,
		Tasks:     s,
		Pipelines: s,
		Commits:   s,
		Runs:      s,
		Events:    s,
		Executor:  h.exec,
		Failures:  h.failures,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) createTask(pipelineID string, deps ...string) *core.Task {
	h.t.Helper()
	task, err := h.eng.CreateTask(context.Background(), &core.Task{
		PipelineID:  pipelineID,
		Title:       "Add login page",
		Description: "Users need to sign in.",
		DependsOn:   deps,
	})
	if err != nil {
		h.t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (h *harness) status(taskID string) string {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), taskID)
	if err != nil {
		h.t.Fatalf("GetTask: %v", err)
	}
	return task.Status
}

func (h *harness) history(taskID string) []core.HistoryEntry {
	h.t.Helper()
	entries, err := h.store.ListHistory(context.Background(), taskID)
	if err != nil {
		h.t.Fatalf("ListHistory: %v", err)
	}
	return entries
}

func (h *harness) events(filter core.EventFilter) []core.Event {
	h.t.Helper()
	events, err := h.store.ListEvents(context.Background(), filter)
	if err != nil {
		h.t.Fatalf("ListEvents: %v", err)
	}
	return events
}

func (h *harness) transition(task *core.Task, to string) *engine.TransitionResult {
	h.t.Helper()
	res, err := h.eng.ExecuteTransition(context.Background(), task, to, engine.TransitionContext{
		Trigger: pipeline.TriggerManual,
		Actor:   "user:alice",
	})
	if err != nil {
		h.t.Fatalf("ExecuteTransition(%s): %v", to, err)
	}
	return res
}

// failingCommits fails every CommitTransition with err.
type failingCommits struct {
	engine.CommitStore
	err error
}

func (f failingCommits) CommitTransition(context.Context, core.TransitionCommit) (*core.Task, error) {
	return nil, f.err
}

var errDiskFull = errors.New("disk I/O error")
