// ABOUTME: Tests for the taskflow CLI: version, init, validate, history, runs and serve shutdown.
// ABOUTME: Each test points TASKFLOW_HOME at a temp dir and runs commands through the cobra root.
package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/taskflow/config"
	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/engine"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKFLOW_HOME", home)
	t.Setenv("TASKFLOW_CONFIG", "")
	t.Setenv("TASKFLOW_BIND", "127.0.0.1:0")
	return home
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func loadApp(t *testing.T, edits ...func(*config.Config)) *app {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	for _, edit := range edits {
		edit(&cfg)
	}
	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "taskflow dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestInitThenValidate(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "wrote ") || !strings.Contains(out, "feature.yaml") {
		t.Errorf("init output = %q", out)
	}
	if out, _ = runCLI(t, "init"); !strings.Contains(out, "skip ") {
		t.Errorf("second init should skip existing file: %q", out)
	}

	out, err = runCLI(t, "validate")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "feature: ok (8 statuses") {
		t.Errorf("validate output = %q", out)
	}
}

func TestValidateRejectsUnregisteredHooks(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "init", "--git"); err != nil {
		t.Fatalf("init --git: %v", err)
	}

	// Git is disabled, so the pull request hooks are not registered.
	out, err := runCLI(t, "validate")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 pipelines invalid") {
		t.Fatalf("err = %v\n%s", err, out)
	}
	if !strings.Contains(out, "push_and_create_pr") || !strings.Contains(out, "feature: ok") {
		t.Errorf("validate output = %q", out)
	}
}

func TestValidateMissingPath(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "validate", "/no/such/pipeline.yaml"); err == nil {
		t.Error("validate of missing file succeeded")
	}
}

func TestHistoryAndRunsCommands(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	a := loadApp(t)
	ctx := context.Background()
	if n, err := a.syncPipelines(ctx); err != nil || n != 1 {
		t.Fatalf("syncPipelines = %d, %v", n, err)
	}
	task, err := a.engine.CreateTask(ctx, &core.Task{PipelineID: "feature", Title: "Add login"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	res, err := a.engine.ExecuteTransition(ctx, task, "cancelled", engine.TransitionContext{Actor: "user:test"})
	if err != nil || !res.Success {
		t.Fatalf("ExecuteTransition = %+v, %v", res, err)
	}
	a.close()

	out, err := runCLI(t, "history", task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"SEQ", "backlog", "cancelled", "user:test"} {
		if !strings.Contains(out, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "history", task.ID, "--json")
	if err != nil || !strings.Contains(out, `"to_status": "cancelled"`) {
		t.Errorf("history --json = %q, %v", out, err)
	}

	out, err = runCLI(t, "runs", task.ID)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 1 {
		t.Errorf("runs output = %q, want header only", out)
	}

	if _, err := runCLI(t, "history", "missing"); err == nil {
		t.Error("history of unknown task succeeded")
	}
}

func TestPrintRuns(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	var buf bytes.Buffer
	err := printRuns(&buf, []*core.AgentRun{
		{ID: "run-1", Attempt: 1, Mode: "plan", AgentType: "claude", Status: core.RunFailed, StartedAt: started, CompletedAt: &done},
		{ID: "run-2", Attempt: 2, Mode: "plan", AgentType: "claude", Status: core.RunRunning, StartedAt: done},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "1m30s") || !strings.Contains(out, "run-2") {
		t.Errorf("output = %q", out)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	setupHome(t)
	a := loadApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeAppliesCompletionsOfStoppedRuns(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	a := loadApp(t, func(c *config.Config) {
		c.Agents = []config.AgentConfig{{Name: "claude", Command: "sleep 30"}}
	})
	ctx := context.Background()
	if _, err := a.syncPipelines(ctx); err != nil {
		t.Fatalf("syncPipelines: %v", err)
	}
	task, err := a.engine.CreateTask(ctx, &core.Task{PipelineID: "feature", Title: "Add login"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	res, err := a.engine.ExecuteTransition(ctx, task, "planning", engine.TransitionContext{Actor: "user:test"})
	if err != nil || !res.Success || len(res.Warnings) != 0 {
		t.Fatalf("ExecuteTransition = %+v, %v", res, err)
	}

	serveCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := a.serve(serveCtx); err != nil {
		t.Fatalf("serve: %v", err)
	}

	runs, err := a.store.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != core.RunCancelled {
		t.Errorf("runs = %+v, want the stopped run recorded as cancelled", runs)
	}
	if ids := a.executor.LiveRunIDs(); len(ids) != 0 {
		t.Errorf("unreleased runs after serve = %v", ids)
	}
}
