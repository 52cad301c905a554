// ABOUTME: Tests for the built-in PR hooks and artifact/dependency guards.
// ABOUTME: A fake git client records calls so step isolation inside a hook can be asserted.
package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/2389-research/taskflow/core"
)

// reviewTask drives a feature task to plan_review through the agent path.
func reviewTask(t *testing.T, h *harness) *core.Task {
	t.Helper()
	task, req := startPlanning(t, h)
	if err := h.eng.HandleCompletion(context.Background(), core.RunCompletion{
		RunID: req.Run.ID, Status: core.RunCompleted, Outcome: "plan_complete",
	}); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	return task
}

func TestPushAndCreatePRSurvivesDiffFailure(t *testing.T) {
	h := newHarness(t, []string{featureYAML})
	h.git.diffErr = errors.New("diff too large")
	task := reviewTask(t, h)

	res := h.transition(task, "in_review")
	if !res.Success || len(res.Warnings) != 0 {
		t.Fatalf("in_review: success=%v warnings=%v", res.Success, res.Warnings)
	}
	branch := "taskflow/" + task.ID
	want := "diff main.." + branch + "|push " + branch + "|pr " + branch + "->main"
	if got := h.git.joined(); got != want {
		t.Errorf("git calls = %q, want %q", got, want)
	}
	if res.Task.PRLink != "https://example.com/pr/42" {
		t.Errorf("PRLink = %q", res.Task.PRLink)
	}
	pr, err := h.store.GetArtifact(context.Background(), task.ID, core.ArtifactPullRequest)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if pr.State != core.ArtifactStateOpen || pr.Ref != branch {
		t.Errorf("artifact = %+v", pr)
	}
	stepWarnings := h.events(core.EventFilter{TaskID: task.ID, Category: "hook", Level: core.LevelWarning})
	if len(stepWarnings) != 1 || stepWarnings[0].Data["step"] != "collect_diff" {
		t.Errorf("step events = %+v", stepWarnings)
	}
}

func TestPushFailureStopsBeforePR(t *testing.T) {
	h := newHarness(t, []string{featureYAML})
	h.git.pushErr = errors.New("permission denied")
	task := reviewTask(t, h)

	res := h.transition(task, "in_review")
	if !res.Success {
		t.Fatalf("push failure rolled back transition: %s", res.Error)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "permission denied") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if strings.Contains(h.git.joined(), "pr ") {
		t.Errorf("PR created after failed push: %s", h.git.joined())
	}
	if _, err := h.store.GetArtifact(context.Background(), task.ID, core.ArtifactPullRequest); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("artifact recorded after failed push: %v", err)
	}
}

func TestMergeRequiresOpenPRAndMarksMerged(t *testing.T) {
	h := newHarness(t, []string{featureYAML})
	ctx := context.Background()
	h.git.pushErr = errors.New("offline")
	task := reviewTask(t, h)
	if res := h.transition(task, "in_review"); !res.Success {
		t.Fatalf("in_review: %s", res.Error)
	}

	res := h.transition(task, "done")
	if res.Success {
		t.Fatal("done allowed without a pull request artifact")
	}
	if res.GuardFailures[0].Reason != "no pull_request artifact" {
		t.Errorf("reason = %q", res.GuardFailures[0].Reason)
	}

	if err := h.store.UpsertArtifact(ctx, &core.Artifact{
		TaskID: task.ID, Kind: core.ArtifactPullRequest, State: core.ArtifactStateOpen,
		URL: "https://example.com/pr/9", Ref: "feat/login",
	}); err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	res = h.transition(task, "done")
	if !res.Success || len(res.Warnings) != 0 {
		t.Fatalf("done: success=%v warnings=%v err=%s", res.Success, res.Warnings, res.Error)
	}
	if !strings.Contains(h.git.joined(), "merge https://example.com/pr/9|delete feat/login") {
		t.Errorf("git calls = %s", h.git.joined())
	}
	pr, _ := h.store.GetArtifact(ctx, task.ID, core.ArtifactPullRequest)
	if pr.State != core.ArtifactStateMerged {
		t.Errorf("artifact state = %q, want merged", pr.State)
	}
}

func TestDependenciesResolvedOnceDependencyTerminal(t *testing.T) {
	h := newHarness(t, []string{featureYAML})
	dep := reviewTask(t, h)
	task := h.createTask("feature", dep.ID)

	if res := h.transition(task, "planning"); res.Success {
		t.Fatal("planning allowed before dependency finished")
	}

	if res := h.transition(dep, "in_review"); !res.Success {
		t.Fatalf("dep in_review: %s", res.Error)
	}
	if res := h.transition(dep, "done"); !res.Success {
		t.Fatalf("dep done: %s", res.Error)
	}
	if res := h.transition(task, "planning"); !res.Success {
		t.Errorf("planning denied after dependency finished: %+v", res.GuardFailures)
	}
}
