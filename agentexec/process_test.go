// ABOUTME: Tests for ProcessExecutor using small bash commands as stand-in agents.
// ABOUTME: Completions are collected through a channel-backed publisher.
package agentexec

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/taskflow/core"
)

type chanPublisher chan core.RunCompletion

func (c chanPublisher) Publish(_ context.Context, rc core.RunCompletion) error {
	c <- rc
	return nil
}

func newExecutor(t *testing.T, agents map[string]string) (*ProcessExecutor, chanPublisher) {
	t.Helper()
	pub := make(chanPublisher, 4)
	e, err := New(Config{Agents: agents, DefaultAgent: "default", WorkDir: t.TempDir(), StopGrace: time.Second}, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, pub
}

func startRequest(runID, agentType, prompt string) core.StartRequest {
	return core.StartRequest{
		Run:    core.AgentRun{ID: runID, TaskID: "task-1", AgentType: agentType, Mode: "plan", Attempt: 1},
		Task:   core.Task{ID: "task-1", Title: "Add login"},
		Prompt: prompt,
	}
}

func waitCompletion(t *testing.T, pub chanPublisher) core.RunCompletion {
	t.Helper()
	select {
	case rc := <-pub:
		return rc
	case <-time.After(10 * time.Second):
		t.Fatal("no completion published")
		return core.RunCompletion{}
	}
}

func TestProcessExecutorCompletions(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		wantStatus  core.RunStatus
		wantOutcome string
		wantOutput  string
		wantErr     string
	}{
		{
			name:        "outcome line",
			command:     `echo "planning"; echo "OUTCOME: plan_complete"`,
			wantStatus:  core.RunCompleted,
			wantOutcome: "plan_complete",
			wantOutput:  "planning",
		},
		{
			name:       "prompt on stdin and env",
			command:    `cat; echo "run=$TASKFLOW_RUN_ID mode=$TASKFLOW_MODE"`,
			wantStatus: core.RunCompleted,
			wantOutput: "Write the plan\nrun=run-1 mode=plan",
		},
		{
			name:       "non-zero exit",
			command:    `echo boom >&2; exit 3`,
			wantStatus: core.RunFailed,
			wantOutput: "boom",
			wantErr:    "exit status 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pub := newExecutor(t, map[string]string{"default": tt.command})
			if err := e.Start(context.Background(), startRequest("run-1", "", "Write the plan\n")); err != nil {
				t.Fatalf("Start: %v", err)
			}
			rc := waitCompletion(t, pub)
			if rc.RunID != "run-1" || rc.Status != tt.wantStatus || rc.Outcome != tt.wantOutcome {
				t.Errorf("completion = %+v", rc)
			}
			if !strings.Contains(rc.Output, tt.wantOutput) {
				t.Errorf("output = %q, want it to contain %q", rc.Output, tt.wantOutput)
			}
			if !strings.Contains(rc.Error, tt.wantErr) {
				t.Errorf("error = %q, want %q", rc.Error, tt.wantErr)
			}
		})
	}
}

func TestProcessExecutorStopIsCancelled(t *testing.T) {
	e, pub := newExecutor(t, map[string]string{"slow": "sleep 30"})
	ctx := context.Background()
	if err := e.Start(ctx, startRequest("run-slow", "slow", "")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ids := e.LiveRunIDs(); !slices.Equal(ids, []string{"run-slow"}) {
		t.Fatalf("live = %v", ids)
	}
	if err := e.Stop(ctx, "run-slow"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rc := waitCompletion(t, pub)
	if rc.Status != core.RunCancelled {
		t.Errorf("status = %q, want cancelled", rc.Status)
	}
	if err := e.Stop(ctx, "run-slow"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("second Stop = %v, want ErrUnknownRun", err)
	}
}

func TestExitedRunStaysLiveUntilReleased(t *testing.T) {
	e, pub := newExecutor(t, map[string]string{"default": `echo "OUTCOME: plan_complete"`})
	ctx := context.Background()
	if err := e.Start(ctx, startRequest("run-1", "", "")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rc := waitCompletion(t, pub)
	if rc.Status != core.RunCompleted || rc.Outcome != "plan_complete" {
		t.Fatalf("completion = %+v", rc)
	}

	// The process is gone but nothing has applied the completion yet.
	if ids := e.LiveRunIDs(); !slices.Equal(ids, []string{"run-1"}) {
		t.Errorf("live before release = %v, want [run-1]", ids)
	}
	if err := e.Start(ctx, startRequest("run-1", "", "")); err == nil {
		t.Error("restarting an unreleased run succeeded")
	}
	if err := e.Stop(ctx, "run-1"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Stop of exited run = %v, want ErrUnknownRun", err)
	}

	e.Release("run-1")
	if ids := e.LiveRunIDs(); len(ids) != 0 {
		t.Errorf("live after release = %v", ids)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, core.RunCompletion) error {
	return errors.New("bus closed")
}

func TestUnpublishedCompletionIsReleased(t *testing.T) {
	e, err := New(Config{Agents: map[string]string{"default": "true"}, DefaultAgent: "default", WorkDir: t.TempDir()}, failingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background(), startRequest("run-1", "", "")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ids := e.LiveRunIDs(); len(ids) != 0 {
		t.Errorf("live = %v, want none after failed publish", ids)
	}
}

func TestProcessExecutorRejectsUnknownAgent(t *testing.T) {
	e, _ := newExecutor(t, map[string]string{"default": "true"})
	err := e.Start(context.Background(), startRequest("run-x", "codex", ""))
	if err == nil || !strings.Contains(err.Error(), `"codex"`) {
		t.Errorf("err = %v", err)
	}
	if len(e.LiveRunIDs()) != 0 {
		t.Error("unknown agent left a live run")
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"", ""},
		{"OUTCOME: done", "done"},
		{"OUTCOME: first\nmore work\n  OUTCOME: tests_failed  \n", "tests_failed"},
		{"the OUTCOME: inline is ignored", ""},
		{"OUTCOME:", ""},
	}
	for _, tt := range tests {
		if got := ParseOutcome(tt.output); got != tt.want {
			t.Errorf("ParseOutcome(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("ghijkl"))
	if got := b.String(); got != "efghijkl" {
		t.Errorf("tail = %q", got)
	}
}

func TestWaitSettledWaitsForRelease(t *testing.T) {
	e, pub := newExecutor(t, map[string]string{"default": "true"})
	if err := e.Start(context.Background(), startRequest("run-1", "", "")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCompletion(t, pub)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.WaitSettled(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitSettled before release = %v, want deadline exceeded", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Release("run-1")
	}()
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := e.WaitSettled(ctx); err != nil {
		t.Errorf("WaitSettled after release = %v", err)
	}
}

func TestStartAfterShutdownIsRefused(t *testing.T) {
	e, _ := newExecutor(t, map[string]string{"default": "true"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Start(ctx, startRequest("run-1", "", "")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start after Shutdown = %v, want ErrShutdown", err)
	}
}
