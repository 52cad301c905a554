// ABOUTME: Interfaces for the storage, event-log, and agent-execution collaborators the engine depends on.
// ABOUTME: store.SQLite satisfies the storage interfaces; agentexec.ProcessExecutor satisfies Executor.
package engine

import (
	"context"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

// TaskReader loads tasks.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*core.Task, error)
}

// TaskStore reads, creates and updates non-status task fields.
type TaskStore interface {
	TaskReader
	CreateTask(ctx context.Context, task *core.Task) error
	UpdateTask(ctx context.Context, id string, update core.TaskUpdate) (*core.Task, error)
}

// PipelineReader loads pipeline definitions by ID.
type PipelineReader interface {
	GetPipeline(ctx context.Context, id string) (*pipeline.Definition, error)
}

// CommitStore applies a transition atomically and records hook outcomes.
type CommitStore interface {
	CommitTransition(ctx context.Context, c core.TransitionCommit) (*core.Task, error)
	RecordHookExecution(ctx context.Context, historyID string, outcome core.HookOutcome) error
}

// RunReader answers questions about agent runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*core.AgentRun, error)
	RunningRunsForTask(ctx context.Context, taskID string) ([]*core.AgentRun, error)
}

// RunStore creates runs and applies compare-and-swap terminal updates.
type RunStore interface {
	RunReader
	CreateRun(ctx context.Context, run *core.AgentRun) error
	// FinishRun reports false when the run had already left running.
	FinishRun(ctx context.Context, id string, f core.RunFinish) (bool, error)
}

// ArtifactStore tracks external artifacts such as pull requests.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, taskID, kind string) (*core.Artifact, error)
	UpsertArtifact(ctx context.Context, a *core.Artifact) error
}

// EventLog records activity. Failures never affect transition outcomes.
type EventLog interface {
	Log(ctx context.Context, e core.Event) error
}

// Executor is the agent-execution collaborator. Start must not block on the
// agent itself; completion is reported later as a core.RunCompletion.
type Executor interface {
	Start(ctx context.Context, req core.StartRequest) error
	Stop(ctx context.Context, runID string) error
}

// CompletionReleaser is implemented by executors that keep an exited run
// visible until its completion has been applied.
type CompletionReleaser interface {
	Release(runID string)
}

// FailureHandler is told about agent runs that ended without success and
// whose outcome did not move the task.
type FailureHandler interface {
	HandleFailure(ctx context.Context, run *core.AgentRun)
}

// CompletionSource delivers completions to handle, one at a time, until ctx ends.
type CompletionSource interface {
	Consume(ctx context.Context, handle func(context.Context, core.RunCompletion) error) error
}

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
