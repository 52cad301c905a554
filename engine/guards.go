// ABOUTME: Built-in guards: no_running_agent, dependencies_resolved, has_pull_request_artifact.
// ABOUTME: Guards only read from their collaborators and convert lookup errors into denials.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/2389-research/taskflow/core"
)

// Built-in guard names.
const (
	GuardNoRunningAgent         = "no_running_agent"
	GuardDependenciesResolved   = "dependencies_resolved"
	GuardHasPullRequestArtifact = "has_pull_request_artifact"
)

// NoRunningAgent denies while the task has a run in running status.
func NoRunningAgent(runs RunReader) GuardFunc {
	return func(ctx context.Context, in GuardInput) GuardResult {
		running, err := runs.RunningRunsForTask(ctx, in.Task.ID)
		if err != nil {
			return Deny("could not check running agents: %v", err)
		}
		if len(running) == 0 {
			return Allow()
		}
		ids := make([]string, len(running))
		for i, r := range running {
			ids[i] = r.ID
		}
		return Deny("agent run %s is still running", strings.Join(ids, ", "))
	}
}

// DependenciesResolved allows only when every task in DependsOn sits in a
// terminal status of its own pipeline.
func DependenciesResolved(tasks TaskReader, pipelines PipelineReader) GuardFunc {
	return func(ctx context.Context, in GuardInput) GuardResult {
		var blockers []string
		for _, depID := range in.Task.DependsOn {
			dep, err := tasks.GetTask(ctx, depID)
			if err != nil {
				blockers = append(blockers, depID+" (missing)")
				continue
			}
			def, err := pipelines.GetPipeline(ctx, dep.PipelineID)
			if err != nil {
				blockers = append(blockers, depID+" (pipeline "+dep.PipelineID+" unavailable)")
				continue
			}
			if !def.IsTerminal(dep.Status) {
				blockers = append(blockers, depID+" ("+dep.Status+")")
			}
		}
		if len(blockers) > 0 {
			return Deny("unresolved dependencies: %s", strings.Join(blockers, ", "))
		}
		return Allow()
	}
}

// HasPullRequestArtifact allows when the task has an artifact of the expected
// kind (param kind, default pull_request) in the expected state (param state,
// default open).
func HasPullRequestArtifact(artifacts ArtifactStore) GuardFunc {
	return func(ctx context.Context, in GuardInput) GuardResult {
		kind := in.Ref.Param("kind", core.ArtifactPullRequest)
		state := in.Ref.Param("state", core.ArtifactStateOpen)
		a, err := artifacts.GetArtifact(ctx, in.Task.ID, kind)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return Deny("no %s artifact", kind)
			}
			return Deny("could not load %s artifact: %v", kind, err)
		}
		if a.State != state {
			return Deny("%s artifact is %s, want %s", kind, a.State, state)
		}
		return Allow()
	}
}
