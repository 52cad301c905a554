// ABOUTME: Built-in hooks: start_agent, push_and_create_pr, merge_pr, and the registration helper for all built-ins.
// ABOUTME: Multi-step hooks isolate each external call; only steps marked required fail the hook.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/taskflow/core"
)

// Built-in hook names.
const (
	HookStartAgent      = "start_agent"
	HookPushAndCreatePR = "push_and_create_pr"
	HookMergePR         = "merge_pr"
)

// PullRequestInput describes a pull request to open.
type PullRequestInput struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// GitClient is the source-control collaborator used by the PR hooks.
type GitClient interface {
	DiffStat(ctx context.Context, base, branch string) (string, error)
	Push(ctx context.Context, branch string) error
	CreatePullRequest(ctx context.Context, in PullRequestInput) (string, error)
	MergePullRequest(ctx context.Context, ref string) error
	DeleteBranch(ctx context.Context, branch string) error
}

// BuiltinDeps are the collaborators the built-in guards and hooks need.
// Git may be nil, in which case the PR hooks are not registered.
type BuiltinDeps struct {
	Tasks     TaskStore
	Pipelines PipelineReader
	Runs      RunReader
	Artifacts ArtifactStore
	Launcher  *Launcher
	Git       GitClient
	Events    EventLog
	// DefaultAgent is used when start_agent has no agent_type param.
	DefaultAgent string
	// DefaultTimeout is used when start_agent has no timeout param.
	DefaultTimeout time.Duration
}

// RegisterBuiltins registers every built-in guard and hook whose collaborators
// are present in deps.
func RegisterBuiltins(guards *GuardRegistry, hooks *HookRegistry, deps BuiltinDeps) error {
	var errs []error
	if deps.Runs != nil {
		errs = append(errs, guards.Register(GuardNoRunningAgent, NoRunningAgent(deps.Runs)))
	}
	if deps.Tasks != nil && deps.Pipelines != nil {
		errs = append(errs, guards.Register(GuardDependenciesResolved, DependenciesResolved(deps.Tasks, deps.Pipelines)))
	}
	if deps.Artifacts != nil {
		errs = append(errs, guards.Register(GuardHasPullRequestArtifact, HasPullRequestArtifact(deps.Artifacts)))
	}
	if deps.Launcher != nil {
		errs = append(errs, hooks.Register(HookStartAgent, StartAgent(deps.Launcher, deps.DefaultAgent, deps.DefaultTimeout), PolicyRequired))
	}
	if deps.Git != nil && deps.Tasks != nil && deps.Artifacts != nil {
		errs = append(errs,
			hooks.Register(HookPushAndCreatePR, PushAndCreatePR(deps.Git, deps.Tasks, deps.Artifacts, deps.Events), PolicyRequired),
			hooks.Register(HookMergePR, MergePR(deps.Git, deps.Artifacts, deps.Events), PolicyRequired),
		)
	}
	return errors.Join(errs...)
}

// StartAgent launches an agent run for the task in its new status.
// Params: mode (default: the target status), agent_type, timeout (Go duration).
func StartAgent(l *Launcher, defaultAgent string, defaultTimeout time.Duration) HookFunc {
	return func(ctx context.Context, in HookInput) error {
		timeout := defaultTimeout
		if raw := in.Ref.Param("timeout", ""); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("start_agent: bad timeout %q: %w", raw, err)
			}
			timeout = d
		}
		_, err := l.Launch(ctx, LaunchRequest{
			Task:      in.Task,
			Mode:      in.Ref.Param("mode", in.Transition.To),
			AgentType: in.Ref.Param("agent_type", defaultAgent),
			Timeout:   timeout,
			Attempt:   1,
			Params:    in.Ref.Params,
		})
		return err
	}
}

// branchFor picks the working branch: transition data, then task metadata,
// then a name derived from the task ID.
func branchFor(in HookInput) string {
	return in.Context.DataString("branch", in.Task.Meta("branch", "taskflow/"+in.Task.ID))
}

// PushAndCreatePR pushes the task branch and opens a pull request.
// Params: base (default main).
func PushAndCreatePR(git GitClient, tasks TaskStore, artifacts ArtifactStore, events EventLog) HookFunc {
	return func(ctx context.Context, in HookInput) error {
		steps := newStepRunner(HookPushAndCreatePR, in.Task.ID, events)
		branch := branchFor(in)
		base := in.Ref.Param("base", "main")

		var diff string
		_ = steps.run(ctx, "collect_diff", false, func() error {
			var err error
			diff, err = git.DiffStat(ctx, base, branch)
			return err
		})

		if err := steps.run(ctx, "push", true, func() error {
			return git.Push(ctx, branch)
		}); err != nil {
			return err
		}

		var url string
		if err := steps.run(ctx, "create_pr", true, func() error {
			body := in.Task.Description
			if diff != "" {
				body += "\n\n```\n" + diff + "\n```"
			}
			var err error
			url, err = git.CreatePullRequest(ctx, PullRequestInput{
				Branch: branch,
				Base:   base,
				Title:  in.Task.Title,
				Body:   body,
			})
			return err
		}); err != nil {
			return err
		}

		if err := steps.run(ctx, "record_pr", true, func() error {
			if _, err := tasks.UpdateTask(ctx, in.Task.ID, core.TaskUpdate{PRLink: &url}); err != nil {
				return err
			}
			return artifacts.UpsertArtifact(ctx, &core.Artifact{
				TaskID: in.Task.ID,
				Kind:   core.ArtifactPullRequest,
				State:  core.ArtifactStateOpen,
				URL:    url,
				Ref:    branch,
			})
		}); err != nil {
			return err
		}
		return nil
	}
}

// MergePR merges the task's open pull request and deletes its branch.
func MergePR(git GitClient, artifacts ArtifactStore, events EventLog) HookFunc {
	return func(ctx context.Context, in HookInput) error {
		steps := newStepRunner(HookMergePR, in.Task.ID, events)

		pr, err := artifacts.GetArtifact(ctx, in.Task.ID, core.ArtifactPullRequest)
		if err != nil {
			return fmt.Errorf("merge_pr: %w", err)
		}
		ref := pr.URL
		if ref == "" {
			ref = pr.Ref
		}

		if err := steps.run(ctx, "merge", true, func() error {
			return git.MergePullRequest(ctx, ref)
		}); err != nil {
			return err
		}
		if err := steps.run(ctx, "record_merge", true, func() error {
			return artifacts.UpsertArtifact(ctx, &core.Artifact{
				TaskID: in.Task.ID,
				Kind:   core.ArtifactPullRequest,
				State:  core.ArtifactStateMerged,
			})
		}); err != nil {
			return err
		}
		if pr.Ref != "" {
			_ = steps.run(ctx, "delete_branch", false, func() error {
				return git.DeleteBranch(ctx, pr.Ref)
			})
		}
		return nil
	}
}

// stepRunner wraps each external call of a multi-step hook so a failing
// optional step is logged and skipped.
type stepRunner struct {
	hook   string
	taskID string
	events EventLog
}

func newStepRunner(hook, taskID string, events EventLog) *stepRunner {
	return &stepRunner{hook: hook, taskID: taskID, events: events}
}

func (s *stepRunner) run(ctx context.Context, step string, required bool, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if err == nil {
		log.Printf("component=hook hook=%s step=%s task=%s status=ok duration=%s", s.hook, step, s.taskID, elapsed)
		return nil
	}

	log.Printf("component=hook hook=%s step=%s task=%s status=failed required=%t err=%v", s.hook, step, s.taskID, required, err)
	if s.events != nil {
		level := core.LevelWarning
		if required {
			level = core.LevelError
		}
		ev := core.NewEvent(core.CategoryHook, level, fmt.Sprintf("%s step %s failed", s.hook, step))
		ev.TaskID = s.taskID
		ev.Data = map[string]any{"hook": s.hook, "step": step, "required": required, "error": err.Error()}
		if lerr := s.events.Log(context.WithoutCancel(ctx), ev); lerr != nil {
			log.Printf("component=hook action=event_log_failed hook=%s err=%v", s.hook, lerr)
		}
	}
	if required {
		return fmt.Errorf("%s: %s: %w", s.hook, step, err)
	}
	return nil
}
