// ABOUTME: CLI implements the PR hooks' git collaborator by shelling out to git and the GitHub gh CLI.
// ABOUTME: Commands run non-interactively in the configured repository with pagers and prompts disabled.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/2389-research/taskflow/engine"
)

// Runner executes a binary in dir and returns its trimmed combined output.
type Runner func(ctx context.Context, dir, binary string, args ...string) (string, error)

// CLI drives git and gh for one repository.
type CLI struct {
	RepoDir string
	Remote  string
	run     Runner
}

var _ engine.GitClient = (*CLI)(nil)

// New returns a CLI for repoDir pushing to remote ("origin" when empty).
func New(repoDir, remote string) *CLI {
	return NewWithRunner(repoDir, remote, runCommand)
}

// NewWithRunner is New with a custom command runner.
func NewWithRunner(repoDir, remote string, run Runner) *CLI {
	if remote == "" {
		remote = "origin"
	}
	return &CLI{RepoDir: repoDir, Remote: remote, run: run}
}

// Available reports whether git and gh are on PATH.
func Available() error {
	var errs []error
	for _, bin := range []string{"git", "gh"} {
		if _, err := exec.LookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("%s CLI not installed", bin))
		}
	}
	return errors.Join(errs...)
}

// DiffStat summarizes the changes on branch relative to base.
func (c *CLI) DiffStat(ctx context.Context, base, branch string) (string, error) {
	return c.run(ctx, c.RepoDir, "git", "diff", "--stat", base+"..."+branch)
}

// Push publishes branch to the remote and sets its upstream.
func (c *CLI) Push(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.RepoDir, "git", "push", "--set-upstream", c.Remote, branch)
	return err
}

// CreatePullRequest opens a pull request and returns its URL.
func (c *CLI) CreatePullRequest(ctx context.Context, in engine.PullRequestInput) (string, error) {
	out, err := c.run(ctx, c.RepoDir, "gh", "pr", "create",
		"--head", in.Branch,
		"--base", in.Base,
		"--title", in.Title,
		"--body", in.Body,
	)
	if err != nil {
		return "", err
	}
	url := lastLine(out)
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("gh pr create: unexpected output %q", out)
	}
	return url, nil
}

// MergePullRequest squash-merges the pull request identified by a URL,
// number or branch.
func (c *CLI) MergePullRequest(ctx context.Context, ref string) error {
	_, err := c.run(ctx, c.RepoDir, "gh", "pr", "merge", ref, "--squash")
	return err
}

// DeleteBranch removes branch from the remote.
func (c *CLI) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.RepoDir, "git", "push", c.Remote, "--delete", branch)
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func runCommand(ctx context.Context, dir, binary string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_PAGER=cat",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
		"GH_PROMPT_DISABLED=1",
		"GH_PAGER=cat",
		"NO_COLOR=1",
	)
	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("%s %s failed: %s", binary, strings.Join(args, " "), result)
		}
		return "", fmt.Errorf("%s %s failed: %w", binary, strings.Join(args, " "), err)
	}
	return result, nil
}
