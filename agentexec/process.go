// ABOUTME: ProcessExecutor runs each agent run as a local bash command in its own process group.
// ABOUTME: A run stays live for the supervisor from start until the engine has applied its published completion.
package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/2389-research/taskflow/core"
)

const settlePoll = 10 * time.Millisecond

var (
	// ErrUnknownRun is returned by Stop for runs with no live process.
	ErrUnknownRun = errors.New("no live process for run")
	// ErrShutdown is returned by Start once Shutdown has been called.
	ErrShutdown = errors.New("executor is shut down")
)

// Publisher receives completions. bus.CompletionBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, rc core.RunCompletion) error
}

// Config configures a ProcessExecutor.
type Config struct {
	// Agents maps an agent type to the shell command that runs it.
	Agents map[string]string
	// DefaultAgent is used when a run names no agent type.
	DefaultAgent string
	WorkDir      string
	// StopGrace is the wait between SIGTERM and SIGKILL on Stop.
	StopGrace time.Duration
	// MaxOutput caps the captured output; the tail is kept.
	MaxOutput int
	// Clock stamps completions; nil means time.Now.
	Clock func() time.Time
}

// ProcessExecutor implements engine.Executor and supervisor.Executor.
type ProcessExecutor struct {
	cfg     Config
	publish Publisher

	mu   sync.Mutex
	live map[string]*process
	// settling holds runs whose process exited and whose completion is
	// published but not yet applied.
	settling map[string]bool
	closed   bool
	wg       sync.WaitGroup
}

type process struct {
	cmd     *exec.Cmd
	stopped bool
	done    chan struct{}
}

// New creates an executor that reports completions to publish.
func New(cfg Config, publish Publisher) (*ProcessExecutor, error) {
	if publish == nil {
		return nil, errors.New("agentexec: publisher is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, errors.New("agentexec: no agents configured")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	return &ProcessExecutor{
		cfg:      cfg,
		publish:  publish,
		live:     make(map[string]*process),
		settling: make(map[string]bool),
	}, nil
}

func (e *ProcessExecutor) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}

func (e *ProcessExecutor) commandFor(agentType string) (string, error) {
	if agentType == "" {
		agentType = e.cfg.DefaultAgent
	}
	command, ok := e.cfg.Agents[agentType]
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("agent type %q is not configured", agentType)
	}
	return command, nil
}

// Start launches the run's process with the prompt on stdin. It returns once
// the process has started; the completion is published when it exits.
func (e *ProcessExecutor) Start(_ context.Context, req core.StartRequest) error {
	command, err := e.commandFor(req.Run.AgentType)
	if err != nil {
		return err
	}

	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = buildEnv(map[string]string{
		"TASKFLOW_RUN_ID":     req.Run.ID,
		"TASKFLOW_TASK_ID":    req.Task.ID,
		"TASKFLOW_TASK_TITLE": req.Task.Title,
		"TASKFLOW_MODE":       req.Run.Mode,
		"TASKFLOW_ATTEMPT":    strconv.Itoa(req.Run.Attempt),
	})
	cmd.Stdin = strings.NewReader(req.Prompt)
	out := &tailBuffer{max: e.cfg.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("start %s: %w", req.Run.ID, ErrShutdown)
	}
	if _, exists := e.live[req.Run.ID]; exists || e.settling[req.Run.ID] {
		return fmt.Errorf("run %s is already live", req.Run.ID)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %q: %w", req.Run.AgentType, err)
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	e.live[req.Run.ID] = p
	e.wg.Add(1)
	go e.wait(req.Run.ID, p, out)

	log.Printf("component=agentexec action=started run=%s task=%s pid=%d", req.Run.ID, req.Task.ID, cmd.Process.Pid)
	return nil
}

func (e *ProcessExecutor) wait(runID string, p *process, out *tailBuffer) {
	defer e.wg.Done()
	waitErr := p.cmd.Wait()
	close(p.done)

	e.mu.Lock()
	delete(e.live, runID)
	e.settling[runID] = true
	stopped := p.stopped
	e.mu.Unlock()

	output := out.String()
	rc := core.RunCompletion{
		RunID:   runID,
		Outcome: ParseOutcome(output),
		Output:  output,
		At:      e.now(),
	}
	switch {
	case stopped:
		rc.Status = core.RunCancelled
		rc.Error = "stopped"
	case waitErr != nil:
		rc.Status = core.RunFailed
		rc.Error = waitErr.Error()
	default:
		rc.Status = core.RunCompleted
	}

	log.Printf("component=agentexec action=exited run=%s status=%s outcome=%q", runID, rc.Status, rc.Outcome)
	if err := e.publish.Publish(context.Background(), rc); err != nil {
		log.Printf("component=agentexec action=publish_failed run=%s err=%v", runID, err)
		e.Release(runID)
	}
}

// Release drops a run whose completion has been applied. Until then the run
// is still reported by LiveRunIDs so the supervisor does not treat it as a
// ghost.
func (e *ProcessExecutor) Release(runID string) {
	e.mu.Lock()
	delete(e.settling, runID)
	e.mu.Unlock()
}

// Stop asks the run's process group to exit with SIGTERM and kills it after
// the grace period. The completion is still published by the exit path.
func (e *ProcessExecutor) Stop(_ context.Context, runID string) error {
	e.mu.Lock()
	p, ok := e.live[runID]
	if ok {
		p.stopped = true
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", runID, ErrUnknownRun)
	}

	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return fmt.Errorf("stop %s: %w", runID, err)
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		select {
		case <-p.done:
		case <-time.After(e.cfg.StopGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
	log.Printf("component=agentexec action=stop run=%s pgid=%d", runID, pgid)
	return nil
}

// LiveRunIDs returns the runs with a process still running or a completion
// not yet released, sorted.
func (e *ProcessExecutor) LiveRunIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live)+len(e.settling))
	for id := range e.live {
		ids = append(ids, id)
	}
	for id := range e.settling {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown refuses new runs, stops every running process and waits for their
// completions to be published or for ctx to end.
func (e *ProcessExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.Stop(ctx, id); err != nil && !errors.Is(err, ErrUnknownRun) {
			log.Printf("component=agentexec action=shutdown_stop_failed run=%s err=%v", id, err)
		}
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var outcomeLine = regexp.MustCompile(`(?m)^\s*OUTCOME:\s*([A-Za-z0-9_.-]+)\s*$`)

// ParseOutcome returns the name on the last "OUTCOME: <name>" line of output.
func ParseOutcome(output string) string {
	matches := outcomeLine.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// sensitiveSuffixes are env var name suffixes never passed to agent processes.
var sensitiveSuffixes = []string{"_SECRET", "_PASSWORD", "_CREDENTIAL"}

func buildEnv(extra map[string]string) []string {
	var env []string
	for _, entry := range os.Environ() {
		name, _, ok := strings.Cut(entry, "=")
		if !ok || isSensitive(name) || strings.HasPrefix(name, "TASKFLOW_") {
			continue
		}
		env = append(env, entry)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// WaitSettled blocks until no run is live or settling, so every published
// completion has been released by whoever applies it, or until ctx ends.
func (e *ProcessExecutor) WaitSettled(ctx context.Context) error {
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	for {
		e.mu.Lock()
		n := len(e.live) + len(e.settling)
		e.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %d unsettled runs: %w", n, ctx.Err())
		case <-tick.C:
		}
	}
}
