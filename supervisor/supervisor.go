// ABOUTME: Health supervisor that reconciles running AgentRuns against the executor's live set and enforces timeouts.
// ABOUTME: Every mutation is a compare-and-swap out of running, so repeated scans never double-log or double-write.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/engine"
)

// Config holds the supervisor's timing knobs.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// RunTimeout applies to runs that carry no timeout of their own.
	RunTimeout time.Duration
	// GhostGrace is how long a freshly started run may be missing from the
	// live set before it counts as a ghost.
	GhostGrace time.Duration
}

// DefaultConfig returns a 30s scan interval, 30 minute default run timeout
// and a 10s ghost grace period.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		RunTimeout: 30 * time.Minute,
		GhostGrace: 10 * time.Second,
	}
}

// RunStore is the slice of run storage the supervisor needs.
type RunStore interface {
	ListRunsByStatus(ctx context.Context, status core.RunStatus) ([]*core.AgentRun, error)
	GetRun(ctx context.Context, id string) (*core.AgentRun, error)
	FinishRun(ctx context.Context, id string, f core.RunFinish) (bool, error)
}

// Executor exposes the runs the execution collaborator is actively driving.
type Executor interface {
	LiveRunIDs() []string
	Stop(ctx context.Context, runID string) error
}

// Deps are the supervisor's collaborators. Events, Failures and Metrics may be nil.
type Deps struct {
	Runs     RunStore
	Executor Executor
	Events   engine.EventLog
	Failures engine.FailureHandler
	Metrics  *Metrics
	Clock    func() time.Time
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Running  int
	Ghosts   int
	TimedOut int
}

// Supervisor periodically repairs agent-run state.
type Supervisor struct {
	cfg  Config
	deps Deps
	// scanMu serializes scans so a manual scan cannot interleave with the loop.
	scanMu sync.Mutex
}

// New creates a supervisor. Zero config fields take their defaults.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Runs == nil || deps.Executor == nil {
		return nil, errors.New("supervisor: Runs and Executor are required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.GhostGrace < 0 {
		cfg.GhostGrace = 0
	}
	return &Supervisor{cfg: cfg, deps: deps}, nil
}

func (s *Supervisor) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock().UTC()
	}
	return time.Now().UTC()
}

// Run scans once immediately, to recover from a crash, and then on every
// interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Printf("component=supervisor action=start interval=%s run_timeout=%s ghost_grace=%s", s.cfg.Interval, s.cfg.RunTimeout, s.cfg.GhostGrace)
	s.scanAndLog(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("component=supervisor action=stop")
			return nil
		case <-ticker.C:
			s.scanAndLog(ctx)
		}
	}
}

// Start runs the loop on its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	go func() { _ = s.Run(ctx) }()
}

func (s *Supervisor) scanAndLog(ctx context.Context) {
	report, err := s.Scan(ctx)
	if err != nil {
		log.Printf("component=supervisor action=scan_failed err=%v", err)
		return
	}
	if report.Ghosts > 0 || report.TimedOut > 0 {
		log.Printf("component=supervisor action=scan running=%d ghosts=%d timed_out=%d", report.Running, report.Ghosts, report.TimedOut)
	}
}

// Scan inspects every running run once. A run missing from the executor's
// live set past the grace period is failed as interrupted; a live run past
// its timeout is stopped and marked timed_out.
func (s *Supervisor) Scan(ctx context.Context) (ScanReport, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var report ScanReport
	running, err := s.deps.Runs.ListRunsByStatus(ctx, core.RunRunning)
	if err != nil {
		return report, fmt.Errorf("list running runs: %w", err)
	}
	report.Running = len(running)
	s.deps.Metrics.scanned(len(running))

	live := make(map[string]bool)
	for _, id := range s.deps.Executor.LiveRunIDs() {
		live[id] = true
	}

	now := s.now()
	var errs []error
	for _, run := range running {
		elapsed := now.Sub(run.StartedAt)
		if !live[run.ID] && elapsed > s.cfg.GhostGrace {
			ok, err := s.failGhost(ctx, run, now)
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				report.Ghosts++
			}
			continue
		}

		timeout := run.Timeout
		if timeout <= 0 {
			timeout = s.cfg.RunTimeout
		}
		if elapsed > timeout {
			ok, err := s.timeOut(ctx, run, now, elapsed, timeout)
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				report.TimedOut++
			}
		}
	}
	return report, errors.Join(errs...)
}

const ghostMessage = "[supervisor] run interrupted: no live process is driving it"

func (s *Supervisor) failGhost(ctx context.Context, run *core.AgentRun, now time.Time) (bool, error) {
	applied, err := s.deps.Runs.FinishRun(ctx, run.ID, core.RunFinish{
		Status:       core.RunFailed,
		Outcome:      core.OutcomeInterrupted,
		AppendOutput: ghostMessage,
		Error:        "ghost run: not tracked by any live process",
		CompletedAt:  now,
	})
	if err != nil {
		return false, fmt.Errorf("fail ghost run %s: %w", run.ID, err)
	}
	if !applied {
		return false, nil
	}

	s.deps.Metrics.ghost()
	log.Printf("component=supervisor action=ghost_run run=%s task=%s started_at=%s", run.ID, run.TaskID, run.StartedAt.Format(time.RFC3339))
	s.logEvent(ctx, run, "ghost run marked failed", map[string]any{
		"outcome":    core.OutcomeInterrupted,
		"started_at": run.StartedAt.Format(time.RFC3339Nano),
	})
	s.notifyFailure(ctx, run.ID)
	return true, nil
}

func (s *Supervisor) timeOut(ctx context.Context, run *core.AgentRun, now time.Time, elapsed, timeout time.Duration) (bool, error) {
	if err := s.deps.Executor.Stop(ctx, run.ID); err != nil {
		log.Printf("component=supervisor action=stop_failed run=%s err=%v", run.ID, err)
	}
	applied, err := s.deps.Runs.FinishRun(ctx, run.ID, core.RunFinish{
		Status:      core.RunTimedOut,
		Error:       fmt.Sprintf("timed out after %s (limit %s)", elapsed.Round(time.Second), timeout),
		CompletedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("time out run %s: %w", run.ID, err)
	}
	if !applied {
		return false, nil
	}

	s.deps.Metrics.timedOut()
	log.Printf("component=supervisor action=timeout run=%s task=%s elapsed=%s timeout=%s", run.ID, run.TaskID, elapsed, timeout)
	s.logEvent(ctx, run, "agent run timed out", map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"timeout_ms": timeout.Milliseconds(),
	})
	s.notifyFailure(ctx, run.ID)
	return true, nil
}

func (s *Supervisor) notifyFailure(ctx context.Context, runID string) {
	if s.deps.Failures == nil {
		return
	}
	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		log.Printf("component=supervisor action=reload_failed run=%s err=%v", runID, err)
		return
	}
	s.deps.Failures.HandleFailure(ctx, run)
}

func (s *Supervisor) logEvent(ctx context.Context, run *core.AgentRun, msg string, data map[string]any) {
	if s.deps.Events == nil {
		return
	}
	ev := core.NewEvent(core.CategorySupervisor, core.LevelWarning, msg)
	ev.TaskID = run.TaskID
	ev.RunID = run.ID
	ev.Data = data
	ev.CreatedAt = s.now()
	if err := s.deps.Events.Log(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("component=supervisor action=event_log_failed run=%s err=%v", run.ID, err)
	}
}
