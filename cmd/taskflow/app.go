// ABOUTME: Builds the long-lived service graph from config: store, bus, executor, engine, retrier, supervisor, HTTP API.
// ABOUTME: serve runs the loops under one errgroup and shuts the pieces down in dependency order.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/2389-research/taskflow/agentexec"
	"github.com/2389-research/taskflow/bus"
	"github.com/2389-research/taskflow/config"
	"github.com/2389-research/taskflow/engine"
	"github.com/2389-research/taskflow/gitops"
	"github.com/2389-research/taskflow/httpapi"
	"github.com/2389-research/taskflow/pipeline"
	"github.com/2389-research/taskflow/store"
	"github.com/2389-research/taskflow/supervisor"
)

const (
	completionBuffer = 256
	shutdownTimeout  = 15 * time.Second
)

type app struct {
	cfg        config.Config
	registry   *prometheus.Registry
	store      *store.SQLite
	bus        *bus.CompletionBus
	executor   *agentexec.ProcessExecutor
	engine     *engine.Engine
	retrier    *supervisor.Retrier
	supervisor *supervisor.Supervisor
	http       *httpapi.Server

	closeOnce sync.Once
}

func newApp(cfg config.Config) (*app, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st, registry: prometheus.NewRegistry()}
	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg := a.cfg
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	completions, err := bus.NewCompletionBus(completionBuffer)
	if err != nil {
		return err
	}
	a.bus = completions

	a.executor, err = agentexec.New(agentexec.Config{
		Agents:       cfg.AgentCommands(),
		DefaultAgent: cfg.DefaultAgent,
		WorkDir:      cfg.WorkDir,
	}, completions)
	if err != nil {
		return err
	}

	launcher := engine.NewLauncher(a.store, a.executor, a.store, nil)
	guards := engine.NewGuardRegistry()
	hooks := engine.NewHookRegistry()
	var git engine.GitClient
	if cfg.Git.Enabled {
		if err := gitops.Available(); err != nil {
			return err
		}
		git = gitops.New(cfg.Git.RepoDir, cfg.Git.Remote)
	}
	if err := engine.RegisterBuiltins(guards, hooks, engine.BuiltinDeps{
		Tasks:          a.store,
		Pipelines:      a.store,
		Runs:           a.store,
		Artifacts:      a.store,
		Launcher:       launcher,
		Git:            git,
		Events:         a.store,
		DefaultAgent:   cfg.DefaultAgent,
		DefaultTimeout: cfg.Supervisor.RunTimeout,
	}); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	a.engine, err = engine.New(engine.EngineConfig{
		Guards:            guards,
		Hooks:             hooks,
		Tasks:             a.store,
		Pipelines:         a.store,
		Commits:           a.store,
		Runs:              a.store,
		Events:            a.store,
		Executor:          a.executor,
		Metrics:           engine.MustNewMetrics(a.registry),
		PipelineCacheSize: cfg.PipelineCacheSize,
	})
	if err != nil {
		return err
	}

	supMetrics := supervisor.MustNewMetrics(a.registry)
	a.retrier, err = supervisor.NewRetrier(cfg.Retry, supervisor.RetrierDeps{
		Tasks:    a.store,
		Runs:     a.store,
		Launcher: launcher,
		Locker:   a.engine,
		Events:   a.store,
		Metrics:  supMetrics,
	})
	if err != nil {
		return err
	}
	a.engine.SetFailureHandler(a.retrier)

	a.supervisor, err = supervisor.New(cfg.SupervisorSettings(), supervisor.Deps{
		Runs:     a.store,
		Executor: a.executor,
		Events:   a.store,
		Failures: a.retrier,
		Metrics:  supMetrics,
	})
	if err != nil {
		return err
	}

	a.http, err = httpapi.NewServer(httpapi.Config{
		Addr:     cfg.Bind,
		Engine:   a.engine,
		Store:    a.store,
		Registry: a.registry,
	})
	return err
}

// syncPipelines validates every definition in the pipelines directory against
// the registered guards and hooks and stores the valid ones. Nothing is saved
// if any definition fails.
func (a *app) syncPipelines(ctx context.Context) (int, error) {
	defs, err := pipeline.LoadDir(a.cfg.PipelinesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var errs []error
	for _, def := range defs {
		diags, err := a.engine.ValidatePipeline(def)
		for _, d := range diags {
			log.Printf("component=taskflow action=validate pipeline=%s %s", def.ID, d)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", def.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := a.store.SavePipeline(ctx, def); err != nil {
			return 0, err
		}
		a.engine.InvalidatePipeline(def.ID)
	}
	return len(defs), nil
}

// serve blocks until ctx is cancelled or one of the loops fails.
func (a *app) serve(ctx context.Context) error {
	n, err := a.syncPipelines(ctx)
	if err != nil {
		return err
	}
	log.Printf("component=taskflow action=start version=%s bind=%s db=%s pipelines=%d", version, a.cfg.Bind, a.cfg.Database, n)

	// The drain loop outlives the errgroup so completions published while
	// the executor stops its processes are still applied before it ends.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	drained := make(chan error, 1)
	go func() { drained <- a.engine.DrainCompletions(drainCtx, a.bus) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.http.Run(gctx) })
	g.Go(func() error { return a.supervisor.Run(gctx) })
	err = g.Wait()

	log.Printf("component=taskflow action=shutdown")
	a.retrier.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.executor.Shutdown(shutdownCtx); err != nil {
		log.Printf("component=taskflow action=executor_shutdown_failed err=%v", err)
	}
	// Each applied completion releases its run, so this returns once the bus
	// holds nothing the executor published.
	if err := a.executor.WaitSettled(shutdownCtx); err != nil {
		log.Printf("component=taskflow action=drain_incomplete err=%v", err)
	}
	a.engine.Wait()
	stopDrain()
	if derr := <-drained; derr != nil && !errors.Is(derr, context.Canceled) {
		err = errors.Join(err, derr)
	}
	return err
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.bus != nil {
			if err := a.bus.Close(); err != nil {
				log.Printf("component=taskflow action=bus_close_failed err=%v", err)
			}
		}
		if err := a.store.Close(); err != nil {
			log.Printf("component=taskflow action=store_close_failed err=%v", err)
		}
	})
}
