// ABOUTME: JSON API over the pipeline engine: tasks, transitions, history, agent runs, events, and metrics.
// ABOUTME: Guard denials are 409s carrying the full TransitionResult; definition errors are 422s.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/engine"
	"github.com/2389-research/taskflow/pipeline"
	"github.com/2389-research/taskflow/store"
)

// Store is the read side the API serves from. store.SQLite satisfies it.
type Store interface {
	ListPipelines(ctx context.Context) ([]*pipeline.Definition, error)
	GetPipeline(ctx context.Context, id string) (*pipeline.Definition, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*core.Task, error)
	GetTask(ctx context.Context, id string) (*core.Task, error)
	UpdateTask(ctx context.Context, id string, update core.TaskUpdate) (*core.Task, error)
	ListHistory(ctx context.Context, taskID string) ([]core.HistoryEntry, error)
	ListRuns(ctx context.Context, taskID string) ([]*core.AgentRun, error)
	GetRun(ctx context.Context, id string) (*core.AgentRun, error)
	ListArtifacts(ctx context.Context, taskID string) ([]*core.Artifact, error)
	ListEvents(ctx context.Context, filter core.EventFilter) ([]core.Event, error)
}

// Config wires the server.
type Config struct {
	Addr   string
	Engine *engine.Engine
	Store  Store
	// Registry backs /metrics and the request histogram. Nil uses the
	// Prometheus default registry.
	Registry *prometheus.Registry
}

// Server is the HTTP front end.
type Server struct {
	addr   string
	engine *engine.Engine
	store  Store
	router chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("httpapi: Engine and Store are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7420"
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}

	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	if err := reg.Register(requests); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register http metrics: %w", err)
		}
		requests = already.ExistingCollector.(*prometheus.HistogramVec)
	}

	s := &Server{addr: cfg.Addr, engine: cfg.Engine, store: cfg.Store}
	s.router = s.buildRouter(requests, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s, nil
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("component=httpapi action=listen addr=%s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) buildRouter(requests *prometheus.HistogramVec, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(requests))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handlePipelineList)
		r.Get("/{pipelineID}", s.handlePipelineGet)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleTaskList)
		r.Post("/", s.handleTaskCreate)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleTaskGet)
			r.Patch("/", s.handleTaskPatch)
			r.Get("/transitions", s.handleValidTransitions)
			r.Post("/transitions", s.handleExecuteTransition)
			r.Get("/history", s.handleHistory)
			r.Get("/runs", s.handleTaskRuns)
			r.Get("/artifacts", s.handleArtifacts)
		})
	})

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleRunGet)
		r.Post("/stop", s.handleRunStop)
	})

	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handlePipelineGet(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{
		PipelineID: q.Get("pipeline"),
		Status:     q.Get("status"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	PipelineID  string            `json:"pipeline_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	DependsOn   []string          `json:"depends_on"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PipelineID == "" || req.Title == "" {
		writeMessage(w, http.StatusBadRequest, "pipeline_id and title are required")
		return
	}
	task, err := s.engine.CreateTask(r.Context(), &core.Task{
		PipelineID:  req.PipelineID,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		DependsOn:   req.DependsOn,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type patchTaskRequest struct {
	Title        *string           `json:"title"`
	Description  *string           `json:"description"`
	PlanComments *string           `json:"plan_comments"`
	Metadata     map[string]string `json:"metadata"`
}

// handleTaskPatch edits descriptive fields. Status is only changed through
// /transitions.
func (s *Server) handleTaskPatch(w http.ResponseWriter, r *http.Request) {
	var req patchTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.store.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), core.TaskUpdate{
		Title:        req.Title,
		Description:  req.Description,
		PlanComments: req.PlanComments,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return task, true
}

func (s *Server) handleValidTransitions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	available, err := s.engine.GetValidTransitions(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, available)
}

type transitionRequest struct {
	To    string         `json:"to"`
	Actor string         `json:"actor"`
	Data  map[string]any `json:"data"`
}

func (s *Server) handleExecuteTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" {
		writeMessage(w, http.StatusBadRequest, "to is required")
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	res, err := s.engine.ExecuteTransition(r.Context(), task, req.To, engine.TransitionContext{
		Trigger: pipeline.TriggerManual,
		Actor:   actor,
		Data:    req.Data,
	})
	switch {
	case err != nil && res != nil:
		writeJSON(w, statusFor(err), res)
	case err != nil:
		writeError(w, err)
	case !res.Success:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListHistory(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifacts(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.StopAgent(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "stop requested"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.EventFilter{
		TaskID:   q.Get("task"),
		RunID:    q.Get("run"),
		Category: core.EventCategory(q.Get("category")),
		Level:    core.EventLevel(q.Get("level")),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func statusFor(err error) int {
	var commitErr *engine.CommitError
	var validationErr *pipeline.ValidationError
	switch {
	case errors.Is(err, core.ErrNotFound) && !errors.As(err, &commitErr):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, engine.ErrRunNotRunning):
		return http.StatusConflict
	case engine.IsDefinitionError(err), errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("component=httpapi action=error err=%v", err)
	}
	writeMessage(w, status, err.Error())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
