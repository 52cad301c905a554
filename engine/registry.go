// ABOUTME: Name-keyed guard and hook registries the engine dispatches to from pipeline definitions.
// ABOUTME: Registries are built once at startup and handed to the engine through EngineConfig.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/pipeline"
)

// TransitionContext describes who asked for a transition and with what data.
type TransitionContext struct {
	Trigger pipeline.Trigger
	Actor   string
	Data    map[string]any
}

// DataString returns Data[key] when it is a non-empty string, else def.
func (tc TransitionContext) DataString(key, def string) string {
	if v, ok := tc.Data[key].(string); ok && v != "" {
		return v
	}
	return def
}

// GuardInput is everything a guard may inspect.
type GuardInput struct {
	Task       *core.Task
	Transition pipeline.Transition
	Ref        pipeline.GuardRef
	Context    TransitionContext
}

// GuardResult is a guard's verdict. Reason explains a denial.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Allow is the passing GuardResult.
func Allow() GuardResult { return GuardResult{Allowed: true} }

// Deny returns a failing GuardResult with a formatted reason.
func Deny(format string, args ...any) GuardResult {
	return GuardResult{Reason: fmt.Sprintf(format, args...)}
}

// GuardFunc is a side-effect-free predicate over a proposed transition.
type GuardFunc func(ctx context.Context, in GuardInput) GuardResult

// HookInput is everything a hook receives after a transition commits.
type HookInput struct {
	Task       *core.Task
	Transition pipeline.Transition
	Ref        pipeline.HookRef
	Context    TransitionContext
	HistoryID  string
}

// HookFunc performs a side effect after a transition has committed.
type HookFunc func(ctx context.Context, in HookInput) error

// HookPolicy controls how a hook's failure is treated.
type HookPolicy string

const (
	// PolicyRequired failures are surfaced to the caller as warnings.
	PolicyRequired HookPolicy = "required"
	// PolicyBestEffort failures are logged only.
	PolicyBestEffort HookPolicy = "best_effort"
	// PolicyFireAndForget hooks run in the background and are not awaited.
	PolicyFireAndForget HookPolicy = "fire_and_forget"
)

// Valid reports whether p is a known policy.
func (p HookPolicy) Valid() bool {
	switch p {
	case PolicyRequired, PolicyBestEffort, PolicyFireAndForget:
		return true
	}
	return false
}

var errInvalidRegistration = errors.New("invalid registration")

// GuardRegistry maps guard names to predicates.
type GuardRegistry struct {
	mu     sync.RWMutex
	guards map[string]GuardFunc
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]GuardFunc)}
}

// Register adds a guard. Empty names, nil functions and duplicates are rejected.
func (r *GuardRegistry) Register(name string, fn GuardFunc) error {
	if name == "" {
		return fmt.Errorf("guard: empty name: %w", errInvalidRegistration)
	}
	if fn == nil {
		return fmt.Errorf("guard %q: nil function: %w", name, errInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[name]; exists {
		return fmt.Errorf("guard %q already registered: %w", name, errInvalidRegistration)
	}
	r.guards[name] = fn
	return nil
}

// Lookup returns the guard registered under name.
func (r *GuardRegistry) Lookup(name string) (GuardFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.guards[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *GuardRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered guard names, sorted.
func (r *GuardRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.guards)
}

type hookEntry struct {
	fn     HookFunc
	policy HookPolicy
}

// HookRegistry maps hook names to actions and their failure policies.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]hookEntry
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]hookEntry)}
}

// Register adds a hook with its failure policy.
func (r *HookRegistry) Register(name string, fn HookFunc, policy HookPolicy) error {
	if name == "" {
		return fmt.Errorf("hook: empty name: %w", errInvalidRegistration)
	}
	if fn == nil {
		return fmt.Errorf("hook %q: nil function: %w", name, errInvalidRegistration)
	}
	if !policy.Valid() {
		return fmt.Errorf("hook %q: unknown policy %q: %w", name, policy, errInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("hook %q already registered: %w", name, errInvalidRegistration)
	}
	r.hooks[name] = hookEntry{fn: fn, policy: policy}
	return nil
}

// Lookup returns the hook and policy registered under name.
func (r *HookRegistry) Lookup(name string) (HookFunc, HookPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hooks[name]
	return e.fn, e.policy, ok
}

// Has reports whether name is registered.
func (r *HookRegistry) Has(name string) bool {
	_, _, ok := r.Lookup(name)
	return ok
}

// Names returns the registered hook names, sorted.
func (r *HookRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.hooks)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
