// ABOUTME: Pipeline definition model: statuses, categories, triggers, transitions, and guard/hook references.
// ABOUTME: Definitions are read-only once loaded and expose lookup helpers used by the engine and guards.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Category partitions statuses into behavioral classes.
type Category string

const (
	CategoryReady           Category = "ready"
	CategoryAgentRunning    Category = "agent_running"
	CategoryHumanReview     Category = "human_review"
	CategoryWaitingForInput Category = "waiting_for_input"
	CategoryTerminal        Category = "terminal"
	CategoryBlocked         Category = "blocked"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryReady, CategoryAgentRunning, CategoryHumanReview,
		CategoryWaitingForInput, CategoryTerminal, CategoryBlocked:
		return true
	}
	return false
}

// Trigger identifies what initiated a transition.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
	TriggerAgent     Trigger = "agent"
)

// Valid reports whether t is one of the known triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerAutomatic, TriggerAgent:
		return true
	}
	return false
}

// Status is a named node in a pipeline's lifecycle.
type Status struct {
	Name     string   `yaml:"name" json:"name"`
	Label    string   `yaml:"label,omitempty" json:"label,omitempty"`
	Category Category `yaml:"category" json:"category"`
	IsFinal  bool     `yaml:"is_final,omitempty" json:"is_final,omitempty"`
}

// GuardRef names a registered guard, with optional per-transition parameters.
type GuardRef struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// HookRef names a registered hook, with optional per-transition parameters.
type HookRef struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Param returns the named parameter or def when it is unset.
func (r GuardRef) Param(key, def string) string {
	return lookupParam(r.Params, key, def)
}

// Param returns the named parameter or def when it is unset.
func (r HookRef) Param(key, def string) string {
	return lookupParam(r.Params, key, def)
}

func lookupParam(params map[string]string, key, def string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return def
}

// UnmarshalYAML accepts either a bare guard name or a {name, params} mapping.
func (r *GuardRef) UnmarshalYAML(node *yaml.Node) error {
	name, params, err := decodeRef(node)
	if err != nil {
		return fmt.Errorf("guard ref: %w", err)
	}
	r.Name, r.Params = name, params
	return nil
}

// UnmarshalYAML accepts either a bare hook name or a {name, params} mapping.
func (r *HookRef) UnmarshalYAML(node *yaml.Node) error {
	name, params, err := decodeRef(node)
	if err != nil {
		return fmt.Errorf("hook ref: %w", err)
	}
	r.Name, r.Params = name, params
	return nil
}

func decodeRef(node *yaml.Node) (string, map[string]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil, nil
	case yaml.MappingNode:
		var raw struct {
			Name   string            `yaml:"name"`
			Params map[string]string `yaml:"params"`
		}
		if err := node.Decode(&raw); err != nil {
			return "", nil, err
		}
		return raw.Name, raw.Params, nil
	default:
		return "", nil, fmt.Errorf("line %d: expected a name or a mapping", node.Line)
	}
}

// Transition is a declared edge between two statuses.
type Transition struct {
	From    string     `yaml:"from" json:"from"`
	To      string     `yaml:"to" json:"to"`
	Trigger Trigger    `yaml:"trigger" json:"trigger"`
	Guards  []GuardRef `yaml:"guards,omitempty" json:"guards,omitempty"`
	Hooks   []HookRef  `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Label   string     `yaml:"label,omitempty" json:"label,omitempty"`
	// Outcome selects this transition for an agent-reported outcome. When
	// empty, an agent outcome equal to To selects it instead.
	Outcome string `yaml:"outcome,omitempty" json:"outcome,omitempty"`
}

// MatchesOutcome reports whether an agent-reported outcome selects t.
func (t Transition) MatchesOutcome(outcome string) bool {
	if t.Trigger != TriggerAgent || outcome == "" {
		return false
	}
	if t.Outcome != "" {
		return t.Outcome == outcome
	}
	return t.To == outcome
}

// Definition describes the lifecycle of one task type.
type Definition struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Statuses    []Status     `yaml:"statuses" json:"statuses"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// Status returns the declared status with the given name.
func (d *Definition) Status(name string) (Status, bool) {
	for _, s := range d.Statuses {
		if s.Name == name {
			return s, true
		}
	}
	return Status{}, false
}

// HasStatus reports whether name is a declared status.
func (d *Definition) HasStatus(name string) bool {
	_, ok := d.Status(name)
	return ok
}

// TransitionsFrom returns every transition leaving status, in declaration order.
func (d *Definition) TransitionsFrom(status string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == status {
			out = append(out, t)
		}
	}
	return out
}

// FindTransition returns the first declared transition from -> to.
func (d *Definition) FindTransition(from, to string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// FindAgentTransition returns the first agent-triggered transition leaving
// from that is selected by outcome.
func (d *Definition) FindAgentTransition(from, outcome string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.MatchesOutcome(outcome) {
			return t, true
		}
	}
	return Transition{}, false
}

// InitialStatuses returns the statuses with no incoming transition.
func (d *Definition) InitialStatuses() []string {
	incoming := make(map[string]bool, len(d.Statuses))
	for _, t := range d.Transitions {
		incoming[t.To] = true
	}
	var out []string
	for _, s := range d.Statuses {
		if !incoming[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}

// IsInitial reports whether status may be used for a newly created task.
func (d *Definition) IsInitial(status string) bool {
	for _, s := range d.InitialStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is declared terminal or has no outgoing
// transitions. Unknown statuses are not terminal.
func (d *Definition) IsTerminal(status string) bool {
	s, ok := d.Status(status)
	if !ok {
		return false
	}
	if s.Category == CategoryTerminal {
		return true
	}
	for _, t := range d.Transitions {
		if t.From == status {
			return false
		}
	}
	return true
}

// GuardNames returns every guard name referenced by the definition.
func (d *Definition) GuardNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range d.Transitions {
		for _, g := range t.Guards {
			if !seen[g.Name] {
				seen[g.Name] = true
				out = append(out, g.Name)
			}
		}
	}
	return out
}

// HookNames returns every hook name referenced by the definition.
func (d *Definition) HookNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range d.Transitions {
		for _, h := range t.Hooks {
			if !seen[h.Name] {
				seen[h.Name] = true
				out = append(out, h.Name)
			}
		}
	}
	return out
}
