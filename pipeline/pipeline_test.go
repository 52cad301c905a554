// ABOUTME: Tests for pipeline definitions: YAML decoding, lookup helpers, terminal/initial queries, and validation rules.
// ABOUTME: Uses a small feature pipeline fixture shared across the test cases.
package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const featureYAML = `
id: feature
name: Feature
statuses:
  - {name: open, label: Open, category: ready}
  - {name: planning, label: Planning, category: agent_running}
  - {name: plan_review, label: Plan Review, category: human_review}
  - {name: done, label: Done, category: terminal, is_final: true}
transitions:
  - from: open
    to: planning
    trigger: manual
    guards: [no_running_agent]
    hooks:
      - name: start_agent
        params: {mode: plan, agent_type: planner}
  - from: planning
    to: plan_review
    trigger: agent
    outcome: plan_complete
  - from: plan_review
    to: done
    trigger: manual
    guards:
      - name: has_pull_request_artifact
        params: {state: merged}
`

func mustParse(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return def
}

func TestParseFeaturePipeline(t *testing.T) {
	def := mustParse(t, featureYAML)

	if def.ID != "feature" {
		t.Errorf("ID = %q, want feature", def.ID)
	}
	if len(def.Statuses) != 4 || len(def.Transitions) != 3 {
		t.Fatalf("got %d statuses / %d transitions, want 4 / 3", len(def.Statuses), len(def.Transitions))
	}

	first := def.Transitions[0]
	if len(first.Guards) != 1 || first.Guards[0].Name != "no_running_agent" {
		t.Errorf("bare guard name not decoded: %+v", first.Guards)
	}
	if len(first.Hooks) != 1 || first.Hooks[0].Param("agent_type", "") != "planner" {
		t.Errorf("hook params not decoded: %+v", first.Hooks)
	}
	if got := def.Transitions[2].Guards[0].Param("kind", "pull_request"); got != "pull_request" {
		t.Errorf("default param = %q, want pull_request", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("id: x\nstatuses: []\ntransitons: []\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLookupHelpers(t *testing.T) {
	def := mustParse(t, featureYAML)

	if !def.HasStatus("planning") || def.HasStatus("nope") {
		t.Error("HasStatus mismatch")
	}
	if got := def.InitialStatuses(); len(got) != 1 || got[0] != "open" {
		t.Errorf("InitialStatuses = %v, want [open]", got)
	}
	if _, ok := def.FindTransition("open", "planning"); !ok {
		t.Error("FindTransition(open, planning) not found")
	}
	if _, ok := def.FindTransition("open", "done"); ok {
		t.Error("FindTransition(open, done) should not exist")
	}
	tr, ok := def.FindAgentTransition("planning", "plan_complete")
	if !ok || tr.To != "plan_review" {
		t.Errorf("FindAgentTransition = %+v, %v", tr, ok)
	}
	if _, ok := def.FindAgentTransition("planning", "unknown_outcome"); ok {
		t.Error("unknown outcome should not match")
	}
}

func TestAgentOutcomeFallsBackToTarget(t *testing.T) {
	tr := Transition{From: "a", To: "b", Trigger: TriggerAgent}
	if !tr.MatchesOutcome("b") {
		t.Error("outcome equal to target should match when Outcome is empty")
	}
	manual := Transition{From: "a", To: "b", Trigger: TriggerManual}
	if manual.MatchesOutcome("b") {
		t.Error("manual transitions never match agent outcomes")
	}
}

func TestIsTerminal(t *testing.T) {
	def := mustParse(t, featureYAML)
	def.Statuses = append(def.Statuses, Status{Name: "dead_end", Category: CategoryBlocked})
	def.Transitions = append(def.Transitions, Transition{From: "open", To: "dead_end", Trigger: TriggerManual})

	tests := []struct {
		status string
		want   bool
	}{
		{"open", false},
		{"planning", false},
		{"done", true},     // category terminal
		{"dead_end", true}, // no outgoing transitions
		{"missing", false},
	}
	for _, tt := range tests {
		if got := def.IsTerminal(tt.status); got != tt.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestValidateAcceptsFeaturePipeline(t *testing.T) {
	def := mustParse(t, featureYAML)
	diags, err := ValidateOrError(def)
	if err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
	for _, d := range diags {
		if d.Severity == SeverityError {
			t.Errorf("unexpected error diagnostic: %s", d)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		rule string
	}{
		{
			name: "missing id",
			def:  Definition{Statuses: []Status{{Name: "a", Category: CategoryReady}}},
			rule: "identity",
		},
		{
			name: "no statuses",
			def:  Definition{ID: "x"},
			rule: "statuses",
		},
		{
			name: "duplicate status",
			def: Definition{ID: "x", Statuses: []Status{
				{Name: "a", Category: CategoryReady}, {Name: "a", Category: CategoryReady},
			}},
			rule: "statuses",
		},
		{
			name: "unknown category",
			def:  Definition{ID: "x", Statuses: []Status{{Name: "a", Category: "weird"}}},
			rule: "statuses",
		},
		{
			name: "undeclared target",
			def: Definition{ID: "x",
				Statuses:    []Status{{Name: "a", Category: CategoryReady}},
				Transitions: []Transition{{From: "a", To: "b", Trigger: TriggerManual}},
			},
			rule: "transition_refs",
		},
		{
			name: "unknown trigger",
			def: Definition{ID: "x",
				Statuses:    []Status{{Name: "a", Category: CategoryReady}, {Name: "b", Category: CategoryTerminal}},
				Transitions: []Transition{{From: "a", To: "b", Trigger: "cron"}},
			},
			rule: "transition_refs",
		},
		{
			name: "no initial status",
			def: Definition{ID: "x",
				Statuses: []Status{{Name: "a", Category: CategoryReady}, {Name: "b", Category: CategoryReady}},
				Transitions: []Transition{
					{From: "a", To: "b", Trigger: TriggerManual},
					{From: "b", To: "a", Trigger: TriggerManual},
				},
			},
			rule: "initial_status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateOrError(&tt.def)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			found := false
			for _, d := range verr.Diagnostics {
				if d.Rule == tt.rule {
					found = true
				}
			}
			if !found {
				t.Errorf("no %s diagnostic in %v", tt.rule, verr.Diagnostics)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	def := mustParse(t, featureYAML)
	// orphan_a and orphan_b only point at each other, so neither is initial
	// and neither is reachable.
	def.Statuses = append(def.Statuses,
		Status{Name: "orphan_a", Category: CategoryBlocked},
		Status{Name: "orphan_b", Category: CategoryBlocked},
	)
	def.Transitions = append(def.Transitions,
		Transition{From: "open", To: "planning", Trigger: TriggerManual},
		Transition{From: "orphan_a", To: "orphan_b", Trigger: TriggerManual},
		Transition{From: "orphan_b", To: "orphan_a", Trigger: TriggerManual},
	)

	diags, err := ValidateOrError(def)
	if err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}
	rules := map[string]bool{}
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			rules[d.Rule] = true
		}
	}
	for _, want := range []string{"duplicate_transition", "reachability"} {
		if !rules[want] {
			t.Errorf("missing %s warning in %v", want, diags)
		}
	}
}

func TestRegisteredNamesRule(t *testing.T) {
	def := mustParse(t, featureYAML)
	known := map[string]bool{"no_running_agent": true}
	rule := &RegisteredNamesRule{Kind: "guard", Known: func(n string) bool { return known[n] }}

	_, err := ValidateOrError(def, rule)
	if err == nil {
		t.Fatal("expected unregistered guard error")
	}
	if !strings.Contains(err.Error(), "has_pull_request_artifact") {
		t.Errorf("error should name the missing guard: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "feature.yaml"), []byte(featureYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "feature" {
		t.Fatalf("LoadDir = %+v", defs)
	}

	if err := os.WriteFile(filepath.Join(dir, "feature-copy.yml"), []byte(featureYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("expected duplicate pipeline id error")
	}
}
