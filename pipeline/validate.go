// ABOUTME: Structural validation rules for pipeline definitions, reported as diagnostics.
// ABOUTME: Errors make a definition unusable; warnings flag tolerated oddities such as unreachable statuses.
package pipeline

import (
	"fmt"
	"strings"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	Status   string     // optional
	Edge     *[2]string // optional (from, to)
}

// String formats the diagnostic on one line.
func (d Diagnostic) String() string {
	loc := ""
	switch {
	case d.Edge != nil:
		loc = fmt.Sprintf(" edge=%s->%s", d.Edge[0], d.Edge[1])
	case d.Status != "":
		loc = fmt.Sprintf(" status=%s", d.Status)
	}
	return fmt.Sprintf("%s: [%s]%s %s", strings.ToLower(d.Severity.String()), d.Rule, loc, d.Message)
}

// Rule is the interface for validation rules.
type Rule interface {
	Name() string
	Apply(d *Definition) []Diagnostic
}

// ValidationError is returned by ValidateOrError and carries every error diagnostic.
type ValidationError struct {
	PipelineID  string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.String())
	}
	return fmt.Sprintf("pipeline %q failed validation with %d error(s): %s",
		e.PipelineID, len(e.Diagnostics), strings.Join(msgs, "; "))
}

func builtinRules() []Rule {
	return []Rule{
		&identityRule{},
		&statusesRule{},
		&transitionRefsRule{},
		&initialStatusRule{},
		&duplicateTransitionRule{},
		&reachabilityRule{},
		&finalOutgoingRule{},
	}
}

// Validate runs the built-in rules plus any extra rules on the definition.
func Validate(d *Definition, extraRules ...Rule) []Diagnostic {
	var diags []Diagnostic
	rules := append(builtinRules(), extraRules...)
	for _, rule := range rules {
		diags = append(diags, rule.Apply(d)...)
	}
	return diags
}

// ValidateOrError runs validation and returns a *ValidationError if any
// error-severity diagnostics exist. All diagnostics are returned either way.
func ValidateOrError(d *Definition, extraRules ...Rule) ([]Diagnostic, error) {
	diags := Validate(d, extraRules...)
	var errs []Diagnostic
	for _, diag := range diags {
		if diag.Severity == SeverityError {
			errs = append(errs, diag)
		}
	}
	if len(errs) > 0 {
		return diags, &ValidationError{PipelineID: d.ID, Diagnostics: errs}
	}
	return diags, nil
}

// RegisteredNamesRule reports guard or hook references that are not in the
// given registry. The engine supplies one rule per registry.
type RegisteredNamesRule struct {
	Kind  string // "guard" or "hook"
	Known func(name string) bool
}

func (r *RegisteredNamesRule) Name() string { return "registered_" + r.Kind }

func (r *RegisteredNamesRule) Apply(d *Definition) []Diagnostic {
	var diags []Diagnostic
	for _, t := range d.Transitions {
		var names []string
		if r.Kind == "guard" {
			for _, g := range t.Guards {
				names = append(names, g.Name)
			}
		} else {
			for _, h := range t.Hooks {
				names = append(names, h.Name)
			}
		}
		for _, name := range names {
			if r.Known(name) {
				continue
			}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s %q is not registered", r.Kind, name),
				Edge:     &[2]string{t.From, t.To},
			})
		}
	}
	return diags
}

type identityRule struct{}

func (r *identityRule) Name() string { return "identity" }

func (r *identityRule) Apply(d *Definition) []Diagnostic {
	if strings.TrimSpace(d.ID) == "" {
		return []Diagnostic{{Rule: r.Name(), Severity: SeverityError, Message: "pipeline id is required"}}
	}
	return nil
}

type statusesRule struct{}

func (r *statusesRule) Name() string { return "statuses" }

func (r *statusesRule) Apply(d *Definition) []Diagnostic {
	if len(d.Statuses) == 0 {
		return []Diagnostic{{Rule: r.Name(), Severity: SeverityError, Message: "at least one status is required"}}
	}
	var diags []Diagnostic
	seen := make(map[string]bool, len(d.Statuses))
	for _, s := range d.Statuses {
		if strings.TrimSpace(s.Name) == "" {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Message: "status name is required"})
			continue
		}
		if seen[s.Name] {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Status: s.Name,
				Message: "status declared more than once"})
		}
		seen[s.Name] = true
		if !s.Category.Valid() {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Status: s.Name,
				Message: fmt.Sprintf("unknown category %q", s.Category)})
		}
	}
	return diags
}

type transitionRefsRule struct{}

func (r *transitionRefsRule) Name() string { return "transition_refs" }

func (r *transitionRefsRule) Apply(d *Definition) []Diagnostic {
	var diags []Diagnostic
	for _, t := range d.Transitions {
		edge := &[2]string{t.From, t.To}
		if !d.HasStatus(t.From) {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Edge: edge,
				Message: fmt.Sprintf("from status %q is not declared", t.From)})
		}
		if !d.HasStatus(t.To) {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Edge: edge,
				Message: fmt.Sprintf("to status %q is not declared", t.To)})
		}
		if !t.Trigger.Valid() {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Edge: edge,
				Message: fmt.Sprintf("unknown trigger %q", t.Trigger)})
		}
		if t.Outcome != "" && t.Trigger != TriggerAgent {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityWarning, Edge: edge,
				Message: "outcome is only used by agent-triggered transitions"})
		}
		for _, g := range t.Guards {
			if strings.TrimSpace(g.Name) == "" {
				diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Edge: edge,
					Message: "guard reference without a name"})
			}
		}
		for _, h := range t.Hooks {
			if strings.TrimSpace(h.Name) == "" {
				diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityError, Edge: edge,
					Message: "hook reference without a name"})
			}
		}
	}
	return diags
}

type initialStatusRule struct{}

func (r *initialStatusRule) Name() string { return "initial_status" }

func (r *initialStatusRule) Apply(d *Definition) []Diagnostic {
	if len(d.Statuses) == 0 {
		return nil
	}
	if len(d.InitialStatuses()) == 0 {
		return []Diagnostic{{Rule: r.Name(), Severity: SeverityError,
			Message: "no initial status: every status has an incoming transition"}}
	}
	return nil
}

type duplicateTransitionRule struct{}

func (r *duplicateTransitionRule) Name() string { return "duplicate_transition" }

func (r *duplicateTransitionRule) Apply(d *Definition) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[[2]string]bool)
	for _, t := range d.Transitions {
		key := [2]string{t.From, t.To}
		if seen[key] {
			edge := key
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityWarning, Edge: &edge,
				Message: "duplicate transition; the first declared one is used"})
		}
		seen[key] = true
	}
	return diags
}

type reachabilityRule struct{}

func (r *reachabilityRule) Name() string { return "reachability" }

func (r *reachabilityRule) Apply(d *Definition) []Diagnostic {
	reached := make(map[string]bool)
	queue := d.InitialStatuses()
	for _, s := range queue {
		reached[s] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range d.Transitions {
			if t.From == cur && !reached[t.To] {
				reached[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	var diags []Diagnostic
	for _, s := range d.Statuses {
		if s.Name != "" && !reached[s.Name] {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityWarning, Status: s.Name,
				Message: "status is not reachable from any initial status"})
		}
	}
	return diags
}

type finalOutgoingRule struct{}

func (r *finalOutgoingRule) Name() string { return "final_outgoing" }

func (r *finalOutgoingRule) Apply(d *Definition) []Diagnostic {
	var diags []Diagnostic
	for _, s := range d.Statuses {
		if s.IsFinal && len(d.TransitionsFrom(s.Name)) > 0 {
			diags = append(diags, Diagnostic{Rule: r.Name(), Severity: SeverityWarning, Status: s.Name,
				Message: "status is marked final but has outgoing transitions"})
		}
	}
	return diags
}
