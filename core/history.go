// ABOUTME: Transition history and hook execution records, plus the commit request the engine hands to storage.
// ABOUTME: History rows are append-only; hook outcomes live in their own append-only records keyed by history ID.
package core

import (
	"fmt"
	"time"

	"github.com/2389-research/taskflow/pipeline"
)

// GuardOutcome is one guard's verdict as recorded in history.
type GuardOutcome struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Hook execution states.
const (
	HookOK         = "ok"
	HookFailed     = "failed"
	HookDispatched = "dispatched"
)

// HookOutcome is one hook invocation's result.
type HookOutcome struct {
	Hook     string        `json:"hook"`
	Policy   string        `json:"policy"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// HistoryEntry is the audit row written exactly once per committed transition.
type HistoryEntry struct {
	ID            string                  `json:"id"`
	Seq           int64                   `json:"seq"`
	TaskID        string                  `json:"task_id"`
	PipelineID    string                  `json:"pipeline_id"`
	FromStatus    string                  `json:"from_status"`
	ToStatus      string                  `json:"to_status"`
	Trigger       pipeline.Trigger        `json:"trigger"`
	Actor         string                  `json:"actor,omitempty"`
	Data          map[string]any          `json:"data,omitempty"`
	GuardResults  map[string]GuardOutcome `json:"guard_results"`
	HooksExecuted map[string]HookOutcome  `json:"hooks_executed"`
	CreatedAt     time.Time               `json:"created_at"`
}

// TransitionCommit asks storage to move a task from FromStatus to ToStatus and
// append Entry, atomically. The status write is conditional on the task still
// being in FromStatus.
type TransitionCommit struct {
	TaskID     string
	FromStatus string
	ToStatus   string
	Entry      HistoryEntry
}

// ProjectData renders transition context data into JSON-safe values for the
// history row. Values that are not plain JSON types are formatted with %v.
func ProjectData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = projectValue(v)
	}
	return out
}

func projectValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return val
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		return ProjectData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = projectValue(item)
		}
		return out
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
