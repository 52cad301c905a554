// ABOUTME: Activity-log event record written by the engine, hooks, completion handling, and the supervisor.
// ABOUTME: Includes the filter used to query events back out of storage.
package core

import (
	"time"

	"github.com/google/uuid"
)

// EventCategory groups activity-log entries by the subsystem that wrote them.
type EventCategory string

const (
	CategoryTransition EventCategory = "transition"
	CategoryGuard      EventCategory = "guard"
	CategoryHook       EventCategory = "hook"
	CategoryAgent      EventCategory = "agent"
	CategorySupervisor EventCategory = "supervisor"
	CategoryRetry      EventCategory = "retry"
)

// EventLevel is the severity of an activity-log entry.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// Event is one activity-log entry.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Category  EventCategory  `json:"category"`
	Level     EventLevel     `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(category EventCategory, level EventLevel, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Category:  category,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// EventFilter selects events from the activity log. Zero values match everything.
type EventFilter struct {
	TaskID   string
	RunID    string
	Category EventCategory
	Level    EventLevel
	Since    *time.Time
	Limit    int
}
