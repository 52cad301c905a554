// ABOUTME: Task and artifact records shared by the engine, guards, hooks, and the store.
// ABOUTME: Task status is deliberately absent from TaskUpdate; it only changes through a committed transition.
package core

import (
	"errors"
	"time"
)

// ErrNotFound is wrapped by collaborators when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task is a unit of work moving through its pipeline's lifecycle.
type Task struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipeline_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"status"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	PlanComments string            `json:"plan_comments,omitempty"`
	PRLink       string            `json:"pr_link,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Meta returns the metadata value for key, or def when unset.
func (t *Task) Meta(key, def string) string {
	if v, ok := t.Metadata[key]; ok && v != "" {
		return v
	}
	return def
}

// TaskUpdate carries the non-status fields hooks and callers may change.
// Nil fields are left untouched; Metadata entries are merged.
type TaskUpdate struct {
	Title        *string
	Description  *string
	PlanComments *string
	PRLink       *string
	Metadata     map[string]string
}

// Artifact kinds and states understood by the built-in guards and hooks.
const (
	ArtifactPullRequest = "pull_request"

	ArtifactStateOpen   = "open"
	ArtifactStateMerged = "merged"
	ArtifactStateClosed = "closed"
)

// Artifact is an external object produced for a task, such as a pull request.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	URL       string    `json:"url,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
