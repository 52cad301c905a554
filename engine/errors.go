// ABOUTME: Error taxonomy for transition execution: definition errors and commit (storage) errors.
// ABOUTME: Guard denials and hook failures are not errors; they are reported on TransitionResult.
package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchTransition = errors.New("no such transition")
	ErrUnknownStatus    = errors.New("unknown status")
	ErrUnknownGuard     = errors.New("unknown guard")
	ErrUnknownHook      = errors.New("unknown hook")
	ErrNotInitialStatus = errors.New("not an initial status")
	ErrRunNotRunning    = errors.New("run is not running")
	ErrRunActive        = errors.New("task already has a running agent")
)

// DefinitionError reports a request the pipeline definition cannot satisfy.
// It is never retried by the engine.
type DefinitionError struct {
	PipelineID string
	From       string
	To         string
	Name       string
	Err        error
}

func (e *DefinitionError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("pipeline %s: %v %q", e.PipelineID, e.Err, e.Name)
	case e.From != "":
		return fmt.Sprintf("pipeline %s: %v from %q to %q", e.PipelineID, e.Err, e.From, e.To)
	default:
		return fmt.Sprintf("pipeline %s: %v %q", e.PipelineID, e.Err, e.To)
	}
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// CommitError wraps a storage failure during the status+history commit.
// The task's status must be treated as unchanged.
type CommitError struct {
	TaskID string
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit transition for task %s: %v", e.TaskID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// IsDefinitionError reports whether err is a definition error.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
