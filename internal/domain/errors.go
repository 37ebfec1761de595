package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by all orchestration components
var (
	ErrSpawnFailed           = errors.New("spawn failed")
	ErrTimeout               = errors.New("timeout")
	ErrTrivialRun            = errors.New("no real work performed")
	ErrTestRunnerUnavailable = errors.New("test runner unavailable")
	ErrReviewUnavailable     = errors.New("review unavailable")
	ErrMergeConflict         = errors.New("merge conflict")
	ErrIsolationCreateFailed = errors.New("isolation create failed")
	ErrAgentFailed           = errors.New("agent failed")
	ErrStopped               = errors.New("stopped")
)

// TaskError attaches a human-readable reason to one of the taxonomy errors
type TaskError struct {
	Kind   error
	Reason string
}

// NewTaskError creates a TaskError for kind
func NewTaskError(kind error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TaskError) Unwrap() error { return e.Kind }
