package domain

import (
	"fmt"
	"regexp"
	"time"
)

var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateTaskID checks that a task id is usable as a branch and directory name
func ValidateTaskID(id string) error {
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("invalid task ID format: %q (expected letters, digits, '.', '_' or '-')", id)
	}
	return nil
}

// Task represents a unit of work planned into a cycle
type Task struct {
	ID                 string
	Title              string
	Description        string
	AcceptanceCriteria []string
	ParallelGroup      string
	Cycle              int
	Status             TaskStatus
	Reason             string // Human-readable reason for blocked/discarded tasks

	WorktreePath string
	Branch       string
	SessionID    string
	CostUSD      float64
	TestsPassed  int
	TestsFailed  int
	Review       *ReviewDecision
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Clone returns a copy of the task that does not share the review pointer or criteria slice
func (t *Task) Clone() *Task {
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	if t.Review != nil {
		r := *t.Review
		c.Review = &r
	}
	return &c
}

// Block moves the task to blocked with the given reason
func (t *Task) Block(reason string) {
	t.Status = TaskBlocked
	t.Reason = reason
}

// Duration returns how long the task has been (or was) executing
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.FinishedAt != nil {
		return t.FinishedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// TaskResult is the settled outcome of one task within a cycle
type TaskResult struct {
	Task     *Task
	Err      error
	Duration time.Duration
}

// Merged reports whether the task ended merged into the base line
func (r TaskResult) Merged() bool {
	return r.Task != nil && r.Task.Status == TaskMerged
}
