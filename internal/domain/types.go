package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskIsolating      TaskStatus = "isolating"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingReview TaskStatus = "awaiting_review"
	TaskTesting        TaskStatus = "testing"
	TaskReviewing      TaskStatus = "reviewing"
	TaskMerged         TaskStatus = "merged"
	TaskDiscarded      TaskStatus = "discarded"
	TaskBlocked        TaskStatus = "blocked"
)

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskMerged, TaskDiscarded, TaskBlocked:
		return true
	}
	return false
}

// Decision is the verdict of the review gate
type Decision string

const (
	DecisionApprove      Decision = "approve"
	DecisionNeedsChanges Decision = "needs_changes"
	DecisionReject       Decision = "reject"
)

// ParseDecision normalizes a decision keyword. ok is false for unknown input.
func ParseDecision(s string) (Decision, bool) {
	switch s {
	case "approve", "approved", "APPROVE", "APPROVED":
		return DecisionApprove, true
	case "needs_changes", "needs-changes", "needs changes", "NEEDS_CHANGES", "NEEDS CHANGES", "revise", "REVISE":
		return DecisionNeedsChanges, true
	case "reject", "rejected", "REJECT", "REJECTED":
		return DecisionReject, true
	}
	return "", false
}

// ReviewDecision is produced once per task by the review gate
type ReviewDecision struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
	Confidence    float64  `json:"confidence"`
	CostUSD       float64  `json:"cost_usd,omitempty"`
	Heuristic     bool     `json:"heuristic,omitempty"` // Set when the decision came from the fallback heuristic
}

// Outcome is the final verdict of a run or a cycle
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomePartial      Outcome = "partial"
	OutcomeLimitReached Outcome = "limit_reached"
	OutcomeFailed       Outcome = "failed"
	OutcomeBlocked      Outcome = "blocked"
)

// TokenUsage holds the token counters reported by an agent session
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Total returns the sum of all counters
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}
