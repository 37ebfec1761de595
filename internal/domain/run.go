package domain

import "time"

// RunBudget bounds an entire orchestration run. Zero values mean unlimited,
// except MaxParallel which defaults to 1.
type RunBudget struct {
	MaxCycles   int
	MaxCostUSD  float64
	MaxDuration time.Duration
	MaxParallel int
}

// Cycle is one bounded iteration of a run
type Cycle struct {
	Number      int
	Title       string
	Results     []TaskResult
	CostUSD     float64
	Duration    time.Duration
	Completion  float64 // Spec-completion estimate in percent
	TestsPassed bool
	Outcome     Outcome
	Reason      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// MergedCount returns how many tasks of the cycle were merged
func (c *Cycle) MergedCount() int {
	n := 0
	for _, r := range c.Results {
		if r.Merged() {
			n++
		}
	}
	return n
}

// Run represents one autonomous run
type Run struct {
	ID         string
	PlanTitle  string
	Budget     RunBudget
	Cycles     []*Cycle
	CostUSD    float64
	Outcome    Outcome
	Reason     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Elapsed returns the wall-clock time spent by the run
func (r *Run) Elapsed() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
