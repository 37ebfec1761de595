// Package observer aggregates run metrics from the event stream and watches
// agent workspaces for file changes made outside the tool stream.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

// Observer collects metrics. It is a notify.Sink.
type Observer struct {
	stuckThreshold time.Duration

	metrics     Metrics
	durations   time.Duration
	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	TaskID      string
	Merged      bool
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	SessionsStarted int           `json:"sessions_started"`
	SessionsExited  int           `json:"sessions_exited"`
	SessionsFailed  int           `json:"sessions_failed"`
	TotalTokens     int           `json:"total_tokens"`
	CostUSD         float64       `json:"cost_usd"`
	AvgSession      time.Duration `json:"avg_session_ns"`
	Compactions     int           `json:"compactions"`
	Hangs           int           `json:"hangs"`
	Loops           int           `json:"loops"`
	Conflicts       int           `json:"conflicts"`
	ToolErrors      int           `json:"tool_errors"`
	TasksMerged     int           `json:"tasks_merged"`
	TasksBlocked    int           `json:"tasks_blocked"`
	Reviews         int           `json:"reviews"`
	CyclesCompleted int           `json:"cycles_completed"`
	RunsCompleted   int           `json:"runs_completed"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if a running session has been silent for longer than
// the threshold
func (o *Observer) IsStuck(info agent.Info) bool {
	if !info.Running || info.Paused {
		return false
	}
	last := info.LastOutput
	if last.IsZero() {
		last = info.StartedAt
	}
	return time.Since(last) > o.stuckThreshold
}

// Emit folds one event into the metrics
func (o *Observer) Emit(ev notify.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := &o.metrics
	switch ev.Name {
	case notify.EventSessionStarted:
		m.SessionsStarted++
	case notify.EventSessionExited:
		m.SessionsExited++
		if code := intField(ev.Data, "exit_code"); code != 0 || stringField(ev.Data, "error") != "" {
			m.SessionsFailed++
		}
		m.TotalTokens += intField(ev.Data, "total_tokens")
		m.CostUSD += floatField(ev.Data, "cost_usd")
		o.durations += time.Duration(intField(ev.Data, "duration_ms")) * time.Millisecond
		m.AvgSession = o.durations / time.Duration(m.SessionsExited)
	case notify.EventCompaction:
		m.Compactions++
	case notify.EventHang:
		m.Hangs++
	case notify.EventLoop:
		m.Loops++
	case notify.EventConflict:
		m.Conflicts++
	case notify.EventToolError:
		m.ToolErrors++
	case notify.EventReviewCompleted:
		m.Reviews++
	case notify.EventTaskMerged:
		m.TasksMerged++
		o.completions = append(o.completions, completion{TaskID: ev.TaskID, Merged: true, CompletedAt: eventTime(ev)})
	case notify.EventTaskStatus:
		if stringField(ev.Data, "status") == "blocked" {
			m.TasksBlocked++
			o.completions = append(o.completions, completion{TaskID: ev.TaskID, CompletedAt: eventTime(ev)})
		}
	case notify.EventCycleCompleted:
		m.CyclesCompleted++
	case notify.EventRunCompleted:
		m.RunsCompleted++
	}
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}

// GetRecentCompletions returns ids of tasks that merged or blocked within the
// last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}

	return result
}

func eventTime(ev notify.Event) time.Time {
	if ev.At.IsZero() {
		return time.Now()
	}
	return ev.At
}

// Event data arrives either as Go values or, after a JSON round trip, as
// float64
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
