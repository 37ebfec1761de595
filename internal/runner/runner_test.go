package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/executor"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/plan"
	"github.com/hochfrequenz/claude-cycle-runner/internal/testrunner"
)

type attempt struct {
	status domain.TaskStatus
	cost   float64
}

// fakeExecutor plays scripted attempts per task id; the last one repeats
type fakeExecutor struct {
	mu        sync.Mutex
	script    map[string][]attempt
	attempts  map[string]int
	order     []string
	scopes    []executor.Scope
	discarded []string
	reasons   map[string]string // Reason the task carried into each attempt

	delay       time.Duration
	waitForStop bool
	inFlight    int
	maxInFlight int
}

func newFakeExecutor(script map[string][]attempt) *fakeExecutor {
	return &fakeExecutor{script: script, attempts: make(map[string]int), reasons: make(map[string]string)}
}

func (f *fakeExecutor) Execute(ctx context.Context, t *domain.Task, scope executor.Scope) domain.TaskResult {
	f.mu.Lock()
	f.order = append(f.order, t.ID)
	f.scopes = append(f.scopes, scope)
	f.reasons[t.ID] = t.Reason
	n := f.attempts[t.ID]
	f.attempts[t.ID]++
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	t.Cycle = scope.Cycle
	if scope.Admit != nil {
		if err := scope.Admit(); err != nil {
			t.Block(err.Error())
			return domain.TaskResult{Task: t, Err: err}
		}
	}
	if f.waitForStop {
		<-ctx.Done()
		t.Block("stopped")
		return domain.TaskResult{Task: t, Err: domain.ErrStopped}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	steps := f.script[t.ID]
	a := attempt{status: domain.TaskBlocked}
	if len(steps) > 0 {
		a = steps[min(n, len(steps)-1)]
	}
	t.CostUSD += a.cost
	t.Status = a.status
	t.Reason = ""
	if a.status == domain.TaskBlocked {
		t.Reason = fmt.Sprintf("attempt %d rejected", n+1)
	}
	return domain.TaskResult{Task: t}
}

func (f *fakeExecutor) Discard(ctx context.Context, t *domain.Task, scope executor.Scope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, t.ID)
	t.Status = domain.TaskDiscarded
	return nil
}

type memStore struct {
	mu     sync.Mutex
	runs   []*domain.Run
	cycles []*domain.Cycle
}

func (m *memStore) SaveRun(run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memStore) SaveCycle(runID string, cycle *domain.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, cycle)
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	names []notify.EventName
}

func (r *recordingSink) Emit(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, ev.Name)
}

// makePlan builds a plan; each cycle is a list of "id" or "id@group"
func makePlan(cycles ...[]string) *plan.Plan {
	p := &plan.Plan{Title: "test plan"}
	for i, ids := range cycles {
		c := plan.CyclePlan{Title: fmt.Sprintf("cycle %d", i+1)}
		for _, spec := range ids {
			id, group, _ := strings.Cut(spec, "@")
			c.Tasks = append(c.Tasks, plan.TaskPlan{ID: id, Title: "Task " + id, ParallelGroup: group})
		}
		p.Cycles = append(p.Cycles, c)
	}
	return p
}

func TestRun_CostBudgetEndsAfterSecondCycle(t *testing.T) {
	exec := newFakeExecutor(map[string][]attempt{
		"a": {{domain.TaskBlocked, 0.60}},
		"b": {{domain.TaskBlocked, 0.60}},
		"c": {{domain.TaskBlocked, 0.60}},
	})
	c := New(Deps{Executor: exec}, Config{})

	run, err := c.Run(context.Background(), makePlan([]string{"a"}, []string{"b"}, []string{"c"}),
		domain.RunBudget{MaxCycles: 2, MaxCostUSD: 1.00})
	if err != nil {
		t.Fatal(err)
	}

	if len(run.Cycles) != 2 {
		t.Fatalf("ran %d cycles, want 2", len(run.Cycles))
	}
	if run.Outcome != domain.OutcomeLimitReached || !strings.Contains(run.Reason, "cost") {
		t.Errorf("outcome %s, reason %q", run.Outcome, run.Reason)
	}
	if run.CostUSD < 1.19 || run.CostUSD > 1.21 {
		t.Errorf("cost = %v, want 1.20", run.CostUSD)
	}
}

func TestRun_CycleBudget(t *testing.T) {
	exec := newFakeExecutor(nil)
	c := New(Deps{Executor: exec}, Config{})

	run, _ := c.Run(context.Background(), makePlan([]string{"a"}, []string{"b"}, []string{"c"}), domain.RunBudget{MaxCycles: 1})

	if len(run.Cycles) != 1 || run.Outcome != domain.OutcomeLimitReached || !strings.Contains(run.Reason, "cycle budget") {
		t.Errorf("%d cycles, outcome %s, reason %q", len(run.Cycles), run.Outcome, run.Reason)
	}
}

func TestRun_TimeBudget(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.delay = 30 * time.Millisecond
	c := New(Deps{Executor: exec}, Config{})

	run, _ := c.Run(context.Background(), makePlan([]string{"a"}, []string{"b"}, []string{"c"}),
		domain.RunBudget{MaxDuration: 10 * time.Millisecond})

	if run.Outcome != domain.OutcomeLimitReached || !strings.Contains(run.Reason, "time budget") {
		t.Errorf("outcome %s, reason %q", run.Outcome, run.Reason)
	}
	if exec.scopes[0].Deadline.IsZero() {
		t.Error("tasks should get a deadline from the time budget")
	}
}

func TestRun_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		plan       *plan.Plan
		script     map[string][]attempt
		tests      string
		wantOut    domain.Outcome
		wantCycles int
	}{
		{
			name:       "success stops early",
			plan:       makePlan([]string{"a", "b", "c", "d"}, []string{"e"}),
			script:     map[string][]attempt{"a": {{domain.TaskMerged, 0}}, "b": {{domain.TaskMerged, 0}}, "c": {{domain.TaskMerged, 0}}, "d": {{domain.TaskMerged, 0}}},
			wantOut:    domain.OutcomeSuccess,
			wantCycles: 1,
		},
		{
			name:       "success once completion is acceptable",
			plan:       makePlan([]string{"a"}, []string{"b"}),
			script:     map[string][]attempt{"a": {{domain.TaskMerged, 0}}, "b": {{domain.TaskMerged, 0}}},
			wantOut:    domain.OutcomeSuccess,
			wantCycles: 2,
		},
		{
			name:       "partial when plan ends below threshold",
			plan:       makePlan([]string{"a"}, []string{"b"}),
			script:     map[string][]attempt{"a": {{domain.TaskMerged, 0}}},
			wantOut:    domain.OutcomePartial,
			wantCycles: 2,
		},
		{
			name:       "failed when nothing merged",
			plan:       makePlan([]string{"a"}, []string{"b"}),
			wantOut:    domain.OutcomeFailed,
			wantCycles: 2,
		},
		{
			name:       "failing base line tests prevent success",
			plan:       makePlan([]string{"a"}),
			script:     map[string][]attempt{"a": {{domain.TaskMerged, 0}}},
			tests:      "echo '1 passed, 1 failed'; exit 1",
			wantOut:    domain.OutcomePartial,
			wantCycles: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Deps{Executor: newFakeExecutor(tt.script), RepoDir: t.TempDir()}
			if tt.tests != "" {
				deps.Tests = &testrunner.Runner{Command: tt.tests, Timeout: 10 * time.Second}
			}
			c := New(deps, Config{})

			run, err := c.Run(context.Background(), tt.plan, domain.RunBudget{MaxCycles: 5})
			if err != nil {
				t.Fatal(err)
			}
			if run.Outcome != tt.wantOut || len(run.Cycles) != tt.wantCycles {
				t.Errorf("outcome %s after %d cycles (%s), want %s after %d",
					run.Outcome, len(run.Cycles), run.Reason, tt.wantOut, tt.wantCycles)
			}
			if run.Reason == "" || run.FinishedAt == nil {
				t.Error("finished run needs a reason and finish time")
			}
		})
	}
}

func TestRun_CompletionWeightsCriteria(t *testing.T) {
	p := makePlan([]string{"big", "small"})
	p.Cycles[0].Tasks[0].AcceptanceCriteria = []string{"one", "two", "three"}
	exec := newFakeExecutor(map[string][]attempt{"big": {{domain.TaskMerged, 0}}})
	c := New(Deps{Executor: exec}, Config{AcceptableCompletion: 70})

	run, _ := c.Run(context.Background(), p, domain.RunBudget{})

	if got := run.Cycles[0].Completion; got != 75 {
		t.Errorf("completion = %v, want 75", got)
	}
	if run.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %s, want success at 75%% >= 70%%", run.Outcome)
	}
}

func TestRun_RetriesBlockedTasks(t *testing.T) {
	exec := newFakeExecutor(map[string][]attempt{
		"a": {{domain.TaskBlocked, 0.1}, {domain.TaskMerged, 0.1}},
		"b": {{domain.TaskMerged, 0.2}},
	})
	c := New(Deps{Executor: exec}, Config{RetryBlocked: true})

	run, _ := c.Run(context.Background(), makePlan([]string{"a"}, []string{"b"}), domain.RunBudget{})

	if got := strings.Join(exec.order, ","); got != "a,a,b" {
		t.Errorf("execution order = %s, want retried task first", got)
	}
	if exec.reasons["a"] != "attempt 1 rejected" {
		t.Errorf("retry should carry the blocked reason, got %q", exec.reasons["a"])
	}
	if run.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %s (%s)", run.Outcome, run.Reason)
	}
	if run.Cycles[0].Results[0].Task.Status != domain.TaskBlocked {
		t.Error("cycle 1 must keep its blocked result after the retry")
	}
	if run.CostUSD < 0.39 || run.CostUSD > 0.41 {
		t.Errorf("cost = %v, want 0.40 without double counting", run.CostUSD)
	}
}

func TestRun_NoRetryWithoutFlag(t *testing.T) {
	exec := newFakeExecutor(nil)
	c := New(Deps{Executor: exec}, Config{})

	c.Run(context.Background(), makePlan([]string{"a"}, []string{"b"}), domain.RunBudget{})

	if got := strings.Join(exec.order, ","); got != "a,b" {
		t.Errorf("execution order = %s", got)
	}
}

func TestRun_CleansUpBlockedWorktrees(t *testing.T) {
	script := map[string][]attempt{"a": {{domain.TaskBlocked, 0}, {domain.TaskMerged, 0}}, "b": {{domain.TaskMerged, 0}}}

	exec := newFakeExecutor(script)
	New(Deps{Executor: exec}, Config{RetryBlocked: true}).Run(context.Background(),
		makePlan([]string{"a", "c"}, []string{"b"}), domain.RunBudget{})
	if got := strings.Join(exec.discarded, ","); got != "c" {
		t.Errorf("discarded = %s, want only the task still blocked", got)
	}

	exec = newFakeExecutor(script)
	New(Deps{Executor: exec}, Config{RetryBlocked: true, KeepBlockedWorktrees: true}).Run(context.Background(),
		makePlan([]string{"a", "c"}, []string{"b"}), domain.RunBudget{})
	if len(exec.discarded) != 0 {
		t.Errorf("kept worktrees were discarded: %v", exec.discarded)
	}
}

func TestRun_ParallelGroups(t *testing.T) {
	exec := newFakeExecutor(map[string][]attempt{})
	exec.delay = 40 * time.Millisecond
	c := New(Deps{Executor: exec}, Config{})

	run, _ := c.Run(context.Background(), makePlan([]string{"a@g", "b", "c@g", "d@g"}), domain.RunBudget{MaxParallel: 2})

	if exec.maxInFlight != 2 {
		t.Errorf("max in flight = %d, want 2", exec.maxInFlight)
	}
	var ids []string
	for _, r := range run.Cycles[0].Results {
		ids = append(ids, r.Task.ID)
	}
	if got := strings.Join(ids, ","); got != "a,b,c,d" {
		t.Errorf("results = %s, want submission order", got)
	}
}

func TestRun_AdmitBlocksSpawnPastBudget(t *testing.T) {
	exec := newFakeExecutor(map[string][]attempt{"a": {{domain.TaskBlocked, 1.5}}})
	c := New(Deps{Executor: exec}, Config{})

	run, _ := c.Run(context.Background(), makePlan([]string{"a", "b"}), domain.RunBudget{MaxCostUSD: 1})

	b := run.Cycles[0].Results[1].Task
	if b.Status != domain.TaskBlocked || !strings.Contains(b.Reason, "cost budget") {
		t.Errorf("task b: %s %q", b.Status, b.Reason)
	}
	if run.Outcome != domain.OutcomeLimitReached {
		t.Errorf("outcome = %s", run.Outcome)
	}
}

func TestRun_Stop(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.waitForStop = true
	c := New(Deps{Executor: exec}, Config{})
	time.AfterFunc(50*time.Millisecond, c.Stop)

	done := make(chan *domain.Run)
	go func() {
		run, _ := c.Run(context.Background(), makePlan([]string{"a@g", "b@g"}, []string{"c"}), domain.RunBudget{MaxParallel: 2})
		done <- run
	}()

	select {
	case run := <-done:
		if run.Outcome != domain.OutcomeBlocked || !strings.Contains(run.Reason, "stopped") {
			t.Errorf("outcome %s, reason %q", run.Outcome, run.Reason)
		}
		if len(run.Cycles) != 1 {
			t.Errorf("ran %d cycles after stop", len(run.Cycles))
		}
		for _, r := range run.Cycles[0].Results {
			if r.Task.Status != domain.TaskBlocked {
				t.Errorf("task %s left %s", r.Task.ID, r.Task.Status)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_Shutdown(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.waitForStop = true
	c := New(Deps{Executor: exec}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run, _ := c.Run(ctx, makePlan([]string{"a"}), domain.RunBudget{})

	if run.Outcome != domain.OutcomeBlocked || !strings.Contains(run.Reason, "shutting down") {
		t.Errorf("outcome %s, reason %q", run.Outcome, run.Reason)
	}
}

func TestRun_RecordsAndEmits(t *testing.T) {
	store := &memStore{}
	sink := &recordingSink{}
	exec := newFakeExecutor(map[string][]attempt{"a": {{domain.TaskMerged, 0.3}}})
	c := New(Deps{Executor: exec, Store: store, Sink: sink}, Config{})

	run, _ := c.Run(context.Background(), makePlan([]string{"a"}), domain.RunBudget{})

	if run.ID == "" || c.Snapshot().ID != run.ID {
		t.Error("run id should be assigned and visible in snapshots")
	}
	want := []notify.EventName{notify.EventCycleStarted, notify.EventCycleCompleted, notify.EventRunCompleted}
	if fmt.Sprint(sink.names) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", sink.names, want)
	}
	last := store.runs[len(store.runs)-1]
	if last.Outcome != domain.OutcomeSuccess || last.CostUSD != 0.3 {
		t.Errorf("last saved run = %+v", last)
	}
	if n := len(store.cycles); n != 2 || store.cycles[1].CompletedAt == nil {
		t.Errorf("cycle saves = %d", n)
	}
	if c := run.Cycles[0]; c.Outcome != domain.OutcomeSuccess || c.CostUSD != 0.3 {
		t.Errorf("cycle = %+v", c)
	}
}

func TestRun_RejectsEmptyPlan(t *testing.T) {
	c := New(Deps{Executor: newFakeExecutor(nil)}, Config{})
	if _, err := c.Run(context.Background(), &plan.Plan{}, domain.RunBudget{}); err == nil {
		t.Error("expected error for a plan without cycles")
	}
}

func TestExhausted(t *testing.T) {
	b := domain.RunBudget{MaxCycles: 2, MaxCostUSD: 1, MaxDuration: time.Hour}
	tests := []struct {
		cycles  int
		cost    float64
		elapsed time.Duration
		want    string
	}{
		{1, 0.6, time.Minute, ""},
		{2, 0.6, time.Minute, "cycle budget"},
		{2, 1.2, time.Minute, "cost budget"},
		{0, 0, 2 * time.Hour, "time budget"},
	}
	for _, tt := range tests {
		got := exhausted(b, tt.cycles, tt.cost, tt.elapsed)
		if (tt.want == "") != (got == "") || !strings.Contains(got, tt.want) {
			t.Errorf("exhausted(%d, %v, %v) = %q, want %q", tt.cycles, tt.cost, tt.elapsed, got, tt.want)
		}
	}
}
