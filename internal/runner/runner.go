// Package runner is the run controller: it plays a plan cycle by cycle,
// enforces the run budget and decides the run's outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/executor"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/plan"
	"github.com/hochfrequenz/claude-cycle-runner/internal/scheduler"
	"github.com/hochfrequenz/claude-cycle-runner/internal/testrunner"
)

// DefaultAcceptableCompletion is the completion estimate, in percent, a
// cycle must reach to end the run successfully
const DefaultAcceptableCompletion = 80.0

// TaskExecutor runs single tasks. *executor.Executor implements it.
type TaskExecutor interface {
	Execute(ctx context.Context, task *domain.Task, scope executor.Scope) domain.TaskResult
	Discard(ctx context.Context, task *domain.Task, scope executor.Scope, reason string) error
}

// Store records runs and cycles
type Store interface {
	SaveRun(run *domain.Run) error
	SaveCycle(runID string, cycle *domain.Cycle) error
}

// Config tunes the controller
type Config struct {
	AcceptableCompletion float64 // Percent; zero uses DefaultAcceptableCompletion
	RetryBlocked         bool    // Carry blocked tasks into the next planned cycle
	KeepBlockedWorktrees bool    // Leave blocked worktrees for inspection at run end
}

// Deps are the collaborators of a Controller. Tests (the base-line test
// command), Store and Sink may be nil.
type Deps struct {
	Executor TaskExecutor
	Tests    *testrunner.Runner
	RepoDir  string // Base line the post-cycle tests run in
	Store    Store
	Sink     notify.Sink
	Logger   *zap.Logger
}

// Controller runs plans. One Controller drives one run at a time.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	run     *domain.Run
	cancel  context.CancelFunc
	stopped bool
	costUSD float64 // Live cost including tasks of the current cycle
}

// New creates a Controller
func New(deps Deps, cfg Config) *Controller {
	if cfg.AcceptableCompletion <= 0 {
		cfg.AcceptableCompletion = DefaultAcceptableCompletion
	}
	if deps.Sink == nil {
		deps.Sink = notify.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With(zap.String("component", "runner")),
	}
}

// Stop requests the current run to end. In-flight tasks are terminated and
// end blocked; the run ends with outcome blocked.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Snapshot returns a copy of the current (or last) run, nil before the
// first run
func (c *Controller) Snapshot() *domain.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return cloneRun(c.run)
}

// Run plays p under budget until success, budget exhaustion, stop or the
// end of the plan. It always returns a finished run; the error is non-nil
// only when the run could not start.
func (c *Controller) Run(ctx context.Context, p *plan.Plan, budget domain.RunBudget) (*domain.Run, error) {
	if p == nil || len(p.Cycles) == 0 {
		return nil, errors.New("plan has no cycles")
	}
	if budget.MaxParallel <= 0 {
		budget.MaxParallel = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &domain.Run{
		ID:        uuid.NewString(),
		PlanTitle: p.Title,
		Budget:    budget,
		StartedAt: time.Now(),
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil, errors.New("a run is already in progress")
	}
	c.run, c.cancel, c.stopped, c.costUSD = run, cancel, false, 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	var deadline time.Time
	if budget.MaxDuration > 0 {
		deadline = run.StartedAt.Add(budget.MaxDuration)
	}

	c.logger.Info("run started",
		zap.String("run", run.ID),
		zap.String("plan", p.Title),
		zap.Int("planned_cycles", len(p.Cycles)),
		zap.Int("max_cycles", budget.MaxCycles),
		zap.Float64("max_cost_usd", budget.MaxCostUSD),
		zap.Duration("max_duration", budget.MaxDuration))
	c.saveRun()

	weights := p.CriteriaWeights()
	merged := make(map[string]bool)
	var carry []*domain.Task

	for {
		if outcome, reason, done := c.checkBefore(runCtx, ctx, run, budget); done {
			c.finish(run, p, carry, outcome, reason)
			return c.Snapshot(), nil
		}

		n := len(run.Cycles) + 1
		tasks, title := c.nextTasks(p, n, carry)
		if len(tasks) == 0 {
			outcome, reason := planExhausted(merged)
			c.finish(run, p, carry, outcome, reason)
			return c.Snapshot(), nil
		}

		cycle := c.runCycle(runCtx, run, n, title, tasks, deadline, budget.MaxParallel)

		carry = nil
		for _, r := range cycle.Results {
			switch {
			case r.Merged():
				merged[r.Task.ID] = true
			case r.Task.Status == domain.TaskBlocked && c.cfg.RetryBlocked:
				carry = append(carry, r.Task.Clone())
			}
		}
		cycle.Completion = completion(weights, merged)
		c.closeCycle(run, cycle)

		if cycle.MergedCount() > 0 && cycle.TestsPassed && cycle.Completion >= c.cfg.AcceptableCompletion {
			c.finish(run, p, nil, domain.OutcomeSuccess,
				fmt.Sprintf("cycle %d reached %.0f%% completion with passing tests", n, cycle.Completion))
			return c.Snapshot(), nil
		}
	}
}

// admit is checked before every session spawn: cost and time spent by
// tasks that already finished in this cycle count
func (c *Controller) admit(run *domain.Run) error {
	c.mu.Lock()
	cost := c.costUSD
	budget := run.Budget
	c.mu.Unlock()
	budget.MaxCycles = 0
	if reason := exhausted(budget, 0, cost, time.Since(run.StartedAt)); reason != "" {
		return errors.New(reason)
	}
	return nil
}

// checkBefore decides whether the run may start another cycle
func (c *Controller) checkBefore(runCtx, parent context.Context, run *domain.Run, budget domain.RunBudget) (domain.Outcome, string, bool) {
	c.mu.Lock()
	stopped := c.stopped
	cost := c.costUSD
	c.mu.Unlock()

	switch {
	case stopped:
		return domain.OutcomeBlocked, "stopped by request", true
	case parent.Err() != nil:
		return domain.OutcomeBlocked, "shutting down", true
	}
	if reason := exhausted(budget, len(run.Cycles), cost, time.Since(run.StartedAt)); reason != "" {
		return domain.OutcomeLimitReached, reason, true
	}
	return "", "", false
}

// exhausted names the first budget limit reached, or returns ""
func exhausted(b domain.RunBudget, cycles int, cost float64, elapsed time.Duration) string {
	switch {
	case b.MaxCostUSD > 0 && cost >= b.MaxCostUSD:
		return fmt.Sprintf("cost budget exhausted ($%.2f of $%.2f)", cost, b.MaxCostUSD)
	case b.MaxDuration > 0 && elapsed >= b.MaxDuration:
		return fmt.Sprintf("time budget exhausted (%s of %s)", elapsed.Round(time.Second), b.MaxDuration)
	case b.MaxCycles > 0 && cycles >= b.MaxCycles:
		return fmt.Sprintf("cycle budget exhausted (%d of %d)", cycles, b.MaxCycles)
	}
	return ""
}

// nextTasks returns the tasks of cycle n: blocked tasks carried over from
// the previous cycle first, then the plan's tasks for n. Nothing is retried
// past the plan's last cycle.
func (c *Controller) nextTasks(p *plan.Plan, n int, carry []*domain.Task) ([]*domain.Task, string) {
	if n > len(p.Cycles) {
		return nil, ""
	}
	tasks := append([]*domain.Task(nil), carry...)
	return append(tasks, p.Tasks(n)...), p.Cycles[n-1].Title
}

// planExhausted is the outcome when there is nothing left to run
func planExhausted(merged map[string]bool) (domain.Outcome, string) {
	if len(merged) > 0 {
		return domain.OutcomePartial, fmt.Sprintf("plan exhausted with %d task(s) merged", len(merged))
	}
	return domain.OutcomeFailed, "plan exhausted without merging any task"
}

// completion is the share of acceptance criteria, in percent, that belong
// to merged tasks
func completion(weights map[string]int, merged map[string]bool) float64 {
	total, done := 0, 0
	for id, w := range weights {
		total += w
		if merged[id] {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) * 100 / float64(total)
}

// runCycle executes the tasks of one cycle group by group. Tasks sharing a
// parallel group run concurrently; groups run one after another.
func (c *Controller) runCycle(ctx context.Context, run *domain.Run, n int, title string, tasks []*domain.Task, deadline time.Time, parallel int) *domain.Cycle {
	cycle := &domain.Cycle{Number: n, Title: title, StartedAt: time.Now()}
	c.mu.Lock()
	run.Cycles = append(run.Cycles, cycle)
	c.mu.Unlock()

	c.logger.Info("cycle started",
		zap.String("run", run.ID), zap.Int("cycle", n), zap.String("title", title), zap.Int("tasks", len(tasks)))
	c.deps.Sink.Emit(notify.Event{
		Name:  notify.EventCycleStarted,
		RunID: run.ID,
		Data:  map[string]any{"cycle": n, "title": title, "tasks": len(tasks)},
		At:    time.Now(),
	})
	c.saveCycle(run.ID, cycle)

	scope := executor.Scope{
		RunID:      run.ID,
		PlanTitle:  run.PlanTitle,
		Cycle:      n,
		CycleTitle: title,
		Deadline:   deadline,
		Admit:      func() error { return c.admit(run) },
	}
	// Results hold a frozen copy; the live task may be retried next cycle.
	// A retried task carries its earlier cost, only the difference is new.
	execute := func(ctx context.Context, t *domain.Task) domain.TaskResult {
		before := t.CostUSD
		res := c.deps.Executor.Execute(ctx, t, scope)
		res.Task = t.Clone()
		spent := t.CostUSD - before
		c.mu.Lock()
		c.costUSD += spent
		cycle.CostUSD += spent
		cycle.Results = append(cycle.Results, res)
		c.mu.Unlock()
		return res
	}

	position := make(map[*domain.Task]int, len(tasks))
	for i, t := range tasks {
		position[t] = i
	}
	results := make([]domain.TaskResult, len(tasks))
	for _, group := range scheduler.GroupByParallelTag(tasks) {
		if len(group) == 1 {
			results[position[group[0]]] = execute(ctx, group[0])
			continue
		}
		factories := make([]scheduler.Factory[domain.TaskResult], len(group))
		for i, t := range group {
			factories[i] = func(ctx context.Context) (domain.TaskResult, error) {
				res := execute(ctx, t)
				return res, res.Err
			}
		}
		for i, r := range scheduler.RunAll(ctx, factories, parallel) {
			t := group[i]
			if r.Value.Task == nil {
				// Never started (cancelled) or panicked
				t.Block(fmt.Sprintf("not executed: %v", r.Err))
				r.Value = domain.TaskResult{Task: t.Clone(), Err: r.Err}
			}
			results[position[t]] = r.Value
		}
	}

	// Results in submission order, whatever order the tasks finished in
	c.mu.Lock()
	cycle.Results = results
	c.mu.Unlock()

	cycle.TestsPassed = c.baseLineTests(ctx, run.ID, n)
	return cycle
}

// baseLineTests runs the test command once more against the merged base line
func (c *Controller) baseLineTests(ctx context.Context, runID string, n int) bool {
	if c.deps.Tests == nil || ctx.Err() != nil {
		return c.deps.Tests == nil
	}
	res, err := c.deps.Tests.Run(ctx, c.deps.RepoDir)
	if err != nil {
		c.logger.Warn("base line tests unavailable", zap.String("run", runID), zap.Int("cycle", n), zap.Error(err))
		return false
	}
	c.logger.Info("base line tests",
		zap.String("run", runID), zap.Int("cycle", n), zap.Bool("ok", res.OK()), zap.String("summary", res.Describe()))
	return res.OK()
}

func (c *Controller) closeCycle(run *domain.Run, cycle *domain.Cycle) {
	now := time.Now()
	c.mu.Lock()
	cycle.CompletedAt = &now
	cycle.Duration = now.Sub(cycle.StartedAt)
	run.CostUSD += cycle.CostUSD
	cycle.Outcome, cycle.Reason = cycleOutcome(cycle)
	c.mu.Unlock()

	c.logger.Info("cycle completed",
		zap.String("run", run.ID),
		zap.Int("cycle", cycle.Number),
		zap.Int("merged", cycle.MergedCount()),
		zap.Int("tasks", len(cycle.Results)),
		zap.Float64("cost_usd", cycle.CostUSD),
		zap.Float64("completion", cycle.Completion),
		zap.Bool("tests_passed", cycle.TestsPassed))
	c.deps.Sink.Emit(notify.Event{
		Name:  notify.EventCycleCompleted,
		RunID: run.ID,
		Data: map[string]any{
			"cycle":        cycle.Number,
			"merged":       cycle.MergedCount(),
			"tasks":        len(cycle.Results),
			"cost_usd":     cycle.CostUSD,
			"completion":   cycle.Completion,
			"tests_passed": cycle.TestsPassed,
			"outcome":      string(cycle.Outcome),
		},
		At: now,
	})
	c.saveCycle(run.ID, cycle)
	c.saveRun()
}

// cycleOutcome summarises one cycle. A blocked cycle does not end the run.
func cycleOutcome(cycle *domain.Cycle) (domain.Outcome, string) {
	merged, total := cycle.MergedCount(), len(cycle.Results)
	switch {
	case total > 0 && merged == total && cycle.TestsPassed:
		return domain.OutcomeSuccess, fmt.Sprintf("all %d task(s) merged", total)
	case merged > 0:
		return domain.OutcomePartial, fmt.Sprintf("%d of %d task(s) merged", merged, total)
	}
	return domain.OutcomeBlocked, fmt.Sprintf("none of %d task(s) merged", total)
}

// finish records the outcome and cleans up blocked worktrees unless they are
// kept for inspection
func (c *Controller) finish(run *domain.Run, p *plan.Plan, blocked []*domain.Task, outcome domain.Outcome, reason string) {
	if !c.cfg.KeepBlockedWorktrees {
		c.cleanup(run, blocked)
	}

	now := time.Now()
	c.mu.Lock()
	run.Outcome = outcome
	run.Reason = reason
	run.FinishedAt = &now
	c.mu.Unlock()

	c.logger.Info("run completed",
		zap.String("run", run.ID),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int("cycles", len(run.Cycles)),
		zap.Float64("cost_usd", run.CostUSD),
		zap.Duration("elapsed", now.Sub(run.StartedAt)))
	c.deps.Sink.Emit(notify.Event{
		Name:  notify.EventRunCompleted,
		RunID: run.ID,
		Data: map[string]any{
			"outcome":  string(outcome),
			"reason":   reason,
			"cycles":   len(run.Cycles),
			"cost_usd": run.CostUSD,
			"plan":     p.Title,
		},
		At: now,
	})
	c.saveRun()
}

// cleanup discards the worktrees of tasks whose last attempt ended blocked
func (c *Controller) cleanup(run *domain.Run, carried []*domain.Task) {
	last := make(map[string]*domain.Task)
	var order []string
	record := func(t *domain.Task) {
		if _, ok := last[t.ID]; !ok {
			order = append(order, t.ID)
		}
		last[t.ID] = t
	}
	c.mu.Lock()
	for _, cycle := range run.Cycles {
		for _, r := range cycle.Results {
			record(r.Task)
		}
	}
	c.mu.Unlock()
	for _, t := range carried {
		record(t)
	}

	var blocked []*domain.Task
	for _, id := range order {
		if last[id].Status == domain.TaskBlocked {
			blocked = append(blocked, last[id])
		}
	}

	// Shutdown may already have cancelled the run context
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, t := range blocked {
		scope := executor.Scope{RunID: run.ID, PlanTitle: run.PlanTitle, Cycle: t.Cycle}
		// Discard a copy: the recorded results keep the blocked state
		t = t.Clone()
		if err := c.deps.Executor.Discard(ctx, t, scope, "run ended blocked: "+t.Reason); err != nil {
			c.logger.Warn("cleaning up blocked task", zap.String("task", t.ID), zap.Error(err))
		}
	}
}

func (c *Controller) saveRun() {
	if c.deps.Store == nil {
		return
	}
	snap := c.Snapshot()
	if err := c.deps.Store.SaveRun(snap); err != nil {
		c.logger.Warn("persisting run", zap.String("run", snap.ID), zap.Error(err))
	}
}

func (c *Controller) saveCycle(runID string, cycle *domain.Cycle) {
	if c.deps.Store == nil {
		return
	}
	c.mu.Lock()
	snap := cloneCycle(cycle)
	c.mu.Unlock()
	if err := c.deps.Store.SaveCycle(runID, snap); err != nil {
		c.logger.Warn("persisting cycle", zap.String("run", runID), zap.Int("cycle", cycle.Number), zap.Error(err))
	}
}

// Caller holds c.mu
func cloneRun(r *domain.Run) *domain.Run {
	cp := *r
	cp.Cycles = make([]*domain.Cycle, len(r.Cycles))
	for i, c := range r.Cycles {
		cp.Cycles[i] = cloneCycle(c)
	}
	return &cp
}

func cloneCycle(c *domain.Cycle) *domain.Cycle {
	cp := *c
	cp.Results = make([]domain.TaskResult, len(c.Results))
	for i, r := range c.Results {
		cp.Results[i] = r
		if r.Task != nil {
			cp.Results[i].Task = r.Task.Clone()
		}
	}
	return &cp
}
