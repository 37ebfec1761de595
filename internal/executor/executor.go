// Package executor runs one task end to end: isolate it in a worktree, let an
// agent session work on it, test and review the result, then merge or block.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-runner/internal/review"
	"github.com/hochfrequenz/claude-cycle-runner/internal/testrunner"
	"github.com/hochfrequenz/claude-cycle-runner/internal/worktree"
)

const (
	DefaultMinWorkDuration = 10 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxListedFiles  = 200
)

// Reviewer judges a task's diff. *review.Gate implements it.
type Reviewer interface {
	Review(ctx context.Context, req review.Request) (domain.ReviewDecision, error)
}

// Store records task state transitions
type Store interface {
	SaveTask(runID string, task *domain.Task) error
}

// Config tunes task execution
type Config struct {
	Model          string
	PermissionMode string
	MaxTurns       int
	AdditionalDirs []string

	MinWorkDuration time.Duration // Sessions shorter than this did no real work
	PollInterval    time.Duration
	MaxListedFiles  int // Cap on the workspace listing in the prompt
}

// Deps are the collaborators of an Executor. Tests, Reviewer, Store and Sink
// may be nil: no test command, no review, no persistence, no events.
type Deps struct {
	Worktrees *worktree.Manager
	Spawner   *agent.Spawner
	Tests     *testrunner.Runner
	Reviewer  Reviewer
	Prompts   *prompts.Loader
	Store     Store
	Sink      notify.Sink
	Logger    *zap.Logger
}

// Executor drives tasks through the state machine
// pending → isolating → running → testing → reviewing → merged | blocked
type Executor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// Scope is the run and cycle context a task executes in
type Scope struct {
	RunID      string
	PlanTitle  string
	Cycle      int
	CycleTitle string
	Deadline   time.Time // Derived from the remaining run budget; zero means none

	// Admit is asked before the agent is spawned; an error blocks the task
	// without starting a session
	Admit func() error
}

// New creates an Executor
func New(deps Deps, cfg Config) *Executor {
	if cfg.MinWorkDuration <= 0 {
		cfg.MinWorkDuration = DefaultMinWorkDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxListedFiles <= 0 {
		cfg.MaxListedFiles = DefaultMaxListedFiles
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLoader()
	}
	if deps.Sink == nil {
		deps.Sink = notify.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Executor{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With(zap.String("component", "executor")),
	}
}

// Execute runs task to a terminal state. It never returns with the task
// running: stop, shutdown and timeout all end in blocked. The task is
// mutated in place and returned in the result.
func (e *Executor) Execute(ctx context.Context, task *domain.Task, scope Scope) domain.TaskResult {
	start := time.Now()
	task.StartedAt = &start
	task.FinishedAt = nil
	task.Cycle = scope.Cycle
	previousReason := task.Reason
	task.Reason = ""

	err := e.execute(ctx, task, scope, previousReason)
	if err != nil && !task.Status.IsTerminal() {
		task.Block(err.Error())
	}

	finished := time.Now()
	task.FinishedAt = &finished
	e.transition(scope, task, task.Status)

	log := e.logger.With(
		zap.String("task", task.ID),
		zap.String("status", string(task.Status)),
		zap.Float64("cost_usd", task.CostUSD),
		zap.Duration("elapsed", finished.Sub(start)))
	if err != nil {
		log.Warn("task blocked", zap.Error(err))
	} else {
		log.Info("task finished")
	}
	return domain.TaskResult{Task: task, Err: err, Duration: finished.Sub(start)}
}

func (e *Executor) execute(ctx context.Context, task *domain.Task, scope Scope, previousReason string) error {
	taskCtx := ctx
	if !scope.Deadline.IsZero() {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, scope.Deadline)
		defer cancel()
	}
	if err := interrupted(ctx, taskCtx); err != nil {
		return err
	}

	// 1. Isolation. A task blocked in an earlier cycle keeps its worktree, so
	// a retry continues on top of that work.
	e.transition(scope, task, domain.TaskIsolating)
	h, ok := e.deps.Worktrees.Active(task.ID)
	if !ok {
		var err error
		if h, err = e.deps.Worktrees.Create(taskCtx, task.ID); err != nil {
			if ierr := interrupted(ctx, taskCtx); ierr != nil {
				return ierr
			}
			return domain.NewTaskError(domain.ErrIsolationCreateFailed, "%v", unwrapReason(err))
		}
	}
	task.WorktreePath = h.Path
	task.Branch = h.Branch

	// 2. Prompt
	prompt, err := e.buildPrompt(taskCtx, task, scope, h, previousReason)
	if err != nil {
		return fmt.Errorf("building prompt: %w", err)
	}

	// 3. Agent session
	if scope.Admit != nil {
		if err := scope.Admit(); err != nil {
			return domain.NewTaskError(domain.ErrSpawnFailed, "%v", err)
		}
	}
	e.transition(scope, task, domain.TaskRunning)
	sess, err := e.deps.Spawner.Spawn(taskCtx, prompt, h.Path, agent.SpawnOptions{
		Model:          e.cfg.Model,
		PermissionMode: e.cfg.PermissionMode,
		MaxTurns:       e.cfg.MaxTurns,
		AdditionalDirs: e.cfg.AdditionalDirs,
		TaskID:         task.ID,
	})
	if err != nil {
		if ierr := interrupted(ctx, taskCtx); ierr != nil {
			return ierr
		}
		return domain.NewTaskError(domain.ErrSpawnFailed, "%v", unwrapReason(err))
	}

	waitErr := sess.Wait(taskCtx, e.cfg.PollInterval)
	if waitErr != nil {
		sess.Stop()
		<-sess.Done()
	}
	task.SessionID = sess.SessionID()
	task.CostUSD += sess.CostUSD()
	if waitErr != nil {
		return interrupted(ctx, taskCtx)
	}

	// 4. A session this short did no real work, whatever its exit code
	if elapsed := sess.Elapsed(); elapsed < e.cfg.MinWorkDuration {
		return domain.NewTaskError(domain.ErrTrivialRun, "agent exited after %s", elapsed.Round(time.Millisecond))
	}
	if !sess.Succeeded() {
		reason := fmt.Sprintf("exit code %d", sess.ExitCode())
		if serr := sess.Err(); serr != nil {
			reason = serr.Error()
		} else if sess.Result() == nil {
			reason += ", no result event"
			if tail := sess.StderrTail(); len(tail) > 0 {
				reason += ": " + tail[len(tail)-1]
			}
		}
		return domain.NewTaskError(domain.ErrAgentFailed, "%s", reason)
	}
	task.Status = domain.TaskAwaitingReview

	if _, err := e.deps.Worktrees.CommitAll(taskCtx, h, commitMessage(task, scope)); err != nil {
		if ierr := interrupted(ctx, taskCtx); ierr != nil {
			return ierr
		}
		return fmt.Errorf("committing agent changes: %w", err)
	}

	// 5. Tests
	e.transition(scope, task, domain.TaskTesting)
	testsOK, summary, err := e.runTests(taskCtx, h.Path, task)
	if ierr := interrupted(ctx, taskCtx); ierr != nil {
		return ierr
	}
	if err != nil {
		e.logger.Warn("test command unavailable, counting as 0/0",
			zap.String("task", task.ID), zap.Error(err))
	}

	// 6. Review
	e.transition(scope, task, domain.TaskReviewing)
	decision := e.review(taskCtx, task, h, testsOK, summary)
	if ierr := interrupted(ctx, taskCtx); ierr != nil {
		return ierr
	}
	task.CostUSD += decision.CostUSD
	task.Review = &decision
	e.deps.Sink.Emit(notify.Event{
		Name:   notify.EventReviewCompleted,
		RunID:  scope.RunID,
		TaskID: task.ID,
		Data: map[string]any{
			"decision":      string(decision.Decision),
			"justification": decision.Justification,
			"confidence":    decision.Confidence,
			"heuristic":     decision.Heuristic,
			"cost_usd":      decision.CostUSD,
		},
		At: time.Now(),
	})

	// 7. Routing
	if decision.Decision != domain.DecisionApprove {
		task.Block(fmt.Sprintf("review: %s: %s", decision.Decision, decision.Justification))
		return nil
	}

	res, err := e.deps.Worktrees.Merge(taskCtx, h)
	if err != nil {
		if errors.Is(err, domain.ErrMergeConflict) {
			return domain.NewTaskError(domain.ErrMergeConflict, "%s into %s", h.Branch, h.BaseBranch)
		}
		if ierr := interrupted(ctx, taskCtx); ierr != nil {
			return ierr
		}
		return fmt.Errorf("merging %s: %w", h.Branch, err)
	}

	// 8. Merged work no longer needs its worktree; blocked work keeps it
	task.Status = domain.TaskMerged
	if err := e.deps.Worktrees.Remove(context.Background(), h); err != nil {
		e.logger.Warn("removing merged worktree", zap.String("task", task.ID), zap.Error(err))
	}
	task.WorktreePath = ""
	e.deps.Sink.Emit(notify.Event{
		Name:   notify.EventTaskMerged,
		RunID:  scope.RunID,
		TaskID: task.ID,
		Data:   map[string]any{"branch": h.Branch, "commit": res.Commit, "no_op": res.NoOp},
		At:     time.Now(),
	})
	return nil
}

// Discard abandons a task: its worktree and branch are removed and the task
// ends discarded
func (e *Executor) Discard(ctx context.Context, task *domain.Task, scope Scope, reason string) error {
	if h, ok := e.deps.Worktrees.Active(task.ID); ok {
		if err := e.deps.Worktrees.Remove(ctx, h); err != nil {
			return fmt.Errorf("removing worktree of %s: %w", task.ID, err)
		}
	}
	task.WorktreePath = ""
	task.Status = domain.TaskDiscarded
	task.Reason = reason
	e.transition(scope, task, domain.TaskDiscarded)
	return nil
}

func (e *Executor) buildPrompt(ctx context.Context, task *domain.Task, scope Scope, h *worktree.Handle, previousReason string) (string, error) {
	files, err := e.deps.Worktrees.Files(ctx, h)
	if err != nil {
		e.logger.Warn("listing workspace files", zap.String("task", task.ID), zap.Error(err))
	}
	omitted := 0
	if len(files) > e.cfg.MaxListedFiles {
		omitted = len(files) - e.cfg.MaxListedFiles
		files = files[:e.cfg.MaxListedFiles]
	}
	return e.deps.Prompts.BuildTaskPrompt(prompts.TaskData{
		PlanTitle:          scope.PlanTitle,
		Cycle:              scope.Cycle,
		CycleTitle:         scope.CycleTitle,
		TaskID:             task.ID,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		Branch:             h.Branch,
		Files:              files,
		FilesOmitted:       omitted,
		PreviousReason:     previousReason,
	})
}

// runTests reports whether the tests passed and a one-line summary. A test
// command that cannot start counts as 0/0 and not passed.
func (e *Executor) runTests(ctx context.Context, dir string, task *domain.Task) (bool, string, error) {
	if e.deps.Tests == nil {
		return true, "no test command configured", nil
	}
	res, err := e.deps.Tests.Run(ctx, dir)
	if err != nil {
		task.TestsPassed, task.TestsFailed = 0, 0
		return false, "test command unavailable", err
	}
	task.TestsPassed = res.Summary.Passed
	task.TestsFailed = res.Summary.Failed
	return res.OK(), res.Describe(), nil
}

// review asks the reviewer and falls back to the test result when no review
// is configured or the review cannot be obtained for any reason
func (e *Executor) review(ctx context.Context, task *domain.Task, h *worktree.Handle, testsOK bool, summary string) domain.ReviewDecision {
	if e.deps.Reviewer == nil {
		d := review.Heuristic(testsOK)
		d.Justification = "review disabled; " + summary
		return d
	}

	diff, err := e.deps.Worktrees.Diff(ctx, h)
	if err != nil {
		return e.reviewFallback(task, testsOK, summary, 0, fmt.Errorf("collecting diff: %w", err))
	}
	decision, err := e.deps.Reviewer.Review(ctx, review.Request{
		TaskID:             task.ID,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		Workspace:          h.Path,
		Diff:               diff,
		TestsPassed:        testsOK,
		TestSummary:        summary,
	})
	if err != nil {
		return e.reviewFallback(task, testsOK, summary, decision.CostUSD, err)
	}
	return decision
}

func (e *Executor) reviewFallback(task *domain.Task, testsOK bool, summary string, cost float64, err error) domain.ReviewDecision {
	e.logger.Warn("review unavailable, deciding on tests",
		zap.String("task", task.ID), zap.Bool("tests_ok", testsOK), zap.Error(err))
	d := review.Heuristic(testsOK)
	d.CostUSD = cost
	d.Justification = fmt.Sprintf("%v; %s", err, summary)
	return d
}

// transition records a status change with the store and the event sink.
// Both are best effort.
func (e *Executor) transition(scope Scope, task *domain.Task, status domain.TaskStatus) {
	task.Status = status
	if e.deps.Store != nil {
		if err := e.deps.Store.SaveTask(scope.RunID, task); err != nil {
			e.logger.Warn("persisting task", zap.String("task", task.ID), zap.Error(err))
		}
	}
	e.deps.Sink.Emit(notify.Event{
		Name:   notify.EventTaskStatus,
		RunID:  scope.RunID,
		TaskID: task.ID,
		Data:   map[string]any{"status": string(status), "reason": task.Reason, "cycle": scope.Cycle},
		At:     time.Now(),
	})
}

// interrupted classifies why a wait ended early: the run was stopped or shut
// down (parent context) or the task ran out of budget (task deadline)
func interrupted(parent, taskCtx context.Context) error {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.NewTaskError(domain.ErrTimeout, "timeout: run deadline reached")
		}
		return domain.NewTaskError(domain.ErrStopped, "stopped")
	}
	if err := taskCtx.Err(); err != nil {
		return domain.NewTaskError(domain.ErrTimeout, "timeout")
	}
	return nil
}

// unwrapReason drops the sentinel prefix so it is not repeated by TaskError
func unwrapReason(err error) string {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te.Reason
	}
	msg := err.Error()
	for _, kind := range []error{domain.ErrIsolationCreateFailed, domain.ErrSpawnFailed} {
		if rest, ok := strings.CutPrefix(msg, kind.Error()+": "); ok {
			return rest
		}
	}
	return msg
}

func commitMessage(task *domain.Task, scope Scope) string {
	return fmt.Sprintf("cycle %d: %s (%s)", scope.Cycle, task.Title, task.ID)
}
