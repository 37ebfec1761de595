// Package review asks a read-only agent to judge a task's diff and turns its
// answer into an approve, needs_changes or reject decision.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/prompts"
)

const (
	DefaultTimeout = 10 * time.Minute
	DefaultMaxDiff = 60_000 // bytes of diff passed to the reviewer

	heuristicConfidence = 0.3
)

// Reviewer runs one review conversation and returns its final text
type Reviewer interface {
	Review(ctx context.Context, prompt, workspace string, tools []string) (text string, costUSD float64, err error)
}

// Request carries what the reviewer gets to see
type Request struct {
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Workspace          string
	Diff               string
	TestsPassed        bool
	TestSummary        string
}

// Gate produces exactly one decision per task
type Gate struct {
	reviewer Reviewer
	loader   *prompts.Loader
	timeout  time.Duration
	maxDiff  int
	logger   *zap.Logger
}

// NewGate creates a Gate. A zero timeout uses DefaultTimeout.
func NewGate(reviewer Reviewer, loader *prompts.Loader, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if loader == nil {
		loader = prompts.NewLoader()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		reviewer: reviewer,
		loader:   loader,
		timeout:  timeout,
		maxDiff:  DefaultMaxDiff,
		logger:   logger,
	}
}

// SetMaxDiff caps the diff size passed to the reviewer
func (g *Gate) SetMaxDiff(n int) {
	if n > 0 {
		g.maxDiff = n
	}
}

// Review runs the reviewer. Output that cannot be parsed falls back to
// Heuristic; a reviewer that fails or times out yields ErrReviewUnavailable
// so the caller can decide on the test result alone.
func (g *Gate) Review(ctx context.Context, req Request) (domain.ReviewDecision, error) {
	diff, truncated := req.Diff, false
	if len(diff) > g.maxDiff {
		diff, truncated = cut(diff, g.maxDiff), true
	}

	prompt, tools, err := g.loader.BuildReviewPrompt(prompts.ReviewData{
		TaskID:             req.TaskID,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Diff:               diff,
		DiffTruncated:      truncated,
		TestsPassed:        req.TestsPassed,
		TestSummary:        req.TestSummary,
	})
	if err != nil {
		return domain.ReviewDecision{}, fmt.Errorf("%w: building prompt: %v", domain.ErrReviewUnavailable, err)
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, cost, err := g.reviewer.Review(rctx, prompt, req.Workspace, tools)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s", g.timeout)
		}
		g.logger.Warn("review unavailable", zap.String("task", req.TaskID), zap.Error(err))
		return domain.ReviewDecision{CostUSD: cost}, fmt.Errorf("%w: %v", domain.ErrReviewUnavailable, err)
	}

	decision, ok := Parse(text)
	if !ok {
		g.logger.Warn("review output not parseable, using test result",
			zap.String("task", req.TaskID), zap.Bool("tests_passed", req.TestsPassed))
		decision = Heuristic(req.TestsPassed)
	}
	decision.CostUSD = cost

	g.logger.Info("review completed",
		zap.String("task", req.TaskID),
		zap.String("decision", string(decision.Decision)),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("heuristic", decision.Heuristic),
		zap.Duration("elapsed", time.Since(start)))
	return decision, nil
}

// Heuristic decides from the test result alone: approve when the tests
// pass, reject otherwise
func Heuristic(testsPassed bool) domain.ReviewDecision {
	if testsPassed {
		return domain.ReviewDecision{
			Decision:      domain.DecisionApprove,
			Justification: "review output unavailable; tests pass",
			Confidence:    heuristicConfidence,
			Heuristic:     true,
		}
	}
	return domain.ReviewDecision{
		Decision:      domain.DecisionReject,
		Justification: "review output unavailable; tests fail",
		Confidence:    heuristicConfidence,
		Heuristic:     true,
	}
}

// AgentReviewer runs the review as a read-only agent session
type AgentReviewer struct {
	Spawner  *agent.Spawner
	Model    string
	MaxTurns int
	Poll     time.Duration
}

// Review implements Reviewer. The session is stopped if ctx ends first.
func (r *AgentReviewer) Review(ctx context.Context, prompt, workspace string, tools []string) (string, float64, error) {
	s, err := r.Spawner.Spawn(ctx, prompt, workspace, agent.SpawnOptions{
		Model:          r.Model,
		PermissionMode: "plan",
		AllowedTools:   tools,
		MaxTurns:       r.MaxTurns,
	})
	if err != nil {
		return "", 0, err
	}

	if err := s.Wait(ctx, r.Poll); err != nil {
		s.Stop()
		<-s.Done()
		return "", s.CostUSD(), err
	}
	if !s.Succeeded() {
		if serr := s.Err(); serr != nil {
			return "", s.CostUSD(), fmt.Errorf("reviewer session failed: %w", serr)
		}
		return "", s.CostUSD(), fmt.Errorf("reviewer session ended without a result (exit %d)", s.ExitCode())
	}

	text := s.LastText()
	if res := s.Result(); res != nil && res.Text != "" {
		text = res.Text
	}
	return text, s.CostUSD(), nil
}
