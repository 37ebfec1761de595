// Package testrunner runs a project's test command in a working copy and
// recognizes the pass/fail summary in its output.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// DefaultMaxOutput caps captured output; the tail is kept since summaries
// are printed last
const DefaultMaxOutput = 1 << 20

// Result of one test command run
type Result struct {
	Summary
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"-"`
	Truncated bool          `json:"truncated,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"` // No test command configured
	Duration  time.Duration `json:"duration"`
}

// OK reports whether the tests passed: a clean exit with no recognized
// failures. A skipped run counts as passing.
func (r Result) OK() bool {
	if r.Skipped {
		return true
	}
	return !r.TimedOut && r.ExitCode == 0 && r.Failed == 0
}

// Describe renders the result as a short human-readable line
func (r Result) Describe() string {
	switch {
	case r.Skipped:
		return "no test command configured"
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s (%d passed, %d failed)", r.Duration.Round(time.Second), r.Passed, r.Failed)
	case !r.Recognized:
		return fmt.Sprintf("exit code %d, no test summary recognized", r.ExitCode)
	}
	return fmt.Sprintf("%d passed, %d failed (exit code %d)", r.Passed, r.Failed, r.ExitCode)
}

// Runner executes a shell test command
type Runner struct {
	Command   string
	Timeout   time.Duration
	MaxOutput int
	Logger    *zap.Logger
}

// Run executes the command with sh -c in dir. The error is non-nil only when
// the command could not be run at all (wrapping ErrTestRunnerUnavailable) or
// ctx was cancelled; failing tests and timeouts are reported in the Result.
func (r *Runner) Run(ctx context.Context, dir string) (Result, error) {
	if r.Command == "" {
		return Result{Skipped: true}, nil
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out := &tailBuffer{max: maxOutput}
	cmd := exec.CommandContext(runCtx, "sh", "-c", r.Command)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	// Do not wait forever on background processes that inherited the pipes
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:    out.String(),
		Truncated: out.truncated,
		Duration:  time.Since(start),
	}
	res.Summary = ParseSummary(res.Output)

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return res, ctx.Err()
		case runCtx.Err() == context.DeadlineExceeded:
			res.TimedOut = true
			res.ExitCode = -1
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return res, fmt.Errorf("%w: %v", domain.ErrTestRunnerUnavailable, err)
		}
	}

	logger.Info("tests finished",
		zap.String("dir", dir),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("passed", res.Passed),
		zap.Int("failed", res.Failed),
		zap.Bool("recognized", res.Recognized),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
