// Package worktree isolates each task in its own git worktree and branch and
// merges approved work back into the base branch.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// AgentLogName is the per-worktree agent transcript. It is never committed.
const AgentLogName = ".claude-agent.log"

// ErrHandleReleased is returned when a handle is used after Remove
var ErrHandleReleased = errors.New("worktree handle released")

// Handle is an isolated working copy owned by one task
type Handle struct {
	Path       string
	Branch     string
	TaskID     string
	BaseBranch string
	BaseCommit string // Commit the branch was created from

	released bool
}

// Info describes one entry of `git worktree list`
type Info struct {
	Path   string
	Branch string
	IsMain bool
}

// MergeResult reports the outcome of a merge
type MergeResult struct {
	Merged bool
	NoOp   bool // Branch had no commits beyond the base; nothing was merged
	Commit string
}

// Manager handles git worktree operations for one repository
type Manager struct {
	repoDir     string
	worktreeDir string
	baseBranch  string
	logger      *zap.Logger

	// gitMu serializes commands that mutate the shared repository
	gitMu  sync.Mutex
	mu     sync.Mutex
	active map[string]*Handle
}

// NewManager creates a Manager. An empty baseBranch means the repository's HEAD.
func NewManager(repoDir, worktreeDir, baseBranch string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
		baseBranch:  baseBranch,
		logger:      logger.With(zap.String("component", "worktree")),
		active:      make(map[string]*Handle),
	}
}

// RepoDir returns the main working copy
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Create creates a new worktree for a task. A task can hold at most one
// active handle; stale branches left by previous runs are cleaned up first.
func (m *Manager) Create(ctx context.Context, taskID string) (*Handle, error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIsolationCreateFailed, err)
	}

	m.mu.Lock()
	if _, ok := m.active[taskID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already has an active worktree", domain.ErrIsolationCreateFailed, taskID)
	}
	// Reserve the slot so concurrent creates for the same task fail fast
	m.active[taskID] = nil
	m.mu.Unlock()

	h, err := m.create(ctx, taskID)
	m.mu.Lock()
	if err != nil {
		delete(m.active, taskID)
	} else {
		m.active[taskID] = h
	}
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIsolationCreateFailed, err)
	}

	m.logger.Info("worktree created",
		zap.String("task", taskID),
		zap.String("path", h.Path),
		zap.String("branch", h.Branch))
	return h, nil
}

func (m *Manager) create(ctx context.Context, taskID string) (*Handle, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	base := m.baseBranch
	if base == "" {
		base = "HEAD"
	}
	baseCommit, err := git(ctx, m.repoDir, "rev-parse", "--verify", base+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("resolving base %s: %w", base, err)
	}

	branch := BranchName(taskID)
	m.cleanupExistingBranch(ctx, branch)

	dirName := fmt.Sprintf("%s-%s", sanitize(taskID), randomSuffix())
	wtPath := filepath.Join(m.worktreeDir, dirName)

	if _, err := git(ctx, m.repoDir, "worktree", "add", "-b", branch, wtPath, baseCommit); err != nil {
		return nil, err
	}

	return &Handle{
		Path:       wtPath,
		Branch:     branch,
		TaskID:     taskID,
		BaseBranch: base,
		BaseCommit: baseCommit,
	}, nil
}

// cleanupExistingBranch removes any existing worktree and branch for the
// given branch name. Errors are ignored: the branch usually does not exist.
func (m *Manager) cleanupExistingBranch(ctx context.Context, branch string) {
	git(ctx, m.repoDir, "worktree", "prune")

	infos, _ := m.list(ctx)
	for _, info := range infos {
		if info.Branch == branch && !info.IsMain {
			git(ctx, m.repoDir, "worktree", "remove", "--force", info.Path)
		}
	}

	git(ctx, m.repoDir, "branch", "-D", branch)
}

// CommitAll commits any uncommitted changes in the worktree. It reports
// whether a commit was created and never creates an empty one.
func (m *Manager) CommitAll(ctx context.Context, h *Handle, message string) (bool, error) {
	if h.released {
		return false, ErrHandleReleased
	}
	status, err := git(ctx, h.Path, "status", "--porcelain", "--", ".", ":(exclude)"+AgentLogName)
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := git(ctx, h.Path, "add", "-A", "--", ".", ":(exclude)"+AgentLogName); err != nil {
		return false, err
	}
	if _, err := git(ctx, h.Path, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// CommitsAhead counts the commits on the task branch that the base branch
// does not have
func (m *Manager) CommitsAhead(ctx context.Context, h *Handle) (int, error) {
	out, err := git(ctx, m.repoDir, "rev-list", "--count", h.BaseBranch+".."+h.Branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing commit count %q: %w", out, err)
	}
	return n, nil
}

// Diff returns the changes on the task branch since it was created
func (m *Manager) Diff(ctx context.Context, h *Handle) (string, error) {
	if h.released {
		return "", ErrHandleReleased
	}
	return git(ctx, m.repoDir, "diff", h.BaseCommit+".."+h.Branch)
}

// Files lists the files in the worktree that git knows about or would add,
// sorted by path
func (m *Manager) Files(ctx context.Context, h *Handle) ([]string, error) {
	if h.released {
		return nil, ErrHandleReleased
	}
	out, err := git(ctx, h.Path, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if f != "" && f != AgentLogName {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Merge merges the task branch into the base branch with --no-ff. A branch
// without new commits is a successful no-op. On conflict the merge is aborted
// so the base line is left untouched.
func (m *Manager) Merge(ctx context.Context, h *Handle) (MergeResult, error) {
	if h.released {
		return MergeResult{}, ErrHandleReleased
	}

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	ahead, err := m.CommitsAhead(ctx, h)
	if err != nil {
		return MergeResult{}, fmt.Errorf("counting commits: %w", err)
	}
	if ahead == 0 {
		return MergeResult{Merged: true, NoOp: true}, nil
	}

	if h.BaseBranch != "HEAD" {
		current, err := git(ctx, m.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return MergeResult{}, err
		}
		if current != h.BaseBranch {
			if _, err := git(ctx, m.repoDir, "checkout", h.BaseBranch); err != nil {
				return MergeResult{}, fmt.Errorf("checking out %s: %w", h.BaseBranch, err)
			}
		}
	}

	msg := fmt.Sprintf("Merge task %s", h.TaskID)
	if _, err := git(ctx, m.repoDir, "merge", "--no-ff", "--no-edit", "-m", msg, h.Branch); err != nil {
		// Use a fresh context: the abort must run even if ctx is already done
		if _, abortErr := git(context.Background(), m.repoDir, "merge", "--abort"); abortErr != nil {
			m.logger.Error("merge abort failed", zap.String("task", h.TaskID), zap.Error(abortErr))
		}
		return MergeResult{}, fmt.Errorf("%w: %s: %v", domain.ErrMergeConflict, h.Branch, err)
	}

	commit, _ := git(ctx, m.repoDir, "rev-parse", "HEAD")
	m.logger.Info("worktree merged",
		zap.String("task", h.TaskID),
		zap.String("branch", h.Branch),
		zap.Int("commits", ahead))
	return MergeResult{Merged: true, Commit: commit}, nil
}

// Remove deletes the worktree and its branch and invalidates the handle
func (m *Manager) Remove(ctx context.Context, h *Handle) error {
	if h.released {
		return nil
	}

	m.gitMu.Lock()
	_, err := git(ctx, m.repoDir, "worktree", "remove", "--force", h.Path)
	if err == nil {
		// Best effort: a merged branch is already part of the base line
		git(ctx, m.repoDir, "branch", "-D", h.Branch)
	}
	m.gitMu.Unlock()
	if err != nil {
		return err
	}

	h.released = true
	m.mu.Lock()
	if m.active[h.TaskID] == h {
		delete(m.active, h.TaskID)
	}
	m.mu.Unlock()
	m.logger.Debug("worktree removed", zap.String("task", h.TaskID), zap.String("path", h.Path))
	return nil
}

// Active returns the handle currently held by taskID, if any
func (m *Manager) Active(taskID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[taskID]
	return h, ok && h != nil
}

// List returns every worktree of the repository, the main one first
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	return m.list(ctx)
}

func (m *Manager) list(ctx context.Context) ([]Info, error) {
	out, err := git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain`. Entries are
// separated by blank lines; the first entry is the main working tree.
func parseWorktreeList(out string) []Info {
	var infos []Info
	var cur *Info
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			infos = append(infos, Info{
				Path:   strings.TrimPrefix(line, "worktree "),
				IsMain: len(infos) == 0,
			})
			cur = &infos[len(infos)-1]
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			cur = nil
		}
	}
	return infos
}

// BranchName returns the branch name for a task
func BranchName(taskID string) string {
	return "cycle/" + sanitize(taskID)
}

// sanitize makes a task id safe for branch and directory names
func sanitize(taskID string) string {
	s := strings.ReplaceAll(taskID, "..", "-")
	return strings.TrimSuffix(s, ".lock")
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
