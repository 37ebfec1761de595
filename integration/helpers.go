//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeAgent stands in for the claude binary. Review sessions run in plan
// mode and approve; task sessions write one file named after their worktree.
const fakeAgent = `#!/bin/sh
case "$*" in
*"--permission-mode plan"*)
	echo '{"type":"system","subtype":"init","session_id":"review-'$$'"}'
	echo '{"type":"result","result":"Decision: APPROVE (change is small and complete)","total_cost_usd":0.01}'
	;;
*)
	echo "generated" > "$(basename "$(pwd)").txt"
	echo '{"type":"system","subtype":"init","session_id":"task-'$$'"}'
	echo '{"type":"assistant","message":{"id":"msg-1","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":1200,"output_tokens":300}}}'
	echo '{"type":"result","result":"implemented","total_cost_usd":0.05}'
	;;
esac
`

// buildBinary compiles claude-cycle into a temp dir
func buildBinary(t *testing.T) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "claude-cycle")
	cmd := exec.Command("go", "build", "-o", out, "../cmd/claude-cycle")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return out
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// setupGitRepo creates a repository with one commit on main
func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	return dir
}

// env is one isolated project: repository, fake agent, config and database
type env struct {
	binary  string
	repo    string
	config  string
	dbPath  string
	workDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		binary:  buildBinary(t),
		repo:    setupGitRepo(t),
		workDir: t.TempDir(),
	}
	e.dbPath = filepath.Join(e.workDir, "runs.db")

	agentPath := filepath.Join(e.workDir, "fake-claude")
	if err := os.WriteFile(agentPath, []byte(fakeAgent), 0755); err != nil {
		t.Fatal(err)
	}

	config := `[general]
project_root = "` + e.repo + `"
worktree_dir = "` + filepath.Join(e.workDir, "worktrees") + `"
database_path = "` + e.dbPath + `"
base_branch = "main"

[claude]
binary = "` + agentPath + `"
model = "test-model"
review_model = "test-model"

[budget]
max_cycles = 3
max_cost_usd = 5.0
max_duration = "5m"
max_parallel = 2

[heuristics]
min_work_duration = "1ms"
poll_interval = "20ms"

[review]
enabled = true
timeout = "30s"

[log]
level = "warn"
`
	e.config = filepath.Join(e.workDir, "config.toml")
	if err := os.WriteFile(e.config, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return e
}

// writeFile writes content under the env's work dir and returns its path
func (e *env) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.workDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the CLI with the env's config
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(e.binary, append([]string{"--config", e.config}, args...)...)
	cmd.Dir = e.repo
	out, err := cmd.CombinedOutput()
	return string(out), err
}
