package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// SpawnOptions configure one agent subprocess
type SpawnOptions struct {
	Binary         string // Overrides the spawner's default binary
	Model          string
	PermissionMode string // bypassPermissions, acceptEdits, plan, default
	AllowedTools   []string
	AdditionalDirs []string
	MaxTurns       int
	TaskID         string
	Env            []string // Extra KEY=VALUE pairs
}

// Spawner starts agent sessions within a Registry's limits
type Spawner struct {
	registry *Registry
	binary   string
	logger   *zap.Logger
}

// NewSpawner creates a Spawner that runs binary (default "claude")
func NewSpawner(registry *Registry, binary string) *Spawner {
	if binary == "" {
		binary = "claude"
	}
	return &Spawner{
		registry: registry,
		binary:   binary,
		logger:   registry.logger,
	}
}

// Registry returns the registry sessions are registered with
func (sp *Spawner) Registry() *Registry {
	return sp.registry
}

// Spawn starts an agent on prompt in workingDir. It fails with
// domain.ErrSpawnFailed, registering nothing, when the binary is missing or
// a registry limit is reached.
func (sp *Spawner) Spawn(ctx context.Context, prompt, workingDir string, opts SpawnOptions) (*Session, error) {
	binary := opts.Binary
	if binary == "" {
		binary = sp.binary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: agent executable %q not found: %v", domain.ErrSpawnFailed, binary, err)
	}
	if workingDir != "" {
		if fi, err := os.Stat(workingDir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: working directory %q unavailable", domain.ErrSpawnFailed, workingDir)
		}
	}

	if err := sp.registry.reserve(); err != nil {
		return nil, err
	}

	var env []string
	if len(opts.Env) > 0 {
		env = append(os.Environ(), opts.Env...)
	}
	proc, err := startProcess(ctx, path, BuildArgs(prompt, opts), workingDir, env)
	if err != nil {
		sp.registry.release()
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	s := newSession(sp.registry, uuid.NewString(), opts.TaskID, workingDir, opts.Model, proc)
	sp.registry.register(s)
	sp.logger.Info("session started",
		zap.String("session", s.Key),
		zap.String("task", opts.TaskID),
		zap.String("dir", workingDir),
		zap.Int("pid", proc.Pid()))

	go s.run()
	return s, nil
}

// BuildArgs builds the agent command line for stream-json output
func BuildArgs(prompt string, opts SpawnOptions) []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--output-format", "stream-json", // One JSON event per line
	}

	switch opts.PermissionMode {
	case "", "bypassPermissions":
		args = append(args, "--dangerously-skip-permissions")
	default:
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}

	return append(args, "-p", prompt)
}
