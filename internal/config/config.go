package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Claude        ClaudeConfig        `toml:"claude"`
	Budget        BudgetConfig        `toml:"budget"`
	Limits        LimitsConfig        `toml:"limits"`
	Heuristics    HeuristicsConfig    `toml:"heuristics"`
	Tests         TestsConfig         `toml:"tests"`
	Review        ReviewConfig        `toml:"review"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot      string `toml:"project_root"`
	WorktreeDir      string `toml:"worktree_dir"`
	DatabasePath     string `toml:"database_path"`
	BaseBranch       string `toml:"base_branch"`
	KeepBlockedTrees bool   `toml:"keep_blocked_worktrees"`
}

// ClaudeConfig holds settings for the agent subprocess
type ClaudeConfig struct {
	Binary         string `toml:"binary"`
	Model          string `toml:"model"`
	ReviewModel    string `toml:"review_model"`
	PermissionMode string `toml:"permission_mode"`
	MaxTurns       int    `toml:"max_turns"`
}

// BudgetConfig holds the default run budget
type BudgetConfig struct {
	MaxCycles   int      `toml:"max_cycles"`
	MaxCostUSD  float64  `toml:"max_cost_usd"`
	MaxDuration Duration `toml:"max_duration"`
	MaxParallel int      `toml:"max_parallel"`
}

// LimitsConfig holds process-wide ceilings across all runs
type LimitsConfig struct {
	MaxActiveSessions int `toml:"max_active_sessions"`
	MaxActiveTokens   int `toml:"max_active_tokens"`
}

// HeuristicsConfig holds tunable heuristics of the session and anomaly layers
type HeuristicsConfig struct {
	CompactionRatio      float64  `toml:"compaction_ratio"`
	MinWorkDuration      Duration `toml:"min_work_duration"`
	HangThreshold        Duration `toml:"hang_threshold"`
	HangCheckInterval    Duration `toml:"hang_check_interval"`
	PollInterval         Duration `toml:"poll_interval"`
	HistoryCapacity      int      `toml:"history_capacity"`
	ArchiveRetention     Duration `toml:"archive_retention"`
	AcceptableCompletion float64  `toml:"acceptable_completion"`
}

// TestsConfig configures the project test command
type TestsConfig struct {
	Command        string   `toml:"command"`
	Timeout        Duration `toml:"timeout"`
	MaxOutputBytes int      `toml:"max_output_bytes"`
}

// ReviewConfig configures the review gate
type ReviewConfig struct {
	Enabled      bool     `toml:"enabled"`
	Timeout      Duration `toml:"timeout"`
	MaxDiffBytes int      `toml:"max_diff_bytes"` // Longer diffs are truncated in the prompt
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("90s", "2h")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			WorktreeDir:  filepath.Join(home, ".claude-cycle", "worktrees"),
			DatabasePath: filepath.Join(home, ".claude-cycle", "runs.db"),
			BaseBranch:   "main",
		},
		Claude: ClaudeConfig{
			Binary:         "claude",
			Model:          "claude-sonnet-4-20250514",
			ReviewModel:    "claude-sonnet-4-20250514",
			PermissionMode: "bypassPermissions",
			MaxTurns:       200,
		},
		Budget: BudgetConfig{
			MaxCycles:   5,
			MaxCostUSD:  20,
			MaxDuration: Duration{4 * time.Hour},
			MaxParallel: 3,
		},
		Limits: LimitsConfig{
			MaxActiveSessions: 6,
			MaxActiveTokens:   0,
		},
		Heuristics: HeuristicsConfig{
			CompactionRatio:      0.5,
			MinWorkDuration:      Duration{10 * time.Second},
			HangThreshold:        Duration{5 * time.Minute},
			HangCheckInterval:    Duration{15 * time.Second},
			PollInterval:         Duration{500 * time.Millisecond},
			HistoryCapacity:      20,
			ArchiveRetention:     Duration{30 * time.Minute},
			AcceptableCompletion: 80,
		},
		Tests: TestsConfig{
			Command:        "",
			Timeout:        Duration{10 * time.Minute},
			MaxOutputBytes: 1 << 20,
		},
		Review: ReviewConfig{
			Enabled:      true,
			Timeout:      Duration{5 * time.Minute},
			MaxDiffBytes: 60_000,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would make the engine misbehave
func (c *Config) Validate() error {
	if c.Budget.MaxParallel < 0 || c.Budget.MaxCycles < 0 || c.Budget.MaxCostUSD < 0 {
		return fmt.Errorf("budget values must not be negative")
	}
	if c.Heuristics.CompactionRatio <= 0 || c.Heuristics.CompactionRatio >= 1 {
		return fmt.Errorf("compaction_ratio must be between 0 and 1, got %v", c.Heuristics.CompactionRatio)
	}
	if c.Heuristics.HistoryCapacity < 4 {
		return fmt.Errorf("history_capacity must be at least 4, got %d", c.Heuristics.HistoryCapacity)
	}
	if c.Heuristics.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "claude-cycle", "config.toml")
}

// LocalConfigName is the per-project config file looked up from the working directory upwards
const LocalConfigName = ".claude-cycle.toml"

// FindLocalConfig walks from the working directory to the filesystem root and
// returns the first LocalConfigName found, or "" if there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path if given, else a project-local
// config, else the user config.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
