package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/config"
	"github.com/hochfrequenz/claude-cycle-runner/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "claude-cycle",
		Short: "Claude Cycle Runner - budgeted autonomous coding runs",
		Long: `Claude Cycle Runner plays a plan of tasks against a git repository in cycles.
Each task runs as a Claude Code session in its own worktree, is tested and
reviewed, and is merged or blocked. A run ends on success or when its cycle,
cost or time budget is spent.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
}

// setup loads the config and builds the logger; flags override config values
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}

	l, err := logging.New(loaded.Log.Level, loaded.Log.Format)
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
