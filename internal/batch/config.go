package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/claude-cycle-runner/internal/config"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// BatchConfig represents a scheduled run of one plan
type BatchConfig struct {
	Name             string          `toml:"name"`
	Cron             string          `toml:"cron"`
	Plan             string          `toml:"plan"`
	MaxCycles        int             `toml:"max_cycles"`
	MaxCostUSD       float64         `toml:"max_cost_usd"`
	MaxDuration      config.Duration `toml:"max_duration"`
	MaxParallel      int             `toml:"max_parallel"`
	NotifyOnComplete bool            `toml:"notify_on_complete"`
}

// ScheduleConfig holds all batch configurations
type ScheduleConfig struct {
	Batches []BatchConfig `toml:"batch"`
}

// Validate checks if the config is valid and fills defaults
func (c *BatchConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.Plan == "" {
		return fmt.Errorf("batch %s: plan path is required", c.Name)
	}
	if c.MaxCostUSD < 0 || c.MaxCycles < 0 || c.MaxParallel < 0 {
		return fmt.Errorf("batch %s: budget values must not be negative", c.Name)
	}
	if c.MaxDuration.Duration <= 0 {
		c.MaxDuration.Duration = 4 * time.Hour // Default
	}
	return nil
}

// Budget applies the batch caps on top of base. Zero fields keep base.
func (c BatchConfig) Budget(base domain.RunBudget) domain.RunBudget {
	b := base
	if c.MaxCycles > 0 {
		b.MaxCycles = c.MaxCycles
	}
	if c.MaxCostUSD > 0 {
		b.MaxCostUSD = c.MaxCostUSD
	}
	if c.MaxDuration.Duration > 0 {
		b.MaxDuration = c.MaxDuration.Duration
	}
	if c.MaxParallel > 0 {
		b.MaxParallel = c.MaxParallel
	}
	return b
}

// LoadScheduleConfig loads batch configuration from a TOML file. A missing
// file yields an empty schedule.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		if seen[cfg.Batches[i].Name] {
			return nil, fmt.Errorf("batch %d: duplicate name %q", i, cfg.Batches[i].Name)
		}
		seen[cfg.Batches[i].Name] = true
	}

	return &cfg, nil
}
