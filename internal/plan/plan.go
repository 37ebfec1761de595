// Package plan loads run plans: the cycles of a run and the tasks in each.
// A plan is either a YAML file or a directory of markdown task files.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// Plan is the work of one run
type Plan struct {
	Title  string       `yaml:"title"`
	Budget BudgetConfig `yaml:"budget"`
	Cycles []CyclePlan  `yaml:"cycles"`
}

// BudgetConfig overrides the configured run budget. Zero fields keep the
// configured value.
type BudgetConfig struct {
	MaxCycles   int     `yaml:"max_cycles"`
	MaxCostUSD  float64 `yaml:"max_cost_usd"`
	MaxDuration string  `yaml:"max_duration"`
	MaxParallel int     `yaml:"max_parallel"`
}

// CyclePlan is one planned cycle
type CyclePlan struct {
	Title string     `yaml:"title"`
	Tasks []TaskPlan `yaml:"tasks"`
}

// TaskPlan is one planned task
type TaskPlan struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	ParallelGroup      string   `yaml:"parallel_group"`
}

// Load reads a plan from a YAML file or a directory of markdown tasks
func Load(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if p.Title == "" {
		p.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Parse decodes and validates a YAML plan
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the plan has work and that task ids are usable and
// unique across the whole plan
func (p *Plan) Validate() error {
	if len(p.Cycles) == 0 {
		return fmt.Errorf("plan has no cycles")
	}
	if _, err := p.Budget.duration(); err != nil {
		return err
	}
	seen := make(map[string]int)
	for i, c := range p.Cycles {
		if len(c.Tasks) == 0 {
			return fmt.Errorf("cycle %d has no tasks", i+1)
		}
		for _, t := range c.Tasks {
			if err := domain.ValidateTaskID(t.ID); err != nil {
				return fmt.Errorf("cycle %d: %w", i+1, err)
			}
			if prev, ok := seen[t.ID]; ok {
				return fmt.Errorf("task %s appears in cycle %d and cycle %d", t.ID, prev, i+1)
			}
			seen[t.ID] = i + 1
			if strings.TrimSpace(t.Title) == "" {
				return fmt.Errorf("task %s has no title", t.ID)
			}
		}
	}
	return nil
}

func (b BudgetConfig) duration() (time.Duration, error) {
	if b.MaxDuration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(b.MaxDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid max_duration %q: %w", b.MaxDuration, err)
	}
	return d, nil
}

// ApplyBudget overlays the plan's budget overrides on base
func (p *Plan) ApplyBudget(base domain.RunBudget) domain.RunBudget {
	if p.Budget.MaxCycles > 0 {
		base.MaxCycles = p.Budget.MaxCycles
	}
	if p.Budget.MaxCostUSD > 0 {
		base.MaxCostUSD = p.Budget.MaxCostUSD
	}
	if d, err := p.Budget.duration(); err == nil && d > 0 {
		base.MaxDuration = d
	}
	if p.Budget.MaxParallel > 0 {
		base.MaxParallel = p.Budget.MaxParallel
	}
	return base
}

// Tasks builds fresh pending tasks for cycle n (1-based)
func (p *Plan) Tasks(n int) []*domain.Task {
	if n < 1 || n > len(p.Cycles) {
		return nil
	}
	planned := p.Cycles[n-1].Tasks
	tasks := make([]*domain.Task, 0, len(planned))
	for _, t := range planned {
		tasks = append(tasks, &domain.Task{
			ID:                 t.ID,
			Title:              t.Title,
			Description:        t.Description,
			AcceptanceCriteria: append([]string(nil), t.AcceptanceCriteria...),
			ParallelGroup:      t.ParallelGroup,
			Cycle:              n,
			Status:             domain.TaskPending,
		})
	}
	return tasks
}

// CriteriaWeights returns the weight of every task in the completion
// estimate: its number of acceptance criteria, at least 1
func (p *Plan) CriteriaWeights() map[string]int {
	weights := make(map[string]int)
	for _, c := range p.Cycles {
		for _, t := range c.Tasks {
			weights[t.ID] = max(1, len(t.AcceptanceCriteria))
		}
	}
	return weights
}
