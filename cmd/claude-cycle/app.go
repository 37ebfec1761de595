package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/anomaly"
	"github.com/hochfrequenz/claude-cycle-runner/internal/config"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/executor"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/observer"
	"github.com/hochfrequenz/claude-cycle-runner/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-runner/internal/review"
	"github.com/hochfrequenz/claude-cycle-runner/internal/runner"
	"github.com/hochfrequenz/claude-cycle-runner/internal/taskstore"
	"github.com/hochfrequenz/claude-cycle-runner/internal/testrunner"
	"github.com/hochfrequenz/claude-cycle-runner/internal/worktree"
)

// app is the wired engine of one process: persistence, the event fan-out,
// the session registry and the run controller
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *taskstore.Store
	writer   *taskstore.Writer
	events   *notify.Broadcaster
	observer *observer.Observer
	registry *agent.Registry
	watcher  *observer.WorkspaceWatcher

	controller *runner.Controller // The foreground run
	runnerDeps runner.Deps
	runnerCfg  runner.Config
	repoDir    string

	mu          sync.Mutex
	controllers []*runner.Controller

	cancel context.CancelFunc
	bg     chan struct{}
}

// openStore opens the run database, creating its directory
func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if cfg.General.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store, nil
}

// repoRoot is the configured project root, else the working directory
func repoRoot(cfg *config.Config) (string, error) {
	if cfg.General.ProjectRoot != "" {
		return cfg.General.ProjectRoot, nil
	}
	return os.Getwd()
}

// configBudget is the run budget from [budget]
func configBudget(cfg *config.Config) domain.RunBudget {
	return domain.RunBudget{
		MaxCycles:   cfg.Budget.MaxCycles,
		MaxCostUSD:  cfg.Budget.MaxCostUSD,
		MaxDuration: cfg.Budget.MaxDuration.Duration,
		MaxParallel: cfg.Budget.MaxParallel,
	}
}

// notifier builds the operator notifier from [notifications]
func notifier(cfg *config.Config) notify.Notifier {
	var ns []notify.Notifier
	if cfg.Notifications.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		ns = append(ns, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(ns) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(ns...)
}

// newApp wires the engine and starts its background loops. Close releases
// everything.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, retryBlocked bool) (*app, error) {
	repoDir, err := repoRoot(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	writer := taskstore.NewWriter(store, taskstore.DefaultQueueSize, logger)
	events := notify.NewBroadcaster(0, logger)
	obs := observer.New(cfg.Heuristics.HangThreshold.Duration)
	sink := notify.Sinks{writer, obs, events}

	h := cfg.Heuristics
	monitorCfg := anomaly.DefaultConfig()
	monitorCfg.HangThreshold = h.HangThreshold.Duration
	monitorCfg.CheckInterval = h.HangCheckInterval.Duration
	monitorCfg.HistoryCapacity = h.HistoryCapacity

	registry := agent.NewRegistry(agent.Limits{
		MaxActive:        cfg.Limits.MaxActiveSessions,
		MaxActiveTokens:  cfg.Limits.MaxActiveTokens,
		ArchiveRetention: h.ArchiveRetention.Duration,
		CompactionRatio:  h.CompactionRatio,
	}, monitorCfg, sink, writer, logger)
	spawner := agent.NewSpawner(registry, cfg.Claude.Binary)

	loader := prompts.DefaultLoader(repoDir)
	tests := &testrunner.Runner{
		Command:   cfg.Tests.Command,
		Timeout:   cfg.Tests.Timeout.Duration,
		MaxOutput: cfg.Tests.MaxOutputBytes,
		Logger:    logger,
	}

	deps := executor.Deps{
		Worktrees: worktree.NewManager(repoDir, cfg.General.WorktreeDir, cfg.General.BaseBranch, logger),
		Spawner:   spawner,
		Tests:     tests,
		Prompts:   loader,
		Store:     writer,
		Sink:      sink,
		Logger:    logger,
	}
	if cfg.Review.Enabled {
		gate := review.NewGate(&review.AgentReviewer{
			Spawner:  spawner,
			Model:    cfg.Claude.ReviewModel,
			MaxTurns: cfg.Claude.MaxTurns,
			Poll:     h.PollInterval.Duration,
		}, loader, cfg.Review.Timeout.Duration, logger)
		gate.SetMaxDiff(cfg.Review.MaxDiffBytes)
		deps.Reviewer = gate
	}
	exec := executor.New(deps, executor.Config{
		Model:           cfg.Claude.Model,
		PermissionMode:  cfg.Claude.PermissionMode,
		MaxTurns:        cfg.Claude.MaxTurns,
		MinWorkDuration: h.MinWorkDuration.Duration,
		PollInterval:    h.PollInterval.Duration,
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		writer:   writer,
		events:   events,
		observer: obs,
		registry: registry,
		repoDir:  repoDir,
		runnerDeps: runner.Deps{
			Executor: exec,
			Tests:    tests,
			RepoDir:  repoDir,
			Store:    writer,
			Sink:     sink,
			Logger:   logger,
		},
		runnerCfg: runner.Config{
			AcceptableCompletion: h.AcceptableCompletion,
			RetryBlocked:         retryBlocked,
			KeepBlockedWorktrees: cfg.General.KeepBlockedTrees,
		},
		bg: make(chan struct{}),
	}
	a.controller = a.newController()

	ctx, a.cancel = context.WithCancel(ctx)

	watcher, err := observer.NewWorkspaceWatcher(observer.RecordChanges(registry), logger)
	if err != nil {
		logger.Warn("workspace watcher unavailable; filesystem conflicts are not tracked", zap.Error(err))
	} else {
		a.watcher = watcher
		watcher.Start(ctx)
	}

	notes, _ := events.Subscribe(64)
	go func() {
		defer close(a.bg)
		done := make(chan struct{})
		go func() {
			defer close(done)
			notify.Forward(notes, notifier(cfg), logger)
		}()
		go registry.Run(ctx)
		if a.watcher != nil {
			go a.watcher.Follow(ctx, registry, h.PollInterval.Duration*4)
		}
		<-done
	}()

	return a, nil
}

// newController creates a controller sharing the app's executor, store and
// sink. Scheduled runs each get their own so they can overlap.
func (a *app) newController() *runner.Controller {
	c := runner.New(a.runnerDeps, a.runnerCfg)
	a.mu.Lock()
	a.controllers = append(a.controllers, c)
	a.mu.Unlock()
	return c
}

// release forgets a controller whose run has finished
func (a *app) release(c *runner.Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, other := range a.controllers {
		if other == c {
			a.controllers = append(a.controllers[:i], a.controllers[i+1:]...)
			return
		}
	}
}

// Close stops every session and background loop, then flushes pending writes
func (a *app) Close() {
	a.mu.Lock()
	for _, c := range a.controllers {
		c.Stop()
	}
	a.mu.Unlock()
	a.registry.StopAll()
	a.cancel()
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.events.Close()
	<-a.bg
	a.writer.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing database", zap.Error(err))
	}
}

// Snapshot, Sessions and Metrics feed the dashboard
func (a *app) Snapshot() *domain.Run { return a.controller.Snapshot() }

func (a *app) Sessions() []agent.Info {
	return append(a.registry.Active(), a.registry.Archived()...)
}

func (a *app) Metrics() observer.Metrics { return a.observer.GetMetrics() }
