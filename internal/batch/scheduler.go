// Package batch runs plans on cron schedules
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when a batch is triggered while a previous
// run of it has not finished
var ErrAlreadyRunning = errors.New("batch already running")

// RunFunc executes one scheduled batch
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// Status describes one configured batch
type Status struct {
	Name    string
	Cron    string
	Plan    string
	Next    time.Time
	LastRun time.Time
	LastErr string
	Running bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler manages scheduled batch runs
type Scheduler struct {
	cron    *cron.Cron
	run     RunFunc
	logger  *zap.Logger
	configs map[string]BatchConfig
	entries map[string]cron.EntryID
	lastRun map[string]time.Time
	lastErr map[string]string
	running map[string]bool
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new batch scheduler and registers every batch
func NewScheduler(configs []BatchConfig, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "batch"))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger.Sugar()})),
		run:     run,
		logger:  logger,
		configs: make(map[string]BatchConfig),
		entries: make(map[string]cron.EntryID),
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]string),
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			cancel()
			return nil, err
		}
		if _, dup := s.configs[cfg.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate batch name %q", cfg.Name)
		}
		s.configs[cfg.Name] = cfg

		name := cfg.Name
		id, err := s.cron.AddFunc(cfg.Cron, func() {
			if err := s.trigger(s.ctx, name); errors.Is(err, ErrAlreadyRunning) {
				s.logger.Info("batch still running, skipping", zap.String("batch", name))
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("scheduling batch %s: %w", cfg.Name, err)
		}
		s.entries[cfg.Name] = id
	}

	return s, nil
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	cfg, ok := s.configs[name]
	id := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}

	// Entries only carry Next once the cron loop is running
	if next := s.cron.Entry(id).Next; !next.IsZero() {
		return next
	}
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// GetConfig returns the config for a batch
func (s *Scheduler) GetConfig(name string) (BatchConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListBatches returns all batch names, sorted
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports every batch in name order
func (s *Scheduler) Status() []Status {
	var out []Status
	for _, name := range s.ListBatches() {
		next := s.NextRun(name)
		s.mu.RLock()
		cfg := s.configs[name]
		out = append(out, Status{
			Name:    name,
			Cron:    cfg.Cron,
			Plan:    cfg.Plan,
			Next:    next,
			LastRun: s.lastRun[name],
			LastErr: s.lastErr[name],
			Running: s.running[name],
		})
		s.mu.RUnlock()
	}
	return out
}

// RunNow triggers a batch immediately and waits for it to finish
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	if _, ok := s.GetConfig(name); !ok {
		return fmt.Errorf("unknown batch %q", name)
	}
	return s.trigger(ctx, name)
}

func (s *Scheduler) trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running[name] = true
	cfg := s.configs[name]
	s.mu.Unlock()

	s.logger.Info("batch starting", zap.String("batch", name), zap.String("plan", cfg.Plan))
	start := time.Now()
	err := s.run(ctx, cfg)

	s.mu.Lock()
	s.running[name] = false
	s.lastRun[name] = start
	s.lastErr[name] = ""
	if err != nil {
		s.lastErr[name] = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("batch failed", zap.String("batch", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		s.logger.Info("batch finished", zap.String("batch", name), zap.Duration("elapsed", time.Since(start)))
	}
	return err
}

// Start begins the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels running batches and waits for them to return
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
