package main

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/observer"
	"github.com/hochfrequenz/claude-cycle-runner/internal/taskstore"
)

const (
	sourceSessionLimit = 50
	sourceEventLimit   = 5000
)

// storeSource feeds the dashboard from the run database, for watching a run
// driven by another process
type storeSource struct {
	store         *taskstore.Store
	hangThreshold time.Duration
	logger        *zap.Logger
}

// Snapshot returns the latest run with its cycle results rebuilt from the
// task rows
func (s *storeSource) Snapshot() *domain.Run {
	run, err := s.store.LatestRun()
	if err != nil {
		if !errors.Is(err, taskstore.ErrNotFound) {
			s.logger.Warn("loading latest run", zap.Error(err))
		}
		return nil
	}
	tasks, err := s.store.ListTasks(run.ID)
	if err != nil {
		s.logger.Warn("loading tasks", zap.String("run_id", run.ID), zap.Error(err))
		return run
	}
	attachTasks(run, tasks)
	return run
}

// attachTasks files each task under its cycle as a result
func attachTasks(run *domain.Run, tasks []*domain.Task) {
	byNumber := make(map[int]*domain.Cycle, len(run.Cycles))
	for _, c := range run.Cycles {
		byNumber[c.Number] = c
	}
	for _, t := range tasks {
		c, ok := byNumber[t.Cycle]
		if !ok {
			continue
		}
		c.Results = append(c.Results, domain.TaskResult{Task: t, Duration: t.Duration()})
	}
}

func (s *storeSource) Sessions() []agent.Info {
	sessions, err := s.store.ListSessions("", sourceSessionLimit)
	if err != nil {
		s.logger.Warn("loading sessions", zap.Error(err))
		return nil
	}
	return sessions
}

// Metrics replays the latest run's recorded events through an observer
func (s *storeSource) Metrics() observer.Metrics {
	run, err := s.store.LatestRun()
	if err != nil {
		return observer.Metrics{}
	}
	events, err := s.store.ListEvents(run.ID, sourceEventLimit)
	if err != nil {
		s.logger.Warn("loading events", zap.Error(err))
		return observer.Metrics{}
	}
	obs := observer.New(s.hangThreshold)
	for _, ev := range events {
		obs.Emit(ev)
	}
	return obs.GetMetrics()
}
