// Package agent spawns and supervises agent subprocesses. A Registry owns
// every live session of the process: it enforces the global session ceiling
// and token budget, feeds the anomaly monitor and conflict tracker, and keeps
// finished sessions archived for a while for inspection.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/claude-cycle-runner/internal/anomaly"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

// Store persists session and task state. Failures are logged, never fatal.
type Store interface {
	SaveSession(info Info) error
	UpdateTaskStatus(taskID string, status domain.TaskStatus, reason string) error
}

// Limits bound the registry
type Limits struct {
	MaxActive        int // Global ceiling on concurrently running sessions
	MaxActiveTokens  int // Token budget across running sessions; 0 disables
	ArchiveRetention time.Duration
	CompactionRatio  float64
}

type archived struct {
	info    Info
	expires time.Time
}

// Registry tracks every session spawned by this process
type Registry struct {
	limits  Limits
	sem     *semaphore.Weighted
	monitor *anomaly.Monitor
	tracker *ConflictTracker
	sink    notify.Sink
	store   Store
	logger  *zap.Logger

	mu      sync.RWMutex
	active  map[string]*Session
	archive map[string]archived
}

// NewRegistry creates a Registry. sink and store may be nil.
func NewRegistry(limits Limits, monitorCfg anomaly.Config, sink notify.Sink, store Store, logger *zap.Logger) *Registry {
	if limits.MaxActive <= 0 {
		limits.MaxActive = 1
	}
	if limits.ArchiveRetention <= 0 {
		limits.ArchiveRetention = 30 * time.Minute
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		limits:  limits,
		sem:     semaphore.NewWeighted(int64(limits.MaxActive)),
		tracker: NewConflictTracker(),
		sink:    sink,
		store:   store,
		logger:  logger.With(zap.String("component", "agent")),
		active:  make(map[string]*Session),
		archive: make(map[string]archived),
	}
	r.monitor = anomaly.New(monitorCfg, r.onSignal, logger.With(zap.String("component", "anomaly")))
	return r
}

// Monitor returns the anomaly monitor fed by this registry's sessions
func (r *Registry) Monitor() *anomaly.Monitor {
	return r.monitor
}

// Tracker returns the file conflict tracker
func (r *Registry) Tracker() *ConflictTracker {
	return r.tracker
}

// Run drives periodic hang checks and archive expiry until ctx is done
func (r *Registry) Run(ctx context.Context) {
	go r.monitor.Run(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneArchive()
		}
	}
}

// reserve claims a slot for a new session or fails fast
func (r *Registry) reserve() error {
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("%w: active session limit reached (%d)", domain.ErrSpawnFailed, r.limits.MaxActive)
	}
	if r.limits.MaxActiveTokens > 0 {
		if used := r.activeTokens(); used >= r.limits.MaxActiveTokens {
			r.sem.Release(1)
			return fmt.Errorf("%w: token budget exhausted (%d of %d tokens in use)", domain.ErrSpawnFailed, used, r.limits.MaxActiveTokens)
		}
	}
	return nil
}

func (r *Registry) release() {
	r.sem.Release(1)
}

func (r *Registry) activeTokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.active {
		total += s.Usage().Total()
	}
	return total
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	r.active[s.Key] = s
	r.mu.Unlock()
	r.monitor.Track(s.Key)

	r.sink.Emit(notify.Event{
		Name:       notify.EventSessionStarted,
		TaskID:     s.TaskID,
		SessionKey: s.Key,
		Data:       map[string]any{"working_dir": s.WorkingDir},
	})
	r.persist(s.Info())
}

// finalize archives an exited session and releases everything it held
func (r *Registry) finalize(s *Session) {
	info := s.Info()

	r.mu.Lock()
	delete(r.active, s.Key)
	r.archive[s.Key] = archived{info: info, expires: time.Now().Add(r.limits.ArchiveRetention)}
	r.mu.Unlock()

	r.monitor.Untrack(s.Key)
	r.tracker.Remove(s.Key)
	r.release()

	r.persist(info)
	if info.ExitCode == 0 && info.Error == "" && s.TaskID != "" {
		if r.store != nil {
			if err := r.store.UpdateTaskStatus(s.TaskID, domain.TaskAwaitingReview, ""); err != nil {
				r.logger.Warn("recording task status", zap.String("task", s.TaskID), zap.Error(err))
			}
		}
		r.sink.Emit(notify.Event{
			Name:       notify.EventTaskStatus,
			TaskID:     s.TaskID,
			SessionKey: s.Key,
			Data:       map[string]any{"status": string(domain.TaskAwaitingReview)},
		})
	}

	r.sink.Emit(notify.Event{
		Name:       notify.EventSessionExited,
		TaskID:     s.TaskID,
		SessionKey: s.Key,
		Data: map[string]any{
			"exit_code":    info.ExitCode,
			"cost_usd":     info.CostUSD,
			"error":        info.Error,
			"total_tokens": info.Usage.Total(),
			"duration_ms":  s.Elapsed().Milliseconds(),
		},
	})
	r.logger.Info("session exited",
		zap.String("session", s.Key),
		zap.String("task", s.TaskID),
		zap.Int("exit_code", info.ExitCode),
		zap.Float64("cost_usd", info.CostUSD),
		zap.Int("tokens", info.Usage.Total()))
}

func (r *Registry) persist(info Info) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(info); err != nil {
		r.logger.Warn("persisting session", zap.String("session", info.Key), zap.Error(err))
	}
}

func (r *Registry) onSignal(sig anomaly.Signal) {
	// The session may have exited between detection and delivery
	if !r.monitor.Tracked(sig.Key) {
		return
	}
	var taskID string
	if s, ok := r.Get(sig.Key); ok {
		taskID = s.TaskID
	}

	ev := notify.Event{TaskID: taskID, SessionKey: sig.Key, At: sig.At}
	switch sig.Type {
	case anomaly.SignalHang:
		ev.Name = notify.EventHang
		ev.Data = map[string]any{"silence": sig.Silence.Round(time.Second).String()}
		if last, ok := r.monitor.LastOutput(sig.Key); ok {
			ev.Data["last_output"] = last.Format(time.RFC3339)
		}
	default:
		ev.Name = notify.EventLoop
		ev.Data = map[string]any{
			"type":           string(sig.Type),
			"count":          sig.Count,
			"recent_actions": len(r.monitor.History(sig.Key)),
		}
	}
	r.sink.Emit(ev)
}

// RecordFileChange records a write observed on disk rather than through the
// tool stream, such as a file created by a shell command. Conflicts it creates
// are emitted like tool conflicts.
func (r *Registry) RecordFileChange(key, path string) []Conflict {
	s, ok := r.Get(key)
	if !ok {
		return nil
	}
	rel := NormalizePath(s.WorkingDir, path)
	conflicts := r.tracker.Record(key, rel, AccessWrite)
	for _, c := range conflicts {
		r.logger.Warn("file conflict",
			zap.String("session", key),
			zap.String("path", c.Path),
			zap.String("other", c.SessionA),
			zap.String("source", "filesystem"))
		r.sink.Emit(notify.Event{
			Name:       notify.EventConflict,
			TaskID:     s.TaskID,
			SessionKey: key,
			Data: map[string]any{
				"path":      c.Path,
				"session_a": c.SessionA,
				"access_a":  string(c.AccessA),
				"session_b": c.SessionB,
				"access_b":  string(c.AccessB),
				"source":    "filesystem",
			},
			At: time.Now(),
		})
	}
	return conflicts
}

// Get returns an active session by key
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.active[key]
	return s, ok
}

// ActiveCount returns the number of running sessions
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Active returns snapshots of running sessions, oldest first
func (r *Registry) Active() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sortInfos(infos)
	return infos
}

// Archived returns snapshots of finished sessions still within retention
func (r *Registry) Archived() []Info {
	now := time.Now()
	r.mu.RLock()
	infos := make([]Info, 0, len(r.archive))
	for _, a := range r.archive {
		if now.Before(a.expires) {
			infos = append(infos, a.info)
		}
	}
	r.mu.RUnlock()
	sortInfos(infos)
	return infos
}

// PruneArchive drops archived sessions past their retention
func (r *Registry) PruneArchive() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.archive {
		if !now.Before(a.expires) {
			delete(r.archive, key)
		}
	}
}

// StopAll forcibly terminates every running session
func (r *Registry) StopAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Stop()
	}
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
}
