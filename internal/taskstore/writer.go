package taskstore

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

// DefaultQueueSize is the number of pending writes buffered by a Writer
const DefaultQueueSize = 256

type dbOp struct {
	name string
	exec func(*Store) error
	// Droppable ops are journal entries and live-session snapshots. They are
	// skipped instead of written inline when the queue is full, since their
	// callers include agent parse loops.
	droppable bool
}

// Writer serializes writes through a single goroutine so that agents,
// executors and the controller never wait on SQLite lock contention. Values
// are copied when queued. When the queue is full, run, cycle and task
// transitions are written synchronously while events and snapshots of running
// sessions are dropped and counted.
//
// Writer satisfies the store interfaces of the agent, executor and runner
// packages and is a notify.Sink for the event journal.
type Writer struct {
	store  *Store
	logger *zap.Logger
	queue  chan dbOp
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewWriter starts the write goroutine
func NewWriter(store *Store, queueSize int, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:  store,
		logger: logger.With(zap.String("component", "taskstore")),
		queue:  make(chan dbOp, queueSize),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Store returns the underlying store for reads
func (w *Writer) Store() *Store {
	return w.store
}

func (w *Writer) loop() {
	defer close(w.done)
	for op := range w.queue {
		w.run(op)
	}
}

func (w *Writer) run(op dbOp) {
	if err := op.exec(w.store); err != nil {
		w.logger.Warn("database write failed", zap.String("op", op.name), zap.Error(err))
	}
}

func (w *Writer) enqueue(op dbOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		select {
		case w.queue <- op:
			return
		default:
		}
	}
	if op.droppable {
		w.dropped.Add(1)
		return
	}
	w.run(op)
}

// Dropped returns how many event and session writes were skipped because the
// queue was full or the writer closed
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close drains pending writes. Transitions written after Close run
// synchronously.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("database writes dropped", zap.Uint64("count", n))
	}
}

// SaveRun queues a snapshot of the run row
func (w *Writer) SaveRun(run *domain.Run) error {
	snap := *run
	snap.Cycles = nil
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		snap.FinishedAt = &t
	}
	w.enqueue(dbOp{name: "save_run", exec: func(s *Store) error { return s.SaveRun(&snap) }})
	return nil
}

// SaveCycle queues a snapshot of the cycle row
func (w *Writer) SaveCycle(runID string, cycle *domain.Cycle) error {
	snap := *cycle
	snap.Results = append([]domain.TaskResult(nil), cycle.Results...)
	if cycle.CompletedAt != nil {
		t := *cycle.CompletedAt
		snap.CompletedAt = &t
	}
	w.enqueue(dbOp{name: "save_cycle", exec: func(s *Store) error { return s.SaveCycle(runID, &snap) }})
	return nil
}

// SaveTask queues a snapshot of the task
func (w *Writer) SaveTask(runID string, task *domain.Task) error {
	snap := task.Clone()
	w.enqueue(dbOp{name: "save_task", exec: func(s *Store) error { return s.SaveTask(runID, snap) }})
	return nil
}

// SaveSession queues a session snapshot. Snapshots of a running session may
// be dropped; the final one is not.
func (w *Writer) SaveSession(info agent.Info) error {
	w.enqueue(dbOp{
		name:      "save_session",
		exec:      func(s *Store) error { return s.SaveSession(info) },
		droppable: info.Running,
	})
	return nil
}

// UpdateTaskStatus queues a status update for the latest row of a task
func (w *Writer) UpdateTaskStatus(taskID string, status domain.TaskStatus, reason string) error {
	w.enqueue(dbOp{name: "update_task_status", exec: func(s *Store) error {
		return s.UpdateTaskStatus(taskID, status, reason)
	}})
	return nil
}

// Emit journals an event. It never writes inline.
func (w *Writer) Emit(ev notify.Event) {
	w.enqueue(dbOp{name: "record_event", exec: func(s *Store) error { return s.RecordEvent(ev) }, droppable: true})
}
