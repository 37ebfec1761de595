package notify

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventName names an orchestration event
type EventName string

const (
	EventSessionStarted    EventName = "session_started"
	EventSessionIDAssigned EventName = "session_id_assigned"
	EventTokenUsage        EventName = "token_usage_updated"
	EventCompaction        EventName = "compaction_detected"
	EventConflict          EventName = "conflict_detected"
	EventToolError         EventName = "tool_error"
	EventHang              EventName = "hang_detected"
	EventLoop              EventName = "loop_detected"
	EventSessionExited     EventName = "session_exited"
	EventTaskStatus        EventName = "task_status_changed"
	EventReviewCompleted   EventName = "review_completed"
	EventTaskMerged        EventName = "task_merged"
	EventCycleStarted      EventName = "cycle_started"
	EventCycleCompleted    EventName = "cycle_completed"
	EventRunCompleted      EventName = "run_completed"
)

// Event is one entry of the live event stream
type Event struct {
	Name       EventName      `json:"name"`
	RunID      string         `json:"run_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	SessionKey string         `json:"session,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards events
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Sinks emits every event to each sink in order. Nil entries are skipped.
type Sinks []Sink

func (s Sinks) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ev)
		}
	}
}

// Broadcaster fans events out to subscribers. Emit never blocks: when the
// queue or a subscriber's buffer is full the event is dropped for that
// consumer and counted.
type Broadcaster struct {
	queue   chan Event
	done    chan struct{}
	logger  *zap.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	once   sync.Once
}

// NewBroadcaster creates a Broadcaster with the given queue capacity and
// starts its dispatch goroutine
func NewBroadcaster(capacity int, logger *zap.Logger) *Broadcaster {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "broadcaster")),
		subs:   make(map[int]chan Event),
	}
	go b.dispatch()
	return b
}

// Emit queues ev for delivery
func (b *Broadcaster) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a consumer with its own buffer. The returned cancel
// function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Dropped returns how many deliveries were dropped because a buffer was full
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}
}

// Close delivers queued events, then closes every subscriber channel
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		<-b.done

		b.mu.Lock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		if n := b.dropped.Load(); n > 0 {
			b.logger.Warn("events dropped", zap.Uint64("count", n))
		}
	})
}

// Forward relays selected events to a Notifier until ch is closed. Notifier
// failures are logged and otherwise ignored.
func Forward(ch <-chan Event, n Notifier, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for ev := range ch {
		note, ok := ToNotification(ev)
		if !ok {
			continue
		}
		if err := n.Send(note); err != nil {
			logger.Warn("notification failed", zap.String("event", string(ev.Name)), zap.Error(err))
		}
	}
}

// ToNotification maps the events an operator should hear about to a
// Notification
func ToNotification(ev Event) (Notification, bool) {
	note := Notification{RunID: ev.RunID, TaskID: ev.TaskID, SessionKey: ev.SessionKey}
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}
	field := func(name, key string) {
		if v, ok := ev.Data[key]; ok && v != nil && v != "" && v != 0 {
			note.Fields = append(note.Fields, Field{Name: name, Value: formatValue(key, v)})
		}
	}

	switch ev.Name {
	case EventRunCompleted:
		note.Title = "Run finished: " + str("outcome")
		note.Message = str("reason")
		field("Plan", "plan")
		field("Cycles", "cycles")
		field("Cost", "cost_usd")
		switch str("outcome") {
		case "success":
			note.Type = NotifySuccess
		case "partial", "limit_reached":
			note.Type = NotifyWarning
		default:
			note.Type = NotifyError
		}
	case EventHang:
		note.Title = "Agent session silent"
		note.Message = "No output from session " + ev.SessionKey + " for " + str("silence")
		field("Last output", "last_output")
		note.Type = NotifyWarning
	case EventLoop:
		note.Title = "Agent session looping"
		note.Message = "Session " + ev.SessionKey + " shows " + str("type")
		field("Repeats", "count")
		note.Type = NotifyWarning
	case EventConflict:
		note.Title = "File conflict"
		note.Message = str("path") + " touched by " + str("session_a") + " and " + str("session_b")
		field("Source", "source")
		note.Type = NotifyWarning
	case EventTaskMerged:
		note.Title = "Task merged"
		note.Message = ev.TaskID
		field("Branch", "branch")
		field("Commit", "commit")
		note.Type = NotifySuccess
	default:
		return Notification{}, false
	}
	return note, true
}

func formatValue(key string, v any) string {
	if f, ok := v.(float64); ok && strings.HasSuffix(key, "_usd") {
		return fmt.Sprintf("$%.2f", f)
	}
	return fmt.Sprint(v)
}
