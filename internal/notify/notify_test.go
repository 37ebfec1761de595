package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewSlackMessage(t *testing.T) {
	at := time.Unix(1700000000, 0)
	msg := NewSlackMessage(Notification{
		Title:   "Run finished: partial",
		Message: "plan exhausted",
		Type:    NotifyWarning,
		RunID:   "run-1",
		Fields:  []Field{{Name: "Cost", Value: "$3.20"}, {Name: "Plan", Value: strings.Repeat("p", 60)}},
	}, at)

	if msg.Text != "Run finished: partial" || len(msg.Attachments) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	att := msg.Attachments[0]
	if att.Color != "warning" || att.Title != "run-1" || att.Ts != at.Unix() {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 2 || !att.Fields[0].Short || att.Fields[1].Short {
		t.Errorf("fields = %+v, want short cost and long plan", att.Fields)
	}
	if att.Fallback != "Run finished: partial: plan exhausted" {
		t.Errorf("fallback = %q", att.Fallback)
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	// Mock Slack server
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Test",
		Message: "Test message",
		Type:    NotifyInfo,
		RunID:   "run-1",
		TaskID:  "task-3",
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Title != "run-1 / task-3" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("expected error for 403")
	}
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestSlackNotifier_RetriesRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewSlackNotifier(server.URL)
	var waited time.Duration
	n.sleep = func(d time.Duration) { waited = d }

	if err := n.Send(Notification{Title: "x"}); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if waited != slackMaxRetryAfter {
		t.Errorf("waited %v, want the capped %v", waited, slackMaxRetryAfter)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", time.Second},
		{"garbage", time.Second},
		{"0", time.Second},
		{"5", 5 * time.Second},
		{"3600", slackMaxRetryAfter},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.header); got != tt.want {
			t.Errorf("retryDelay(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `Run "nightly"`, Message: "done", Type: NotifyError, RunID: "run-1", TaskID: "tax"}

	name, args, ok := desktopCommand("linux", n)
	if !ok || name != "notify-send" {
		t.Fatalf("linux: %s %v %v", name, args, ok)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"--urgency critical", "--icon dialog-error", "run-1 / tax\ndone"} {
		if !strings.Contains(joined, want) {
			t.Errorf("linux args %q missing %q", joined, want)
		}
	}

	name, args, ok = desktopCommand("darwin", n)
	if !ok || name != "osascript" {
		t.Fatalf("darwin: %s %v %v", name, args, ok)
	}
	if !strings.Contains(args[1], `with title "Run \"nightly\""`) || !strings.Contains(args[1], `subtitle "run-1 / tax"`) {
		t.Errorf("script = %s", args[1])
	}

	if _, _, ok := desktopCommand("plan9", n); ok {
		t.Error("unsupported platform should not build a command")
	}
}

func TestDesktopNotifier_Cooldown(t *testing.T) {
	d := NewDesktopNotifier(true)
	d.goos = "linux"
	now := time.Now()
	d.now = func() time.Time { return now }
	var shown int
	d.run = func(string, ...string) error { shown++; return nil }

	hang := Notification{Title: "Agent session silent", SessionKey: "s1"}
	d.Send(hang)
	d.Send(hang)
	d.Send(Notification{Title: "Agent session silent", SessionKey: "s2"})
	if shown != 2 {
		t.Errorf("shown = %d, want 2 (repeat suppressed)", shown)
	}

	now = now.Add(DefaultDesktopCooldown)
	d.Send(hang)
	if shown != 3 {
		t.Errorf("shown = %d, want 3 after the cooldown", shown)
	}

	if err := NewDesktopNotifier(false).Send(hang); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestToNotification_Fields(t *testing.T) {
	n, ok := ToNotification(Event{
		Name:  EventRunCompleted,
		RunID: "run-1",
		Data:  map[string]any{"outcome": "success", "plan": "Billing", "cycles": 2, "cost_usd": 1.5},
	})
	if !ok {
		t.Fatal("run completion should notify")
	}
	want := []Field{{"Plan", "Billing"}, {"Cycles", "2"}, {"Cost", "$1.50"}}
	if len(n.Fields) != len(want) {
		t.Fatalf("fields = %+v", n.Fields)
	}
	for i := range want {
		if n.Fields[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, n.Fields[i], want[i])
		}
	}

	loop, _ := ToNotification(Event{Name: EventLoop, SessionKey: "s1", Data: map[string]any{"type": "oscillation", "count": 0}})
	if len(loop.Fields) != 0 || loop.Subject() != "s1" {
		t.Errorf("oscillation notification = %+v", loop)
	}
	if _, ok := ToNotification(Event{Name: EventTokenUsage}); ok {
		t.Error("token usage should not notify")
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	var called []string
	multi := NewMultiNotifier(
		&mockNotifier{name: "a", calls: &called, err: errA},
		&mockNotifier{name: "b", calls: &called},
	)

	err := multi.Send(Notification{Title: "Test"})
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want errA", err)
	}
	if len(called) != 2 {
		t.Errorf("a failing notifier must not stop the others, calls = %v", called)
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error

	mu   sync.Mutex
	sent []Notification
}

func (m *mockNotifier) Send(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls != nil {
		*m.calls = append(*m.calls, m.name)
	}
	m.sent = append(m.sent, n)
	return m.err
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(16, nil)
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Emit(Event{Name: EventTaskMerged, TaskID: "t1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != EventTaskMerged || ev.TaskID != "t1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %d: timestamp not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestBroadcaster_NeverBlocks(t *testing.T) {
	b := NewBroadcaster(2, nil)
	defer b.Close()

	// A subscriber that never reads
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Emit(Event{Name: EventTokenUsage})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Error("expected dropped deliveries to be counted")
	}
}

func TestBroadcaster_CloseDrainsAndClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(16, nil)
	ch, _ := b.Subscribe(16)

	b.Emit(Event{Name: EventCycleStarted})
	b.Emit(Event{Name: EventCycleCompleted})
	b.Close()

	var names []EventName
	for ev := range ch {
		names = append(names, ev.Name)
	}
	if len(names) != 2 {
		t.Errorf("received %v, want both queued events", names)
	}

	// Emit after Close is ignored
	b.Emit(Event{Name: EventRunCompleted})
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(16, nil)
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	b.Emit(Event{Name: EventHang})
}

func TestForward(t *testing.T) {
	ch := make(chan Event, 4)
	ch <- Event{Name: EventTokenUsage}
	ch <- Event{Name: EventRunCompleted, RunID: "r1", Data: map[string]any{"outcome": "success", "reason": "all tests pass"}}
	ch <- Event{Name: EventConflict, Data: map[string]any{"path": "a.go", "session_a": "s1", "session_b": "s2"}}
	close(ch)

	mock := &mockNotifier{}
	Forward(ch, mock, nil)

	if len(mock.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(mock.sent))
	}
	if mock.sent[0].Type != NotifySuccess || mock.sent[0].RunID != "r1" {
		t.Errorf("run notification = %+v", mock.sent[0])
	}
	if !strings.Contains(mock.sent[1].Message, "s1") || !strings.Contains(mock.sent[1].Message, "s2") {
		t.Errorf("conflict notification = %+v", mock.sent[1])
	}
}

func TestToNotification_RunOutcomes(t *testing.T) {
	tests := []struct {
		outcome string
		want    NotificationType
	}{
		{"success", NotifySuccess},
		{"partial", NotifyWarning},
		{"limit_reached", NotifyWarning},
		{"failed", NotifyError},
		{"blocked", NotifyError},
	}
	for _, tt := range tests {
		n, ok := ToNotification(Event{Name: EventRunCompleted, Data: map[string]any{"outcome": tt.outcome}})
		if !ok || n.Type != tt.want {
			t.Errorf("outcome %s: type = %v, ok = %v, want %v", tt.outcome, n.Type, ok, tt.want)
		}
	}
}

type recordingSink struct{ events []Event }

func (r *recordingSink) Emit(ev Event) { r.events = append(r.events, ev) }

func TestSinks_FanOutStampsOnce(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Sinks{a, nil, b}.Emit(Event{Name: EventCycleStarted, RunID: "r"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("got %d and %d events, want 1 each", len(a.events), len(b.events))
	}
	if a.events[0].At.IsZero() || !a.events[0].At.Equal(b.events[0].At) {
		t.Errorf("timestamps = %v / %v, want the same non-zero time", a.events[0].At, b.events[0].At)
	}
}
