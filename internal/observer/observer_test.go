package observer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

func TestObserver_DetectStuck(t *testing.T) {
	obs := New(5 * time.Minute)

	tests := []struct {
		name string
		info agent.Info
		want bool
	}{
		{"silent for 10m", agent.Info{Running: true, LastOutput: time.Now().Add(-10 * time.Minute)}, true},
		{"output 2m ago", agent.Info{Running: true, LastOutput: time.Now().Add(-2 * time.Minute)}, false},
		{"no output, started 10m ago", agent.Info{Running: true, StartedAt: time.Now().Add(-10 * time.Minute)}, true},
		{"paused", agent.Info{Running: true, Paused: true, LastOutput: time.Now().Add(-time.Hour)}, false},
		{"finished", agent.Info{LastOutput: time.Now().Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := obs.IsStuck(tt.info); got != tt.want {
				t.Errorf("IsStuck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestObserver_Metrics(t *testing.T) {
	obs := New(5 * time.Minute)

	events := []notify.Event{
		{Name: notify.EventSessionStarted},
		{Name: notify.EventSessionStarted},
		{Name: notify.EventSessionExited, Data: map[string]any{"exit_code": 0, "cost_usd": 0.25, "total_tokens": 1000, "duration_ms": int64(300000)}},
		{Name: notify.EventSessionExited, Data: map[string]any{"exit_code": 1, "cost_usd": 0.5, "total_tokens": 2000, "duration_ms": int64(600000), "error": "boom"}},
		{Name: notify.EventCompaction},
		{Name: notify.EventHang},
		{Name: notify.EventLoop},
		{Name: notify.EventLoop},
		{Name: notify.EventConflict},
		{Name: notify.EventToolError},
		{Name: notify.EventReviewCompleted},
		{Name: notify.EventTaskMerged, TaskID: "a"},
		{Name: notify.EventTaskStatus, TaskID: "b", Data: map[string]any{"status": "blocked"}},
		{Name: notify.EventTaskStatus, TaskID: "c", Data: map[string]any{"status": "running"}},
		{Name: notify.EventCycleCompleted},
		{Name: notify.EventRunCompleted},
	}
	for _, ev := range events {
		obs.Emit(ev)
	}

	m := obs.GetMetrics()
	want := Metrics{
		SessionsStarted: 2,
		SessionsExited:  2,
		SessionsFailed:  1,
		TotalTokens:     3000,
		CostUSD:         0.75,
		AvgSession:      7*time.Minute + 30*time.Second,
		Compactions:     1,
		Hangs:           1,
		Loops:           2,
		Conflicts:       1,
		ToolErrors:      1,
		TasksMerged:     1,
		TasksBlocked:    1,
		Reviews:         1,
		CyclesCompleted: 1,
		RunsCompleted:   1,
	}
	if m != want {
		t.Errorf("metrics = %+v\nwant %+v", m, want)
	}

	recent := obs.GetRecentCompletions(time.Minute)
	if len(recent) != 2 || recent[0] != "a" || recent[1] != "b" {
		t.Errorf("recent = %v, want [a b]", recent)
	}
}

func TestObserver_MetricsFromJSONData(t *testing.T) {
	obs := New(time.Minute)

	var data map[string]any
	if err := json.Unmarshal([]byte(`{"exit_code":2,"cost_usd":1.5,"total_tokens":40,"duration_ms":1000}`), &data); err != nil {
		t.Fatal(err)
	}
	obs.Emit(notify.Event{Name: notify.EventSessionExited, Data: data})

	m := obs.GetMetrics()
	if m.SessionsFailed != 1 || m.TotalTokens != 40 || m.CostUSD != 1.5 || m.AvgSession != time.Second {
		t.Errorf("metrics = %+v", m)
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes map[string][]string
	signal  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{changes: make(map[string][]string), signal: make(chan struct{}, 16)}
}

func (r *changeRecorder) record(key string, files []string) {
	r.mu.Lock()
	r.changes[key] = append(r.changes[key], files...)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *changeRecorder) files(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes[key]...)
}

func (r *changeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWorkspaceWatcher_ReportsWrites(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}

	rec := newChangeRecorder()
	w, err := NewWorkspaceWatcher(rec.record, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Add("s1", root); err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	defer w.Stop()

	// Ignored: transcript and git internals
	os.WriteFile(filepath.Join(root, agent.LogFileName), []byte("log"), 0644)
	os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0644)

	target := filepath.Join(root, "main.go")
	if err := os.WriteFile(target, []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	files := rec.files("s1")
	if len(files) == 0 {
		t.Fatal("no files reported")
	}
	for _, f := range files {
		if f != target {
			t.Errorf("files = %v, want only %s", files, target)
		}
	}
}

func TestWorkspaceWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	rec := newChangeRecorder()
	w, err := NewWorkspaceWatcher(rec.record, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Add("s1", root); err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	defer w.Stop()

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory
	time.Sleep(200 * time.Millisecond)

	target := filepath.Join(sub, "a.go")
	if err := os.WriteFile(target, []byte("package pkg\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	found := false
	for _, f := range rec.files("s1") {
		if f == target {
			found = true
		}
	}
	if !found {
		t.Errorf("files = %v, want %s", rec.files("s1"), target)
	}
}

func TestWorkspaceWatcher_Sync(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	w, err := NewWorkspaceWatcher(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Sync([]agent.Info{{Key: "s1", WorkingDir: a}, {Key: "s2", WorkingDir: b}})
	if got := w.Watched(); len(got) != 2 {
		t.Fatalf("watched = %v, want 2 roots", got)
	}

	w.Sync([]agent.Info{{Key: "s2", WorkingDir: b}})
	got := w.Watched()
	if len(got) != 1 || got[0] != filepath.Clean(b) {
		t.Errorf("watched = %v, want [%s]", got, b)
	}
}
