package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/anomaly"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

// recordingSink collects emitted events
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Emit(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) named(name notify.EventName) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type taskUpdate struct {
	taskID string
	status domain.TaskStatus
}

type fakeStore struct {
	mu       sync.Mutex
	sessions []Info
	tasks    []taskUpdate
}

func (f *fakeStore) SaveSession(info Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, info)
	return nil
}

func (f *fakeStore) UpdateTaskStatus(taskID string, status domain.TaskStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskUpdate{taskID, status})
	return nil
}

func (f *fakeStore) taskUpdates() []taskUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]taskUpdate(nil), f.tasks...)
}

// fakeProcess is a Process driven by the test
type fakeProcess struct {
	chunks chan Chunk
	once   sync.Once
	code   int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{chunks: make(chan Chunk)}
}

func (p *fakeProcess) Chunks() <-chan Chunk { return p.chunks }
func (p *fakeProcess) Pid() int             { return 4242 }
func (p *fakeProcess) Kill()                { p.exit(-1) }

func (p *fakeProcess) Wait() (int, error) {
	if p.code != 0 {
		return p.code, fmt.Errorf("exit status %d", p.code)
	}
	return 0, nil
}

func (p *fakeProcess) write(s string) {
	p.chunks <- Chunk{Data: []byte(s)}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.chunks)
	})
}

func newTestRegistry(t *testing.T, limits Limits) (*Registry, *recordingSink, *fakeStore) {
	t.Helper()
	sink := &recordingSink{}
	store := &fakeStore{}
	if limits.MaxActive == 0 {
		limits.MaxActive = 4
	}
	return NewRegistry(limits, anomaly.DefaultConfig(), sink, store, nil), sink, store
}

// startFake registers a session backed by a fakeProcess
func startFake(t *testing.T, reg *Registry, key, taskID, dir string) (*Session, *fakeProcess) {
	t.Helper()
	if err := reg.reserve(); err != nil {
		t.Fatal(err)
	}
	p := newFakeProcess()
	s := newSession(reg, key, taskID, dir, "", p)
	reg.register(s)
	go s.run()
	return s, p
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", s.Key)
	}
}

// writeScript writes an executable shell script standing in for the agent
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}
