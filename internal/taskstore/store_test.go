package taskstore

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(id string, started time.Time) *domain.Run {
	return &domain.Run{
		ID:        id,
		PlanTitle: "Billing",
		Budget: domain.RunBudget{
			MaxCycles:   3,
			MaxCostUSD:  5,
			MaxDuration: 2 * time.Hour,
			MaxParallel: 2,
		},
		StartedAt: started,
	}
}

func TestStore_SaveAndGetRun(t *testing.T) {
	store := newStore(t)
	started := time.Now().Add(-time.Hour)
	run := sampleRun("run-1", started)

	if err := store.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	cycle := &domain.Cycle{
		Number:      1,
		Title:       "Foundations",
		CostUSD:     0.75,
		Duration:    90 * time.Second,
		Completion:  66.5,
		TestsPassed: true,
		Outcome:     domain.OutcomePartial,
		Reason:      "1 task blocked",
		StartedAt:   started,
		Results: []domain.TaskResult{
			{Task: &domain.Task{ID: "a", Status: domain.TaskMerged}},
			{Task: &domain.Task{ID: "b", Status: domain.TaskBlocked}},
		},
	}
	completed := started.Add(90 * time.Second)
	cycle.CompletedAt = &completed
	if err := store.SaveCycle(run.ID, cycle); err != nil {
		t.Fatal(err)
	}

	finished := started.Add(time.Hour)
	run.CostUSD = 0.75
	run.Outcome = domain.OutcomePartial
	run.Reason = "plan exhausted"
	run.FinishedAt = &finished
	if err := store.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PlanTitle != "Billing" || got.Outcome != domain.OutcomePartial || got.Reason != "plan exhausted" {
		t.Errorf("run = %+v", got)
	}
	if got.Budget.MaxDuration != 2*time.Hour || got.Budget.MaxParallel != 2 || got.Budget.MaxCostUSD != 5 {
		t.Errorf("budget = %+v", got.Budget)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if len(got.Cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(got.Cycles))
	}
	c := got.Cycles[0]
	if c.Title != "Foundations" || c.Completion != 66.5 || !c.TestsPassed || c.Duration != 90*time.Second {
		t.Errorf("cycle = %+v", c)
	}
	if c.CompletedAt == nil || !c.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v", c.CompletedAt)
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.LatestRun(); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestRun err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	store := newStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.SaveRun(sampleRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("runs = %v", runIDs(runs))
	}

	latest, err := store.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "new" {
		t.Errorf("latest = %s, want new", latest.ID)
	}
}

func runIDs(runs []*domain.Run) []string {
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestStore_SaveTaskRoundTrip(t *testing.T) {
	store := newStore(t)
	if err := store.SaveRun(sampleRun("run-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	started := time.Now().Add(-time.Minute)
	task := &domain.Task{
		ID:                 "invoice-pdf",
		Title:              "Render invoices",
		Description:        "PDF export",
		AcceptanceCriteria: []string{"renders totals", "has logo"},
		ParallelGroup:      "docs",
		Cycle:              1,
		Status:             domain.TaskPending,
	}
	if err := store.SaveTask("run-1", task); err != nil {
		t.Fatal(err)
	}

	task.Status = domain.TaskBlocked
	task.Reason = "review: needs_changes: missing logo"
	task.WorktreePath = "/tmp/wt/invoice-pdf"
	task.Branch = "cycle/invoice-pdf"
	task.SessionID = "sess-1"
	task.CostUSD = 0.42
	task.TestsPassed = 12
	task.TestsFailed = 1
	task.StartedAt = &started
	task.Review = &domain.ReviewDecision{
		Decision:      domain.DecisionNeedsChanges,
		Justification: "missing logo",
		Confidence:    0.7,
	}
	if err := store.SaveTask("run-1", task); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.ListTasks("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.Status != domain.TaskBlocked || got.Reason != task.Reason {
		t.Errorf("status = %s %q", got.Status, got.Reason)
	}
	if len(got.AcceptanceCriteria) != 2 || got.AcceptanceCriteria[1] != "has logo" {
		t.Errorf("criteria = %v", got.AcceptanceCriteria)
	}
	if got.Review == nil || got.Review.Decision != domain.DecisionNeedsChanges || got.Review.Confidence != 0.7 {
		t.Errorf("review = %+v", got.Review)
	}
	if got.TestsPassed != 12 || got.TestsFailed != 1 || got.CostUSD != 0.42 {
		t.Errorf("counters = %d/%d $%.2f", got.TestsPassed, got.TestsFailed, got.CostUSD)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) || got.FinishedAt != nil {
		t.Errorf("times = %v %v", got.StartedAt, got.FinishedAt)
	}
	if got.ParallelGroup != "docs" || got.Branch != "cycle/invoice-pdf" || got.SessionID != "sess-1" {
		t.Errorf("task = %+v", got)
	}
}

func TestStore_UpdateTaskStatusLatestRow(t *testing.T) {
	store := newStore(t)
	for _, id := range []string{"run-1", "run-2"} {
		if err := store.SaveRun(sampleRun(id, time.Now())); err != nil {
			t.Fatal(err)
		}
		if err := store.SaveTask(id, &domain.Task{ID: "a", Title: "A", Cycle: 1, Status: domain.TaskRunning}); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.UpdateTaskStatus("a", domain.TaskAwaitingReview, ""); err != nil {
		t.Fatal(err)
	}

	first, _ := store.ListTasks("run-1")
	second, _ := store.ListTasks("run-2")
	if first[0].Status != domain.TaskRunning {
		t.Errorf("run-1 status = %s, want running", first[0].Status)
	}
	if second[0].Status != domain.TaskAwaitingReview {
		t.Errorf("run-2 status = %s, want awaiting_review", second[0].Status)
	}

	if err := store.UpdateTaskStatus("missing", domain.TaskBlocked, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_SessionsAndEvents(t *testing.T) {
	store := newStore(t)
	started := time.Now().Add(-time.Minute)
	info := agent.Info{
		Key:        "k1",
		TaskID:     "a",
		Model:      "sonnet",
		WorkingDir: "/tmp/wt/a",
		Running:    true,
		StartedAt:  started,
	}
	if err := store.SaveSession(info); err != nil {
		t.Fatal(err)
	}

	finished := time.Now()
	info.SessionID = "sess-1"
	info.Running = false
	info.Usage = domain.TokenUsage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 5}
	info.Compactions = 1
	info.CostUSD = 0.3
	info.ExitCode = 1
	info.Error = "exit status 1"
	info.FinishedAt = &finished
	if err := store.SaveSession(info); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSession(agent.Info{Key: "k2", TaskID: "b", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.ListSessions("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.SessionID != "sess-1" || got.Running || got.Usage.Total() != 125 || got.Compactions != 1 {
		t.Errorf("session = %+v", got)
	}
	if got.ExitCode != 1 || got.Error != "exit status 1" || got.FinishedAt == nil {
		t.Errorf("exit = %d %q %v", got.ExitCode, got.Error, got.FinishedAt)
	}

	all, err := store.ListSessions("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Key != "k2" {
		t.Errorf("all sessions = %+v", all)
	}

	for i, name := range []notify.EventName{notify.EventCycleStarted, notify.EventTaskMerged, notify.EventRunCompleted} {
		ev := notify.Event{Name: name, RunID: "run-1", At: started.Add(time.Duration(i) * time.Second)}
		if name == notify.EventRunCompleted {
			ev.Data = map[string]any{"outcome": "success"}
		}
		if err := store.RecordEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordEvent(notify.Event{Name: notify.EventHang, RunID: "run-2"}); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListEvents("run-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Name != notify.EventTaskMerged || events[1].Name != notify.EventRunCompleted {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Data["outcome"] != "success" {
		t.Errorf("data = %v", events[1].Data)
	}
}

func TestWriter_DrainsOnClose(t *testing.T) {
	store := newStore(t)
	w := NewWriter(store, 64, nil)

	run := sampleRun("run-1", time.Now())
	w.SaveRun(run)
	task := &domain.Task{ID: "a", Title: "A", Cycle: 1, Status: domain.TaskRunning}
	for i := 0; i < 20; i++ {
		w.SaveTask(run.ID, task)
	}
	w.UpdateTaskStatus("a", domain.TaskAwaitingReview, "")
	w.Emit(notify.Event{Name: notify.EventCycleStarted, RunID: run.ID})

	// Mutations after queuing do not leak into the snapshot
	run.Outcome = domain.OutcomeFailed
	task.Status = domain.TaskBlocked

	w.Close()

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "" {
		t.Errorf("outcome = %q, want empty", got.Outcome)
	}
	tasks, err := store.ListTasks("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Status != domain.TaskAwaitingReview {
		t.Errorf("tasks = %+v", tasks)
	}
	events, err := store.ListEvents("run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}

	// Writes after Close still land
	w.UpdateTaskStatus("a", domain.TaskMerged, "")
	tasks, _ = store.ListTasks("run-1")
	if tasks[0].Status != domain.TaskMerged {
		t.Errorf("status after close = %s", tasks[0].Status)
	}
}

func TestWriter_FullQueueNeverBlocksEvents(t *testing.T) {
	store := newStore(t)
	w := NewWriter(store, 1, nil)

	// Stall the write loop and fill the one queue slot
	started, release := make(chan struct{}), make(chan struct{})
	w.enqueue(dbOp{name: "stall", exec: func(*Store) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	w.enqueue(dbOp{name: "filler", exec: func(*Store) error { return nil }})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 50; i++ {
			w.Emit(notify.Event{Name: notify.EventTokenUsage, RunID: "run-1"})
		}
		w.SaveSession(agent.Info{Key: "live", TaskID: "a", Running: true, StartedAt: time.Now()})
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
	if got := w.Dropped(); got != 51 {
		t.Errorf("dropped = %d, want 51", got)
	}

	// Transitions still land, written inline
	run := sampleRun("run-1", time.Now())
	w.SaveRun(run)
	if _, err := store.GetRun("run-1"); err != nil {
		t.Errorf("run not written synchronously: %v", err)
	}
	w.SaveSession(agent.Info{Key: "done", TaskID: "a", ExitCode: 0, StartedAt: time.Now()})

	close(release)
	w.Close()

	events, err := store.ListEvents("run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want none journaled", len(events))
	}
	sessions, err := store.ListSessions("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Key != "done" {
		t.Errorf("sessions = %+v, want only the finished one", sessions)
	}
}
