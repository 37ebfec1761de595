// Package taskstore persists runs, cycles, tasks, agent sessions and the
// event stream in SQLite.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: writes are serialized and ":memory:" stays one database
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates the run row. Cycles are saved separately.
func (s *Store) SaveRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, plan_title, max_cycles, max_cost_usd, max_duration_ms, max_parallel, cost_usd, outcome, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost_usd = excluded.cost_usd,
			outcome = excluded.outcome,
			reason = excluded.reason,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.PlanTitle,
		run.Budget.MaxCycles,
		run.Budget.MaxCostUSD,
		run.Budget.MaxDuration.Milliseconds(),
		run.Budget.MaxParallel,
		run.CostUSD,
		string(run.Outcome),
		run.Reason,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// SaveCycle inserts or updates one cycle of a run
func (s *Store) SaveCycle(runID string, cycle *domain.Cycle) error {
	_, err := s.db.Exec(`
		INSERT INTO cycles (run_id, number, title, cost_usd, duration_ms, completion, tests_passed, merged, outcome, reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			completion = excluded.completion,
			tests_passed = excluded.tests_passed,
			merged = excluded.merged,
			outcome = excluded.outcome,
			reason = excluded.reason,
			completed_at = excluded.completed_at
	`,
		runID,
		cycle.Number,
		cycle.Title,
		cycle.CostUSD,
		cycle.Duration.Milliseconds(),
		cycle.Completion,
		cycle.TestsPassed,
		cycle.MergedCount(),
		string(cycle.Outcome),
		cycle.Reason,
		formatTime(cycle.StartedAt),
		formatTimePtr(cycle.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving cycle %d of run %s: %w", cycle.Number, runID, err)
	}
	return nil
}

// SaveTask inserts or updates a task within a run
func (s *Store) SaveTask(runID string, task *domain.Task) error {
	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return err
	}
	var review sql.NullString
	if task.Review != nil {
		b, err := json.Marshal(task.Review)
		if err != nil {
			return err
		}
		review = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (run_id, id, cycle, title, description, acceptance_criteria, parallel_group, status, reason,
			worktree_path, branch, session_id, cost_usd, tests_passed, tests_failed, review, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			cycle = excluded.cycle,
			status = excluded.status,
			reason = excluded.reason,
			worktree_path = excluded.worktree_path,
			branch = excluded.branch,
			session_id = excluded.session_id,
			cost_usd = excluded.cost_usd,
			tests_passed = excluded.tests_passed,
			tests_failed = excluded.tests_failed,
			review = excluded.review,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`,
		runID,
		task.ID,
		task.Cycle,
		task.Title,
		task.Description,
		string(criteria),
		task.ParallelGroup,
		string(task.Status),
		task.Reason,
		task.WorktreePath,
		task.Branch,
		task.SessionID,
		task.CostUSD,
		task.TestsPassed,
		task.TestsFailed,
		review,
		formatTimePtr(task.StartedAt),
		formatTimePtr(task.FinishedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTaskStatus updates the most recently written row of a task. Sessions
// only know the task id, not the run.
func (s *Store) UpdateTaskStatus(taskID string, status domain.TaskStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, reason = ?, updated_at = ?
		WHERE rowid = (SELECT rowid FROM tasks WHERE id = ? ORDER BY updated_at DESC, rowid DESC LIMIT 1)
	`, string(status), reason, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SaveSession inserts or updates an agent session snapshot
func (s *Store) SaveSession(info agent.Info) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (key, session_id, task_id, model, working_dir, pid, running, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, compactions, cost_usd, num_turns, exit_code, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			pid = excluded.pid,
			running = excluded.running,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			compactions = excluded.compactions,
			cost_usd = excluded.cost_usd,
			num_turns = excluded.num_turns,
			exit_code = excluded.exit_code,
			error = excluded.error,
			finished_at = excluded.finished_at
	`,
		info.Key,
		info.SessionID,
		info.TaskID,
		info.Model,
		info.WorkingDir,
		info.Pid,
		info.Running,
		info.Usage.InputTokens,
		info.Usage.OutputTokens,
		info.Usage.CacheReadTokens,
		info.Usage.CacheCreationTokens,
		info.Compactions,
		info.CostUSD,
		info.NumTurns,
		info.ExitCode,
		info.Error,
		formatTime(info.StartedAt),
		formatTimePtr(info.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", info.Key, err)
	}
	return nil
}

// RecordEvent appends an event to the journal
func (s *Store) RecordEvent(ev notify.Event) error {
	var data sql.NullString
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO events (name, run_id, task_id, session_key, data, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(ev.Name), ev.RunID, ev.TaskID, ev.SessionKey, data, formatTime(at))
	if err != nil {
		return fmt.Errorf("recording event %s: %w", ev.Name, err)
	}
	return nil
}

// ListRuns returns the most recent runs first, without their cycles
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	query := `SELECT id, plan_title, max_cycles, max_cost_usd, max_duration_ms, max_parallel, cost_usd, outcome, reason, started_at, finished_at
		FROM runs ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun retrieves a run with its cycles. Cycle results are not restored;
// use ListTasks for the per-task state.
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT id, plan_title, max_cycles, max_cost_usd, max_duration_ms, max_parallel, cost_usd, outcome, reason, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT number, title, cost_usd, duration_ms, completion, tests_passed, outcome, reason, started_at, completed_at
		FROM cycles WHERE run_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.Cycle
		var durationMS int64
		var outcome, reason, completed sql.NullString
		var started string
		if err := rows.Scan(&c.Number, &c.Title, &c.CostUSD, &durationMS, &c.Completion, &c.TestsPassed, &outcome, &reason, &started, &completed); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(durationMS) * time.Millisecond
		c.Outcome = domain.Outcome(outcome.String)
		c.Reason = reason.String
		c.StartedAt = parseTime(started)
		c.CompletedAt = parseTimePtr(completed)
		run.Cycles = append(run.Cycles, &c)
	}
	return run, rows.Err()
}

// LatestRun returns the most recently started run
func (s *Store) LatestRun() (*domain.Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs recorded: %w", ErrNotFound)
	}
	return s.GetRun(runs[0].ID)
}

// ListTasks returns the tasks of a run ordered by cycle and id
func (s *Store) ListTasks(runID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, cycle, title, description, acceptance_criteria, parallel_group, status, reason,
			worktree_path, branch, session_id, cost_usd, tests_passed, tests_failed, review, started_at, finished_at
		FROM tasks WHERE run_id = ? ORDER BY cycle, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListSessions returns recorded sessions, most recent first. An empty taskID
// matches every session.
func (s *Store) ListSessions(taskID string, limit int) ([]agent.Info, error) {
	query := `SELECT key, session_id, task_id, model, working_dir, pid, running, input_tokens, output_tokens,
		cache_read_tokens, cache_creation_tokens, compactions, cost_usd, num_turns, exit_code, error, started_at, finished_at
		FROM sessions`
	var args []interface{}
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []agent.Info
	for rows.Next() {
		var info agent.Info
		var sessionID, task, model, workDir, errMsg, finished sql.NullString
		var started string
		err := rows.Scan(&info.Key, &sessionID, &task, &model, &workDir, &info.Pid, &info.Running,
			&info.Usage.InputTokens, &info.Usage.OutputTokens, &info.Usage.CacheReadTokens, &info.Usage.CacheCreationTokens,
			&info.Compactions, &info.CostUSD, &info.NumTurns, &info.ExitCode, &errMsg, &started, &finished)
		if err != nil {
			return nil, err
		}
		info.SessionID = sessionID.String
		info.TaskID = task.String
		info.Model = model.String
		info.WorkingDir = workDir.String
		info.Error = errMsg.String
		info.StartedAt = parseTime(started)
		info.FinishedAt = parseTimePtr(finished)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// ListEvents returns the journal of a run in insertion order. limit keeps
// the newest entries.
func (s *Store) ListEvents(runID string, limit int) ([]notify.Event, error) {
	query := `SELECT name, run_id, task_id, session_key, data, at FROM events WHERE run_id = ? ORDER BY id DESC`
	args := []interface{}{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []notify.Event
	for rows.Next() {
		var ev notify.Event
		var name, at string
		var run, task, session, data sql.NullString
		if err := rows.Scan(&name, &run, &task, &session, &data, &at); err != nil {
			return nil, err
		}
		ev.Name = notify.EventName(name)
		ev.RunID = run.String
		ev.TaskID = task.String
		ev.SessionKey = session.String
		ev.At = parseTime(at)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var durationMS int64
	var outcome, reason, finished sql.NullString
	var started string

	err := row.Scan(&run.ID, &run.PlanTitle, &run.Budget.MaxCycles, &run.Budget.MaxCostUSD, &durationMS,
		&run.Budget.MaxParallel, &run.CostUSD, &outcome, &reason, &started, &finished)
	if err != nil {
		return nil, err
	}

	run.Budget.MaxDuration = time.Duration(durationMS) * time.Millisecond
	run.Outcome = domain.Outcome(outcome.String)
	run.Reason = reason.String
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTimePtr(finished)
	return &run, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var status string
	var description, criteria, group, reason, worktree, branch, sessionID, review, started, finished sql.NullString

	err := row.Scan(&task.ID, &task.Cycle, &task.Title, &description, &criteria, &group, &status, &reason,
		&worktree, &branch, &sessionID, &task.CostUSD, &task.TestsPassed, &task.TestsFailed, &review, &started, &finished)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Description = description.String
	task.ParallelGroup = group.String
	task.Reason = reason.String
	task.WorktreePath = worktree.String
	task.Branch = branch.String
	task.SessionID = sessionID.String
	task.StartedAt = parseTimePtr(started)
	task.FinishedAt = parseTimePtr(finished)

	if criteria.String != "" && criteria.String != "null" {
		if err := json.Unmarshal([]byte(criteria.String), &task.AcceptanceCriteria); err != nil {
			return nil, err
		}
	}
	if review.Valid && review.String != "" {
		var d domain.ReviewDecision
		if err := json.Unmarshal([]byte(review.String), &d); err != nil {
			return nil, err
		}
		task.Review = &d
	}
	return &task, nil
}

// Fixed-width UTC timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
