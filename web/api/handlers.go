package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/observer"
	"github.com/hochfrequenz/claude-cycle-runner/internal/taskstore"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Cycle              int                    `json:"cycle"`
	ParallelGroup      string                 `json:"parallel_group,omitempty"`
	Status             string                 `json:"status"`
	Reason             string                 `json:"reason,omitempty"`
	AcceptanceCriteria []string               `json:"acceptance_criteria,omitempty"`
	Branch             string                 `json:"branch,omitempty"`
	WorktreePath       string                 `json:"worktree_path,omitempty"`
	SessionID          string                 `json:"session_id,omitempty"`
	CostUSD            float64                `json:"cost_usd"`
	TestsPassed        int                    `json:"tests_passed"`
	TestsFailed        int                    `json:"tests_failed"`
	Review             *domain.ReviewDecision `json:"review,omitempty"`
	Duration           string                 `json:"duration,omitempty"`
}

// CycleResponse is the API response for a cycle
type CycleResponse struct {
	Number      int     `json:"number"`
	Title       string  `json:"title,omitempty"`
	CostUSD     float64 `json:"cost_usd"`
	Duration    string  `json:"duration"`
	Completion  float64 `json:"completion"`
	TestsPassed bool    `json:"tests_passed"`
	Merged      int     `json:"merged"`
	Tasks       int     `json:"tasks"`
	Outcome     string  `json:"outcome,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// RunResponse is the API response for a run
type RunResponse struct {
	ID        string          `json:"id"`
	PlanTitle string          `json:"plan_title"`
	Live      bool            `json:"live"`
	CostUSD   float64         `json:"cost_usd"`
	Elapsed   string          `json:"elapsed"`
	Outcome   string          `json:"outcome,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	StartedAt string          `json:"started_at"`
	Budget    BudgetResponse  `json:"budget"`
	Cycles    []CycleResponse `json:"cycles,omitempty"`
	Tasks     []TaskResponse  `json:"tasks,omitempty"`
}

// BudgetResponse is the API response for a run budget
type BudgetResponse struct {
	MaxCycles   int     `json:"max_cycles"`
	MaxCostUSD  float64 `json:"max_cost_usd"`
	MaxDuration string  `json:"max_duration"`
	MaxParallel int     `json:"max_parallel"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Run            *RunResponse     `json:"run,omitempty"`
	ActiveSessions int              `json:"active_sessions"`
	Metrics        observer.Metrics `json:"metrics"`
	DroppedEvents  uint64           `json:"dropped_events"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                 t.ID,
		Title:              t.Title,
		Cycle:              t.Cycle,
		ParallelGroup:      t.ParallelGroup,
		Status:             string(t.Status),
		Reason:             t.Reason,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Branch:             t.Branch,
		WorktreePath:       t.WorktreePath,
		SessionID:          t.SessionID,
		CostUSD:            t.CostUSD,
		TestsPassed:        t.TestsPassed,
		TestsFailed:        t.TestsFailed,
		Review:             t.Review,
	}
	if d := t.Duration(); d > 0 {
		resp.Duration = d.Round(time.Second).String()
	}
	return resp
}

func runToResponse(r *domain.Run, live bool) *RunResponse {
	resp := &RunResponse{
		ID:        r.ID,
		PlanTitle: r.PlanTitle,
		Live:      live,
		CostUSD:   r.CostUSD,
		Elapsed:   r.Elapsed().Round(time.Second).String(),
		Outcome:   string(r.Outcome),
		Reason:    r.Reason,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Budget: BudgetResponse{
			MaxCycles:   r.Budget.MaxCycles,
			MaxCostUSD:  r.Budget.MaxCostUSD,
			MaxDuration: r.Budget.MaxDuration.String(),
			MaxParallel: r.Budget.MaxParallel,
		},
	}
	for _, c := range r.Cycles {
		resp.Cycles = append(resp.Cycles, CycleResponse{
			Number:      c.Number,
			Title:       c.Title,
			CostUSD:     c.CostUSD,
			Duration:    c.Duration.Round(time.Second).String(),
			Completion:  c.Completion,
			TestsPassed: c.TestsPassed,
			Merged:      c.MergedCount(),
			Tasks:       len(c.Results),
			Outcome:     string(c.Outcome),
			Reason:      c.Reason,
		})
	}
	return resp
}

// currentRun prefers the live controller snapshot over the database
func (s *Server) currentRun() (*RunResponse, error) {
	if s.deps.Controller != nil {
		if run := s.deps.Controller.Snapshot(); run != nil {
			return runToResponse(run, true), nil
		}
	}
	if s.deps.Store == nil {
		return nil, nil
	}
	run, err := s.deps.Store.LatestRun()
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return runToResponse(run, false), nil
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.currentRun()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{Run: run}
		if s.deps.Sessions != nil {
			status.ActiveSessions = len(s.deps.Sessions.Active())
		}
		if s.deps.Metrics != nil {
			status.Metrics = s.deps.Metrics.GetMetrics()
		}
		if s.deps.Events != nil {
			status.DroppedEvents = s.deps.Events.Dropped()
		}
		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Store == nil {
			writeJSON(w, []RunResponse{})
			return
		}
		runs, err := s.deps.Store.ListRuns(queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, *runToResponse(run, false))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "run store not available")
			return
		}
		id := r.PathValue("id")
		run, err := s.deps.Store.GetRun(id)
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		tasks, err := s.deps.Store.ListTasks(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := runToResponse(run, false)
		for _, t := range tasks {
			resp.Tasks = append(resp.Tasks, taskToResponse(t))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) runEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "run store not available")
			return
		}
		events, err := s.deps.Store.ListEvents(r.PathValue("id"), queryInt(r, "limit", 200))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, events)
	}
}

func (s *Server) stopRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Controller == nil || s.deps.Controller.Snapshot() == nil {
			writeError(w, http.StatusConflict, "no run in progress")
			return
		}
		s.deps.Controller.Stop()
		writeJSON(w, map[string]string{"status": "stopping"})
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := []agent.Info{}
		switch {
		case s.deps.Sessions != nil:
			sessions = append(sessions, s.deps.Sessions.Active()...)
			if r.URL.Query().Get("all") != "" {
				sessions = append(sessions, s.deps.Sessions.Archived()...)
			}
		case s.deps.Store != nil:
			stored, err := s.deps.Store.ListSessions(r.URL.Query().Get("task"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			sessions = append(sessions, stored...)
		}
		writeJSON(w, sessions)
	}
}

func (s *Server) stopSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "session registry not available")
			return
		}
		key := r.PathValue("key")
		sess, ok := s.deps.Sessions.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		sess.Stop()
		s.logger.Info("session stopped via api", zap.String("session", key))
		writeJSON(w, map[string]string{"status": "stopped", "key": key})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
