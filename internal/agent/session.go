package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/anomaly"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/protocol"
)

// LogFileName is the transcript each session appends to in its working dir
const LogFileName = ".claude-agent.log"

const (
	stderrTailLines = 50
	maxLineBytes    = 4 * 1024 * 1024
	maxToolError    = 300
)

// Info is a point-in-time copy of a session's state
type Info struct {
	Key         string            `json:"key"`
	SessionID   string            `json:"session_id,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	WorkingDir  string            `json:"working_dir"`
	Pid         int               `json:"pid,omitempty"`
	Running     bool              `json:"running"`
	Paused      bool              `json:"paused"`
	Stopped     bool              `json:"stopped"`
	Usage       domain.TokenUsage `json:"usage"`
	Compactions int               `json:"compactions"`
	ToolErrors  int               `json:"tool_errors,omitempty"`
	Files       []string          `json:"files,omitempty"` // Paths touched, relative to WorkingDir
	CostUSD     float64           `json:"cost_usd"`
	NumTurns    int               `json:"num_turns"`
	ExitCode    int               `json:"exit_code"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	LastOutput  time.Time         `json:"last_output"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Session supervises one agent subprocess and turns its output into state
type Session struct {
	Key        string
	TaskID     string
	WorkingDir string
	StartedAt  time.Time

	reg    *Registry
	proc   Process
	logger *zap.Logger
	done   chan struct{}

	mu          sync.Mutex
	model       string
	sessionID   string
	ledger      *Ledger
	paused      bool
	stopped     bool
	running     bool
	lastOutput  time.Time
	lastText    string
	result      *protocol.ResultSummary
	passthrough int
	toolErrors  int
	stderrTail  []string
	exitCode    int
	err         error
	finishedAt  time.Time
	logFile     *os.File
}

func newSession(reg *Registry, key, taskID, workingDir, model string, proc Process) *Session {
	now := time.Now()
	s := &Session{
		Key:        key,
		TaskID:     taskID,
		WorkingDir: workingDir,
		StartedAt:  now,
		reg:        reg,
		proc:       proc,
		logger:     reg.logger.With(zap.String("session", key), zap.String("task", taskID)),
		done:       make(chan struct{}),
		model:      model,
		ledger:     NewLedger(reg.limits.CompactionRatio),
		running:    true,
		lastOutput: now,
	}
	if workingDir != "" {
		f, err := os.OpenFile(filepath.Join(workingDir, LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			s.logger.Warn("opening agent log", zap.Error(err))
		} else {
			s.logFile = f
		}
	}
	return s
}

// run consumes the process output until EOF, then finalizes the session
func (s *Session) run() {
	lines := protocol.NewLineBuffer(maxLineBytes)
	errLines := protocol.NewLineBuffer(maxLineBytes)

	for chunk := range s.proc.Chunks() {
		if chunk.Stderr {
			for _, line := range errLines.Write(chunk.Data) {
				s.handleStderr(line)
			}
			continue
		}
		for _, line := range lines.Write(chunk.Data) {
			s.handleLine(line)
		}
	}
	if line, ok := lines.Flush(); ok {
		s.handleLine(line)
	}
	if line, ok := errLines.Flush(); ok {
		s.handleStderr(line)
	}

	code, err := s.proc.Wait()
	s.finish(code, err)
}

func (s *Session) handleStderr(line string) {
	s.reg.monitor.RecordOutput(s.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderrTail = append(s.stderrTail, line)
	if len(s.stderrTail) > stderrTailLines {
		s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailLines:]
	}
	s.writeLog("[stderr] " + line)
}

// handleLine applies one stdout line to the session state
func (s *Session) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	ev := protocol.ParseLine(line)
	s.reg.monitor.RecordOutput(s.Key)

	var emit []notify.Event
	assigned := false
	s.mu.Lock()
	s.writeLog(line)
	s.lastOutput = time.Now()

	if ev.Type == protocol.EventPassthrough {
		s.passthrough++
		s.mu.Unlock()
		return
	}

	if ev.SessionID != "" && s.sessionID == "" {
		s.sessionID = ev.SessionID
		assigned = true
		emit = append(emit, s.event(notify.EventSessionIDAssigned, map[string]any{"session_id": ev.SessionID}))
	}
	if ev.Model != "" && s.model == "" {
		s.model = ev.Model
	}

	if ev.Type == protocol.EventAssistant {
		if ev.Usage != nil {
			var msgID string
			if ev.Message != nil {
				msgID = ev.Message.ID
			}
			prev := s.ledger.Usage().InputTokens
			applied, compacted := s.ledger.Apply(msgID, *ev.Usage)
			if applied {
				u := s.ledger.Usage()
				emit = append(emit, s.event(notify.EventTokenUsage, map[string]any{
					"input_tokens":  u.InputTokens,
					"output_tokens": u.OutputTokens,
					"total_tokens":  u.Total(),
				}))
			}
			if compacted {
				emit = append(emit, s.event(notify.EventCompaction, map[string]any{
					"previous_input": prev,
					"input_tokens":   ev.Usage.InputTokens,
					"compactions":    s.ledger.Compactions(),
				}))
			}
		}
		if text := ev.Text(); text != "" {
			s.lastText = text
		}
	}

	if ev.Type == protocol.EventResult && ev.Result != nil {
		s.result = ev.Result
		if ev.Result.Text != "" {
			s.lastText = ev.Result.Text
		}
	}
	s.mu.Unlock()

	for _, use := range ev.ToolUses() {
		emit = append(emit, s.recordToolUse(use)...)
	}
	for _, res := range ev.ToolResults() {
		if res.IsError {
			emit = append(emit, s.recordToolError(res))
		}
	}

	for _, e := range emit {
		s.reg.sink.Emit(e)
	}
	if assigned {
		s.reg.persist(s.Info())
	}
}

// recordToolUse forwards a tool invocation to the anomaly monitor and, for
// file tools, to the conflict tracker
func (s *Session) recordToolUse(use protocol.ContentBlock) []notify.Event {
	s.reg.monitor.RecordAction(s.Key, anomaly.Fingerprint(use.Name, use.Input))

	access, ok := ToolAccess(use.Name)
	if !ok {
		return nil
	}
	path := NormalizePath(s.WorkingDir, ToolPath(use.Input))
	if path == "" {
		return nil
	}

	var events []notify.Event
	for _, c := range s.reg.tracker.Record(s.Key, path, access) {
		s.logger.Warn("file conflict",
			zap.String("path", c.Path),
			zap.String("other", c.SessionA))
		events = append(events, s.event(notify.EventConflict, map[string]any{
			"path":      c.Path,
			"session_a": c.SessionA,
			"access_a":  string(c.AccessA),
			"session_b": c.SessionB,
			"access_b":  string(c.AccessB),
		}))
	}
	return events
}

// recordToolError counts a failed tool call. The agent sees the error and
// usually recovers, so it is only logged at debug level.
func (s *Session) recordToolError(res protocol.ContentBlock) notify.Event {
	text := strings.TrimSpace(res.ToolResultText())
	if len(text) > maxToolError {
		text = strings.ToValidUTF8(text[:maxToolError], "") + "..."
	}
	s.mu.Lock()
	s.toolErrors++
	s.mu.Unlock()

	s.logger.Debug("tool call failed", zap.String("tool_use_id", res.ToolUseID), zap.String("error", text))
	return s.event(notify.EventToolError, map[string]any{
		"tool_use_id": res.ToolUseID,
		"error":       text,
	})
}

// event builds a notify.Event for this session. Caller may hold s.mu.
func (s *Session) event(name notify.EventName, data map[string]any) notify.Event {
	return notify.Event{
		Name:       name,
		TaskID:     s.TaskID,
		SessionKey: s.Key,
		Data:       data,
		At:         time.Now(),
	}
}

// writeLog appends to the transcript. Caller holds s.mu.
func (s *Session) writeLog(line string) {
	if s.logFile != nil {
		s.logFile.WriteString(line + "\n")
	}
}

func (s *Session) finish(code int, err error) {
	s.mu.Lock()
	s.running = false
	s.exitCode = code
	s.finishedAt = time.Now()
	if err != nil {
		if extracted := s.extractError(); extracted != "" {
			s.err = fmt.Errorf("%w: %s", err, extracted)
		} else {
			s.err = err
		}
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	s.mu.Unlock()

	s.reg.finalize(s)
	close(s.done)
}

// extractError scans recent output for an error message from the agent.
// Caller holds s.mu.
func (s *Session) extractError() string {
	if s.result != nil && s.result.IsError && s.result.Text != "" {
		return s.result.Text
	}
	for i := len(s.stderrTail) - 1; i >= 0; i-- {
		line := strings.TrimSpace(s.stderrTail[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var errLine struct {
				Type  string `json:"type"`
				Error string `json:"error"`
			}
			if json.Unmarshal([]byte(line), &errLine) == nil && errLine.Type == "error" && errLine.Error != "" {
				return errLine.Error
			}
			continue
		}
		return line
	}
	return ""
}

// Done is closed after the subprocess has exited and the session is archived
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait polls for exit until the session ends or ctx is done. It does not
// stop the session.
func (s *Session) Wait(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop forcibly terminates the subprocess
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.proc.Kill()
}

// Pause marks the session as intentionally idle; paused sessions are exempt
// from hang detection
func (s *Session) Pause() {
	s.setPaused(true)
}

// Resume clears the paused flag and restarts the silence clock
func (s *Session) Resume() {
	s.setPaused(false)
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.reg.monitor.SetPaused(s.Key, paused)
}

// SessionID returns the agent-assigned session id, empty until announced
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Usage returns the token counters
func (s *Session) Usage() domain.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Usage()
}

// Compactions returns how many context compactions were detected
func (s *Session) Compactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Compactions()
}

// LastText returns the most recent assistant text
func (s *Session) LastText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText
}

// Result returns the terminal summary, nil if none was received
func (s *Session) Result() *protocol.ResultSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// CostUSD returns the cost reported by the terminal summary
func (s *Session) CostUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return 0
	}
	return s.result.CostUSD
}

// ExitCode returns the exit code once the session is done
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Err returns the exit error, with any message extracted from the output
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Succeeded reports a clean completion: exit code 0 and a terminal result
func (s *Session) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && !s.stopped && s.exitCode == 0 && s.err == nil && s.result != nil && !s.result.IsError
}

// Elapsed returns the wall-clock time the subprocess ran (so far)
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return time.Since(s.StartedAt)
	}
	return s.finishedAt.Sub(s.StartedAt)
}

// StderrTail returns the most recent stderr lines
func (s *Session) StderrTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stderrTail...)
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Key:         s.Key,
		SessionID:   s.sessionID,
		TaskID:      s.TaskID,
		Model:       s.model,
		WorkingDir:  s.WorkingDir,
		Pid:         s.proc.Pid(),
		Running:     s.running,
		Paused:      s.paused,
		Stopped:     s.stopped,
		Usage:       s.ledger.Usage(),
		Compactions: s.ledger.Compactions(),
		ToolErrors:  s.toolErrors,
		Files:       s.reg.tracker.Paths(s.Key),
		ExitCode:    s.exitCode,
		StartedAt:   s.StartedAt,
		LastOutput:  s.lastOutput,
	}
	if s.result != nil {
		info.CostUSD = s.result.CostUSD
		info.NumTurns = s.result.NumTurns
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	if !s.running {
		finished := s.finishedAt
		info.FinishedAt = &finished
	}
	return info
}
