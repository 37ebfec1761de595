// Package anomaly watches agent sessions for stalls (no output for too long)
// and for repetitive tool usage. Signals are advisory: the monitor never
// terminates a session, callers decide what to do with them.
package anomaly

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignalType identifies an anomaly
type SignalType string

const (
	SignalHang        SignalType = "hang"
	SignalRepetition  SignalType = "repetition"
	SignalOscillation SignalType = "oscillation"
)

// Signal describes one detected anomaly
type Signal struct {
	Key     string // Session key the signal belongs to
	Type    SignalType
	Count   int      // Repetition: occurrences of the repeated action in the window
	Pattern []uint64 // Repetition: [action]; oscillation: [A, B]
	Silence time.Duration
	At      time.Time
}

// SignalFunc receives signals. It is called without the monitor lock held.
type SignalFunc func(Signal)

// Config tunes the detectors
type Config struct {
	HangThreshold       time.Duration
	CheckInterval       time.Duration
	HistoryCapacity     int // FIFO of recent action fingerprints
	RepetitionWindow    int // Most recent actions inspected for repetition
	RepetitionThreshold int // Occurrences within the window that count as repetition
	MinHistory          int // Loop detection starts once this many actions are recorded
}

// DefaultConfig returns the stock detector settings
func DefaultConfig() Config {
	return Config{
		HangThreshold:       5 * time.Minute,
		CheckInterval:       15 * time.Second,
		HistoryCapacity:     20,
		RepetitionWindow:    10,
		RepetitionThreshold: 3,
		MinHistory:          4,
	}
}

type sessionState struct {
	lastOutput   time.Time
	hangNotified bool
	paused       bool
	history      []uint64

	// Active violations, reported once when they begin
	repeating   map[uint64]bool
	oscillating [2]uint64
	inOscillate bool
}

// Monitor tracks output cadence and action history per session
type Monitor struct {
	cfg      Config
	onSignal SignalFunc
	logger   *zap.Logger
	now      func() time.Time

	sessions map[string]*sessionState
	mu       sync.Mutex
}

// New creates a Monitor. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, onSignal SignalFunc, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.HangThreshold <= 0 {
		cfg.HangThreshold = def.HangThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.RepetitionWindow <= 0 {
		cfg.RepetitionWindow = def.RepetitionWindow
	}
	if cfg.RepetitionThreshold <= 0 {
		cfg.RepetitionThreshold = def.RepetitionThreshold
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		onSignal: onSignal,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
}

// Track starts monitoring key. The silence clock starts now.
func (m *Monitor) Track(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return
	}
	m.sessions[key] = &sessionState{
		lastOutput: m.now(),
		repeating:  make(map[uint64]bool),
	}
}

// Untrack stops monitoring key and drops its history
func (m *Monitor) Untrack(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// Tracked reports whether key is being monitored
func (m *Monitor) Tracked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// SetPaused exempts a paused session from hang detection
func (m *Monitor) SetPaused(key string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.paused = paused
		if !paused {
			s.lastOutput = m.now()
			s.hangNotified = false
		}
	}
}

// RecordOutput marks activity for key, ending any silent period
func (m *Monitor) RecordOutput(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.lastOutput = m.now()
		s.hangNotified = false
	}
}

// LastOutput returns the time of the last recorded output for key
func (m *Monitor) LastOutput(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return time.Time{}, false
	}
	return s.lastOutput, true
}

// History returns a copy of the recorded fingerprints, oldest first
func (m *Monitor) History(key string) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	return append([]uint64(nil), s.history...)
}

// RecordAction appends an action fingerprint and runs loop detection. The
// returned signals have also been delivered to the SignalFunc.
func (m *Monitor) RecordAction(key string, fingerprint uint64) []Signal {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.history = append(s.history, fingerprint)
	if len(s.history) > m.cfg.HistoryCapacity {
		s.history = s.history[len(s.history)-m.cfg.HistoryCapacity:]
	}

	var signals []Signal
	if len(s.history) >= m.cfg.MinHistory {
		now := m.now()
		signals = append(signals, m.detectRepetition(key, s, now)...)
		if sig, ok := m.detectOscillation(key, s, now); ok {
			signals = append(signals, sig)
		}
	}
	m.mu.Unlock()

	m.deliver(signals)
	return signals
}

// detectRepetition reports an action the first time it reaches the threshold
// within the window. It is reported again only after it has dropped below the
// threshold. Caller holds m.mu.
func (m *Monitor) detectRepetition(key string, s *sessionState, now time.Time) []Signal {
	window := s.history
	if len(window) > m.cfg.RepetitionWindow {
		window = window[len(window)-m.cfg.RepetitionWindow:]
	}
	counts := make(map[uint64]int, len(window))
	for _, fp := range window {
		counts[fp]++
	}

	for fp := range s.repeating {
		if counts[fp] < m.cfg.RepetitionThreshold {
			delete(s.repeating, fp)
		}
	}

	var signals []Signal
	// Walk the window in order so multiple new violations report deterministically
	for _, fp := range window {
		if counts[fp] < m.cfg.RepetitionThreshold || s.repeating[fp] {
			continue
		}
		s.repeating[fp] = true
		signals = append(signals, Signal{
			Key:     key,
			Type:    SignalRepetition,
			Count:   counts[fp],
			Pattern: []uint64{fp},
			At:      now,
		})
	}
	return signals
}

// detectOscillation reports A,B,A,B in the last four actions once per
// uninterrupted alternation between the same two actions. Caller holds m.mu.
func (m *Monitor) detectOscillation(key string, s *sessionState, now time.Time) (Signal, bool) {
	n := len(s.history)
	last := s.history[n-4:]
	a, b := last[0], last[1]
	if a == b || last[2] != a || last[3] != b {
		s.inOscillate = false
		return Signal{}, false
	}

	if s.inOscillate && samePair(s.oscillating, a, b) {
		return Signal{}, false
	}
	s.inOscillate = true
	s.oscillating = [2]uint64{a, b}
	return Signal{
		Key:     key,
		Type:    SignalOscillation,
		Pattern: []uint64{a, b},
		At:      now,
	}, true
}

func samePair(pair [2]uint64, a, b uint64) bool {
	return (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a)
}

// CheckHangs emits a hang signal for every session silent for longer than the
// threshold, at most once per silent period.
func (m *Monitor) CheckHangs() []Signal {
	m.mu.Lock()
	now := m.now()
	var signals []Signal
	for key, s := range m.sessions {
		if s.paused || s.hangNotified {
			continue
		}
		silence := now.Sub(s.lastOutput)
		if silence <= m.cfg.HangThreshold {
			continue
		}
		s.hangNotified = true
		signals = append(signals, Signal{
			Key:     key,
			Type:    SignalHang,
			Silence: silence,
			At:      now,
		})
	}
	m.mu.Unlock()

	m.deliver(signals)
	return signals
}

// Run performs periodic hang checks until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHangs()
		}
	}
}

func (m *Monitor) deliver(signals []Signal) {
	for _, sig := range signals {
		m.logger.Warn("anomaly detected",
			zap.String("session", sig.Key),
			zap.String("type", string(sig.Type)),
			zap.Int("count", sig.Count),
			zap.Duration("silence", sig.Silence))
		if m.onSignal != nil {
			m.onSignal(sig)
		}
	}
}

// Fingerprint hashes a tool invocation into an action key. FNV-1a over the
// tool name and the canonical JSON of its input; collisions only produce a
// spurious advisory signal.
func Fingerprint(toolName string, input json.RawMessage) uint64 {
	h := fnv.New64a()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonicalJSON(input))
	return h.Sum64()
}

// canonicalJSON re-encodes input so that key order and whitespace do not
// change the fingerprint
func canonicalJSON(input json.RawMessage) []byte {
	if len(input) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(input, &v); err != nil {
		return input
	}
	out, err := json.Marshal(v)
	if err != nil {
		return input
	}
	return out
}
