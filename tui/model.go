// Package tui renders a live terminal dashboard of a run
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/observer"
)

const (
	tabRun = iota
	tabSessions
	tabEvents
	tabCount
)

// maxEvents bounds the in-memory event log
const maxEvents = 200

// Source provides the data the dashboard polls
type Source interface {
	Snapshot() *domain.Run
	Sessions() []agent.Info
	Metrics() observer.Metrics
}

// Model is the TUI application model
type Model struct {
	source   Source
	events   <-chan notify.Event
	interval time.Duration

	// Data
	run      *domain.Run
	sessions []agent.Info
	metrics  observer.Metrics
	log      []notify.Event

	maxActive int

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	logScroll   int
	quitting    bool

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds the data sources for the TUI model
type ModelConfig struct {
	Source    Source
	Events    <-chan notify.Event // Optional live event feed
	MaxActive int
	Refresh   time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Second
	}
	m := Model{
		source:    cfg.Source,
		events:    cfg.Events,
		interval:  cfg.Refresh,
		maxActive: cfg.MaxActive,
	}
	m.refresh(time.Now())
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(m.interval),
		waitForEvent(m.events),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// EventMsg carries one live event
type EventMsg notify.Event

// eventsClosedMsg reports that the event feed ended
type eventsClosedMsg struct{}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEvent(ch <-chan notify.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg(ev)
	}
}

// refresh pulls a fresh snapshot from the source
func (m *Model) refresh(now time.Time) {
	m.lastRefresh = now
	if m.source == nil {
		return
	}
	m.run = m.source.Snapshot()
	m.sessions = m.source.Sessions()
	m.metrics = m.source.Metrics()
	if m.selectedRow >= len(m.sessions) {
		m.selectedRow = max(0, len(m.sessions)-1)
	}
}

// appendEvent adds ev to the log, dropping the oldest beyond maxEvents
func (m *Model) appendEvent(ev notify.Event) {
	m.log = append(m.log, ev)
	if len(m.log) > maxEvents {
		m.log = m.log[len(m.log)-maxEvents:]
	}
}
