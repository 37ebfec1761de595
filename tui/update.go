package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.refresh(time.Now())
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			m.selectedRow = 0
		case "1":
			m.activeTab = tabRun
		case "2":
			m.activeTab = tabSessions
		case "3":
			m.activeTab = tabEvents
		case "j", "down":
			switch m.activeTab {
			case tabSessions:
				if m.selectedRow < len(m.sessions)-1 {
					m.selectedRow++
				}
			case tabEvents:
				if m.logScroll > 0 {
					m.logScroll--
				}
			}
		case "k", "up":
			switch m.activeTab {
			case tabSessions:
				if m.selectedRow > 0 {
					m.selectedRow--
				}
			case tabEvents:
				if m.logScroll < len(m.log)-1 {
					m.logScroll++
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh(time.Time(msg))
		return m, tickCmd(m.interval)

	case EventMsg:
		m.appendEvent(notify.Event(msg))
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.events = nil
	}

	return m, nil
}
