package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))
)

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRun:
		section = m.renderRun()
	case tabSessions:
		section = m.renderSessions()
	case tabEvents:
		section = m.renderEvents()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	help := fmt.Sprintf(" tab: switch │ j/k: move │ r: refresh │ q: quit │ refreshed %s ", m.lastRefresh.Format("15:04:05"))
	b.WriteString(statusBarStyle.Width(m.width).Render(help))

	return b.String()
}

func (m Model) header() string {
	active := 0
	for _, s := range m.sessions {
		if s.Running {
			active++
		}
	}
	limit := "∞"
	if m.maxActive > 0 {
		limit = fmt.Sprintf("%d", m.maxActive)
	}

	if m.run == nil {
		return fmt.Sprintf(" Claude Cycle Runner │ idle │ Sessions: %d/%s ", active, limit)
	}
	return fmt.Sprintf(" Claude Cycle Runner │ %s │ Cycle %d%s │ %s │ Sessions: %d/%s │ Elapsed %s ",
		m.run.PlanTitle,
		len(m.run.Cycles), cycleLimit(m.run.Budget),
		formatCost(m.run.CostUSD, m.run.Budget.MaxCostUSD),
		active, limit,
		formatDuration(m.run.Elapsed()))
}

func cycleLimit(b domain.RunBudget) string {
	if b.MaxCycles <= 0 {
		return ""
	}
	return fmt.Sprintf("/%d", b.MaxCycles)
}

func (m Model) renderTabs() string {
	tabs := []string{"Run", "Sessions", "Events"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderRun() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUN"))
	b.WriteString("\n")

	if m.run == nil {
		b.WriteString(queuedStyle.Render("  No run in progress."))
		return b.String()
	}

	if m.run.Outcome != "" {
		b.WriteString(outcomeStyle(m.run.Outcome).Render(fmt.Sprintf("  %s: %s", m.run.Outcome, m.run.Reason)))
		b.WriteString("\n")
	}

	for _, c := range m.run.Cycles {
		state := "running"
		if c.CompletedAt != nil {
			state = string(c.Outcome)
		}
		tests := "tests ✗"
		if c.TestsPassed {
			tests = "tests ✓"
		}
		line := fmt.Sprintf("  Cycle %d %-24s %3.0f%% │ %d/%d merged │ %s │ %s │ %s",
			c.Number, truncate(c.Title, 24), c.Completion, c.MergedCount(), len(c.Results),
			tests, formatCost(c.CostUSD, 0), state)
		b.WriteString(outcomeStyle(c.Outcome).Render(line))
		b.WriteString("\n")

		for _, r := range c.Results {
			if r.Task == nil {
				continue
			}
			b.WriteString(m.formatTaskLine(r.Task))
			b.WriteString("\n")
		}
	}

	metrics := m.metrics
	b.WriteString("\n")
	b.WriteString(queuedStyle.Render(fmt.Sprintf("  %s tokens │ %d hangs │ %d loops │ %d conflicts │ %d compactions │ %d tool errors",
		humanize.Comma(int64(metrics.TotalTokens)), metrics.Hangs, metrics.Loops, metrics.Conflicts, metrics.Compactions, metrics.ToolErrors)))

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) formatTaskLine(t *domain.Task) string {
	icon := "·"
	style := queuedStyle
	switch t.Status {
	case domain.TaskMerged:
		icon, style = "✓", runningStyle
	case domain.TaskBlocked, domain.TaskDiscarded:
		icon, style = "✗", errorStyle
	case domain.TaskRunning, domain.TaskTesting, domain.TaskReviewing, domain.TaskIsolating, domain.TaskAwaitingReview:
		icon, style = "▶", warningStyle
	}
	line := fmt.Sprintf("    %s %-20s %-16s %s", icon, truncate(t.ID, 20), t.Status, formatCost(t.CostUSD, 0))
	if t.Reason != "" {
		line += "  " + truncate(t.Reason, max(10, m.width-70))
	}
	return style.Render(line)
}

func (m Model) renderSessions() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SESSIONS"))
	b.WriteString("\n")

	if len(m.sessions) == 0 {
		b.WriteString(queuedStyle.Render("  No agent sessions."))
		return b.String()
	}

	sessions := append([]agent.Info(nil), m.sessions...)
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].Running && !sessions[j].Running })

	for i, s := range sessions {
		state := "exited"
		style := queuedStyle
		switch {
		case s.Running && s.Paused:
			state, style = "paused", warningStyle
		case s.Running:
			state, style = "running", runningStyle
		case s.ExitCode != 0 || s.Error != "":
			state, style = fmt.Sprintf("exit %d", s.ExitCode), errorStyle
		}
		note := ""
		switch {
		case s.Running && !s.LastOutput.IsZero():
			note = "last output " + humanize.Time(s.LastOutput)
		case !s.Running && s.Error != "":
			note = truncate(s.Error, max(20, m.width-100))
		}
		line := fmt.Sprintf("  %-12s %-16s %-8s %10s tok │ %d compactions │ %s │ %s",
			truncate(s.Key, 12), truncate(s.TaskID, 16), state,
			humanize.Comma(int64(s.Usage.Total())), s.Compactions, formatCost(s.CostUSD, 0), note)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if m.selectedRow < len(sessions) {
		s := sessions[m.selectedRow]
		b.WriteString("\n")
		b.WriteString(queuedStyle.Render(fmt.Sprintf("  dir: %s", s.WorkingDir)))
		if s.SessionID != "" {
			b.WriteString(queuedStyle.Render(fmt.Sprintf("  session: %s", s.SessionID)))
		}
		if len(s.Files) > 0 {
			b.WriteString("\n")
			b.WriteString(queuedStyle.Render("  files: " + truncate(strings.Join(s.Files, ", "), max(20, m.width-16))))
		}
		if s.ToolErrors > 0 {
			b.WriteString("\n")
			b.WriteString(warningStyle.Render(fmt.Sprintf("  %d failed tool calls", s.ToolErrors)))
		}
		if s.Error != "" {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render("  " + truncate(s.Error, max(20, m.width-8))))
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderEvents() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("EVENTS"))
	b.WriteString("\n")

	if len(m.log) == 0 {
		b.WriteString(queuedStyle.Render("  No events yet."))
		return b.String()
	}

	visible := max(5, m.height-8)
	end := len(m.log) - m.logScroll
	start := max(0, end-visible)
	for _, ev := range m.log[start:end] {
		b.WriteString(eventStyle(ev.Name).Render(formatEvent(ev)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatEvent(ev notify.Event) string {
	subject := ev.TaskID
	if subject == "" {
		subject = ev.SessionKey
	}
	var details []string
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s=%v", k, ev.Data[k]))
	}
	return fmt.Sprintf("  %s %-20s %-14s %s", ev.At.Format("15:04:05"), ev.Name, truncate(subject, 14), strings.Join(details, " "))
}

func eventStyle(name notify.EventName) lipgloss.Style {
	switch name {
	case notify.EventHang, notify.EventLoop, notify.EventConflict, notify.EventCompaction:
		return warningStyle
	case notify.EventTaskMerged, notify.EventRunCompleted:
		return runningStyle
	}
	return queuedStyle
}

func outcomeStyle(o domain.Outcome) lipgloss.Style {
	switch o {
	case domain.OutcomeSuccess:
		return runningStyle
	case domain.OutcomePartial, domain.OutcomeLimitReached:
		return warningStyle
	case domain.OutcomeFailed, domain.OutcomeBlocked:
		return errorStyle
	}
	return lipgloss.NewStyle()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatCost(cost, limit float64) string {
	s := "$" + humanize.FormatFloat("#,###.##", cost)
	if limit > 0 {
		s += " of $" + humanize.FormatFloat("#,###.##", limit)
	}
	return s
}
