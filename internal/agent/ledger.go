package agent

import "github.com/hochfrequenz/claude-cycle-runner/internal/domain"

// DefaultCompactionRatio flags a compaction when input tokens fall below half
// of the previous report
const DefaultCompactionRatio = 0.5

// Ledger keeps a session's token counters. Input tokens reflect the agent's
// current context and are replaced on every report; output and cache tokens
// accumulate.
type Ledger struct {
	ratio       float64
	usage       domain.TokenUsage
	reports     int
	compactions int
	lastMessage string
}

// NewLedger creates a Ledger. A ratio outside (0,1) uses DefaultCompactionRatio.
func NewLedger(ratio float64) *Ledger {
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultCompactionRatio
	}
	return &Ledger{ratio: ratio}
}

// Apply records one usage report and reports whether it indicates a
// compaction. messageID deduplicates reports: the agent repeats a message's
// usage on every content block it streams, so a report for the message seen
// last is ignored.
func (l *Ledger) Apply(messageID string, u domain.TokenUsage) (applied, compacted bool) {
	if messageID != "" && messageID == l.lastMessage {
		return false, false
	}
	l.lastMessage = messageID

	prev := l.usage.InputTokens
	if l.reports > 0 && prev > 0 && float64(u.InputTokens) < l.ratio*float64(prev) {
		compacted = true
		l.compactions++
	}
	l.reports++

	l.usage.InputTokens = u.InputTokens
	l.usage.OutputTokens += u.OutputTokens
	l.usage.CacheReadTokens += u.CacheReadTokens
	l.usage.CacheCreationTokens += u.CacheCreationTokens
	return true, compacted
}

// Usage returns the current counters
func (l *Ledger) Usage() domain.TokenUsage {
	return l.usage
}

// Compactions returns how many compactions were detected
func (l *Ledger) Compactions() int {
	return l.compactions
}
