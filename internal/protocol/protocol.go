// Package protocol parses the newline-delimited JSON event stream that the
// agent subprocess writes to stdout (claude --output-format stream-json).
//
// Parsing is a plain synchronous state machine: LineBuffer turns arbitrary
// output chunks into complete lines and ParseLine turns one line into an
// Event. Lines that are not JSON objects become passthrough events.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// EventType identifies the kind of a parsed line
type EventType string

const (
	EventSystem      EventType = "system"
	EventAssistant   EventType = "assistant"
	EventUser        EventType = "user"
	EventResult      EventType = "result"
	EventPassthrough EventType = "passthrough"
	EventOther       EventType = "other"
)

// BlockType identifies the kind of an assistant content block
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's content array
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolResultText returns the textual content of a tool_result block, which
// may be a plain string or an array of text blocks.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return string(b.Content)
}

// Message is the message envelope of assistant and user events
type Message struct {
	ID      string             `json:"id,omitempty"`
	Role    string             `json:"role,omitempty"`
	Model   string             `json:"model,omitempty"`
	Content []ContentBlock     `json:"content,omitempty"`
	Usage   *domain.TokenUsage `json:"usage,omitempty"`
}

// ResultSummary is the terminal summary of a session
type ResultSummary struct {
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	IsError    bool    `json:"is_error,omitempty"`
	Text       string  `json:"-"`
}

// Event is one parsed line of the agent stream
type Event struct {
	Type      EventType
	Subtype   string
	SessionID string
	Model     string
	Message   *Message
	Usage     *domain.TokenUsage
	Result    *ResultSummary
	Raw       string
}

// ToolUses returns the tool_use blocks of an assistant event
func (e *Event) ToolUses() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var uses []ContentBlock
	for _, b := range e.Message.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of a user event
func (e *Event) ToolResults() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var results []ContentBlock
	for _, b := range e.Message.Content {
		if b.Type == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}

// Text joins the text blocks of an assistant event
func (e *Event) Text() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range e.Message.Content {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// rawEvent mirrors the wire format. result is either an object (summary) or,
// in newer agent versions, the final text with the summary fields at top level.
type rawEvent struct {
	Type         string             `json:"type"`
	Subtype      string             `json:"subtype,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Model        string             `json:"model,omitempty"`
	Message      *Message           `json:"message,omitempty"`
	Usage        *domain.TokenUsage `json:"usage,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	CostUSD      *float64           `json:"cost_usd,omitempty"`
	TotalCostUSD *float64           `json:"total_cost_usd,omitempty"`
	DurationMS   *int64             `json:"duration_ms,omitempty"`
	NumTurns     *int               `json:"num_turns,omitempty"`
	IsError      bool               `json:"is_error,omitempty"`
}

// ParseLine parses one line of agent output. It never fails: anything that is
// not a JSON object with a string "type" comes back as EventPassthrough.
func ParseLine(line string) Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Event{Type: EventPassthrough, Raw: line}
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil || raw.Type == "" {
		return Event{Type: EventPassthrough, Raw: line}
	}

	ev := Event{
		Subtype:   raw.Subtype,
		SessionID: raw.SessionID,
		Model:     raw.Model,
		Message:   raw.Message,
		Usage:     raw.Usage,
		Raw:       line,
	}
	if ev.Usage == nil && raw.Message != nil {
		ev.Usage = raw.Message.Usage
	}
	if ev.Model == "" && raw.Message != nil {
		ev.Model = raw.Message.Model
	}

	switch raw.Type {
	case "system":
		ev.Type = EventSystem
	case "assistant":
		ev.Type = EventAssistant
	case "user":
		ev.Type = EventUser
	case "result":
		ev.Type = EventResult
		ev.Result = parseResult(raw)
	default:
		ev.Type = EventOther
	}
	return ev
}

func parseResult(raw rawEvent) *ResultSummary {
	summary := &ResultSummary{IsError: raw.IsError}
	if len(raw.Result) > 0 {
		var nested ResultSummary
		if err := json.Unmarshal(raw.Result, &nested); err == nil {
			summary = &nested
			summary.IsError = summary.IsError || raw.IsError
		} else {
			var text string
			if err := json.Unmarshal(raw.Result, &text); err == nil {
				summary.Text = text
			}
		}
	}
	// Top-level fields win when present
	if raw.CostUSD != nil {
		summary.CostUSD = *raw.CostUSD
	} else if raw.TotalCostUSD != nil {
		summary.CostUSD = *raw.TotalCostUSD
	}
	if raw.DurationMS != nil {
		summary.DurationMS = *raw.DurationMS
	}
	if raw.NumTurns != nil {
		summary.NumTurns = *raw.NumTurns
	}
	return summary
}

// LineBuffer accumulates output chunks and yields complete lines. A partial
// trailing line is kept until the next chunk or Flush.
type LineBuffer struct {
	buf     []byte
	maxLine int
}

// NewLineBuffer creates a buffer. Lines longer than maxLine bytes are emitted
// in maxLine-sized pieces; maxLine <= 0 means unlimited.
func NewLineBuffer(maxLine int) *LineBuffer {
	return &LineBuffer{maxLine: maxLine}
}

// Write appends a chunk and returns the lines it completed, without the
// trailing newline (and without a trailing carriage return).
func (b *LineBuffer) Write(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(b.buf[:idx], []byte("\r"))
		lines = append(lines, string(line))
		b.buf = b.buf[idx+1:]
	}

	for b.maxLine > 0 && len(b.buf) > b.maxLine {
		lines = append(lines, string(b.buf[:b.maxLine]))
		b.buf = b.buf[b.maxLine:]
	}

	// Compact so the backing array does not grow without bound
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Flush returns the pending partial line, if any, and resets the buffer
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.buf, []byte("\r")))
	b.buf = nil
	return line, true
}

// Pending returns the number of buffered bytes not yet forming a line
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
