package review

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

const (
	maxJustification  = 500
	keywordConfidence = 0.6
	jsonConfidence    = 0.7 // When the JSON omits a confidence
)

var (
	decisionLine  = regexp.MustCompile(`(?i)\bdecision\**\s*[:=]\s*\**\s*(approved?|needs[ _-]changes|reject(?:ed)?)\b`)
	keyword       = regexp.MustCompile(`\b(APPROVED?|NEEDS[ _]CHANGES|REJECT(?:ED)?)\b`)
	justification = regexp.MustCompile(`(?i)\bjustification\**\s*[:=]\s*\**\s*(.+)`)
)

// Parse extracts a decision from the reviewer's final text: the last JSON
// object carrying a valid "decision", else an explicit "Decision:" line, else
// the last uppercase decision keyword. ok is false when none is found.
func Parse(text string) (domain.ReviewDecision, bool) {
	if d, ok := parseJSON(text); ok {
		return d, true
	}
	return parseKeyword(text)
}

type jsonDecision struct {
	Decision      string   `json:"decision"`
	Justification string   `json:"justification"`
	Confidence    *float64 `json:"confidence"`
}

// parseJSON tries every '{' from the end so that the final verdict wins over
// JSON quoted earlier in the answer
func parseJSON(text string) (domain.ReviewDecision, bool) {
	for i := strings.LastIndexByte(text, '{'); i >= 0; i = strings.LastIndexByte(text[:i], '{') {
		var raw jsonDecision
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err != nil {
			continue
		}
		decision, ok := domain.ParseDecision(strings.TrimSpace(raw.Decision))
		if !ok {
			decision, ok = domain.ParseDecision(strings.ToLower(strings.TrimSpace(raw.Decision)))
		}
		if !ok {
			continue
		}
		conf := jsonConfidence
		if raw.Confidence != nil {
			conf = clamp(*raw.Confidence)
		}
		return domain.ReviewDecision{
			Decision:      decision,
			Justification: truncate(strings.TrimSpace(raw.Justification)),
			Confidence:    conf,
		}, true
	}
	return domain.ReviewDecision{}, false
}

func parseKeyword(text string) (domain.ReviewDecision, bool) {
	var word string
	if m := decisionLine.FindAllStringSubmatch(text, -1); len(m) > 0 {
		word = strings.ToLower(m[len(m)-1][1])
	} else if m := keyword.FindAllStringSubmatch(text, -1); len(m) > 0 {
		word = m[len(m)-1][1]
	}
	if word == "" {
		return domain.ReviewDecision{}, false
	}

	decision, ok := domain.ParseDecision(word)
	if !ok {
		return domain.ReviewDecision{}, false
	}

	just := lastParagraph(text)
	if m := justification.FindStringSubmatch(text); m != nil {
		just = m[1]
	}
	return domain.ReviewDecision{
		Decision:      decision,
		Justification: truncate(strings.TrimSpace(just)),
		Confidence:    keywordConfidence,
	}, true
}

func lastParagraph(text string) string {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	return paras[len(paras)-1]
}

func truncate(s string) string {
	if len(s) <= maxJustification {
		return s
	}
	return cut(s, maxJustification) + "..."
}

// cut shortens s to at most n bytes without splitting a rune
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
