package agent

import (
	"testing"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

func TestLedger_CompactionThreshold(t *testing.T) {
	tests := []struct {
		name string
		prev int
		next int
		want bool
	}{
		{"drop below half", 1000, 499, true},
		{"exactly half", 1000, 500, false},
		{"small drop", 1000, 900, false},
		{"growth", 1000, 1200, false},
		{"to zero", 1000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(0.5)
			l.Apply("m1", domain.TokenUsage{InputTokens: tt.prev})
			_, compacted := l.Apply("m2", domain.TokenUsage{InputTokens: tt.next})
			if compacted != tt.want {
				t.Errorf("compacted = %v, want %v", compacted, tt.want)
			}
		})
	}
}

func TestLedger_FirstReportNeverCompacts(t *testing.T) {
	l := NewLedger(0.5)
	if _, compacted := l.Apply("m1", domain.TokenUsage{InputTokens: 0}); compacted {
		t.Error("first report flagged as compaction")
	}
	if _, compacted := l.Apply("m2", domain.TokenUsage{InputTokens: 0}); compacted {
		t.Error("zero after zero flagged as compaction")
	}
}

func TestLedger_ReplaceAndAccumulate(t *testing.T) {
	l := NewLedger(0)
	l.Apply("m1", domain.TokenUsage{InputTokens: 100, OutputTokens: 5, CacheReadTokens: 7, CacheCreationTokens: 3})
	l.Apply("m1", domain.TokenUsage{InputTokens: 100, OutputTokens: 5, CacheReadTokens: 7, CacheCreationTokens: 3})
	l.Apply("m2", domain.TokenUsage{InputTokens: 120, OutputTokens: 8, CacheReadTokens: 1})

	want := domain.TokenUsage{InputTokens: 120, OutputTokens: 13, CacheReadTokens: 8, CacheCreationTokens: 3}
	if got := l.Usage(); got != want {
		t.Errorf("usage = %+v, want %+v", got, want)
	}
}

func TestLedger_CustomRatio(t *testing.T) {
	l := NewLedger(0.8)
	l.Apply("", domain.TokenUsage{InputTokens: 1000})
	if _, compacted := l.Apply("", domain.TokenUsage{InputTokens: 790}); !compacted {
		t.Error("790 < 0.8*1000 should be a compaction")
	}
	if l.Compactions() != 1 {
		t.Errorf("Compactions = %d", l.Compactions())
	}
}
