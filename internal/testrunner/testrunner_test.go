package testrunner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		passed     int
		failed     int
		recognized bool
	}{
		{"passed then failed", "Ran suite\n12 passed, 3 failed\n", 12, 3, true},
		{"pytest failed first", "==== 2 failed, 40 passed in 3.1s ====", 40, 2, true},
		{"cargo", "test result: FAILED. 7 passed; 1 failed; 0 ignored", 7, 1, true},
		{"jest", "Tests:       1 failed, 4 passed, 5 total", 4, 1, true},
		{"vitest", "Tests  2 failed | 5 passed (7)", 5, 2, true},
		{"mocha", "  14 passing (2s)\n  2 pending\n  3 failing\n", 14, 3, true},
		{"mocha all passing", "  9 passing (40ms)\n", 9, 0, true},
		{"pytest all passed", "==== 8 passed in 0.5s ====", 8, 0, true},
		{"pytest only failed", "==== 1 failed in 0.5s ====", 0, 1, true},
		{"last summary wins", "3 passed, 1 failed\nretry\n4 passed, 0 failed\n", 4, 0, true},
		{"go test verbose", "=== RUN   TestA\n--- PASS: TestA (0.00s)\n=== RUN   TestB\n--- FAIL: TestB (0.01s)\n    --- PASS: TestB/sub (0.00s)\nFAIL\n", 2, 1, true},
		{"go test packages", "ok  \tgithub.com/x/a\t0.01s\nFAIL\tgithub.com/x/b\t0.02s\nok  \tgithub.com/x/c\t(cached)\nFAIL\n", 2, 1, true},
		{"unrecognized", "build succeeded\n", 0, 0, false},
		{"empty", "", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSummary(tt.output)
			if got.Passed != tt.passed || got.Failed != tt.failed || got.Recognized != tt.recognized {
				t.Errorf("ParseSummary = %+v, want passed %d failed %d recognized %v",
					got, tt.passed, tt.failed, tt.recognized)
			}
		})
	}
}

func TestRunner_Run(t *testing.T) {
	r := &Runner{Command: "echo '5 passed, 0 failed'", Timeout: 10 * time.Second}

	res, err := r.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() || res.Passed != 5 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_FailingCommand(t *testing.T) {
	r := &Runner{Command: "echo '1 passed, 2 failed'; exit 1"}

	res, err := r.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.ExitCode != 1 || res.Failed != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_UnrecognizedOutputIsNotAnError(t *testing.T) {
	r := &Runner{Command: "echo all good"}

	res, err := r.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("unrecognized output returned error: %v", err)
	}
	if res.Recognized || res.Passed != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want 0/0", res)
	}
	if !res.OK() {
		t.Error("clean exit without failures should pass")
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := &Runner{Command: "sleep 10", Timeout: 100 * time.Millisecond}

	start := time.Now()
	res, err := r.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.OK() {
		t.Errorf("result = %+v, want timed out", res)
	}
	if time.Since(start) > 8*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Runner{Command: "sleep 10"}).Run(ctx, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunner_OutputCap(t *testing.T) {
	r := &Runner{Command: "yes line | head -n 1000; echo '3 passed, 0 failed'", MaxOutput: 100}

	res, err := r.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Output) > 100 {
		t.Errorf("output len %d, truncated %v", len(res.Output), res.Truncated)
	}
	if !strings.Contains(res.Output, "3 passed") || res.Passed != 3 {
		t.Errorf("tail with summary should be kept: %q", res.Output)
	}
}

func TestRunner_NoCommandSkips(t *testing.T) {
	res, err := (&Runner{}).Run(context.Background(), t.TempDir())
	if err != nil || !res.Skipped || !res.OK() {
		t.Errorf("result = %+v, err = %v", res, err)
	}
}

func TestResult_Describe(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Result{Skipped: true}, "no test command configured"},
		{Result{ExitCode: 2}, "exit code 2, no test summary recognized"},
		{Result{Summary: Summary{Passed: 4, Failed: 1, Recognized: true}, ExitCode: 1}, "4 passed, 1 failed (exit code 1)"},
		{Result{Summary: Summary{Passed: 3, Recognized: true}, TimedOut: true, Duration: 2 * time.Second}, "timed out after 2s (3 passed, 0 failed)"},
	}
	for _, tt := range tests {
		if got := tt.res.Describe(); got != tt.want {
			t.Errorf("Describe() = %q, want %q", got, tt.want)
		}
	}
}
