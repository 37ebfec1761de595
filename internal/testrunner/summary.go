package testrunner

import (
	"regexp"
	"strconv"
)

// Summary is the pass/fail count recognized in test output
type Summary struct {
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Format     string `json:"format,omitempty"` // Name of the matcher that recognized the output
	Recognized bool   `json:"recognized"`
}

// Matcher recognizes one test runner's summary format
type Matcher struct {
	Name  string
	Match func(text string) (passed, failed int, ok bool)
}

// Matchers are tried in order; the first that recognizes the output wins.
// New runner formats are added here.
var Matchers = []Matcher{
	regexMatcher("passed-failed", `(?i)(\d+)\s+passed\s*[,;|]\s*(\d+)\s+failed`, 1, 2),
	regexMatcher("failed-passed", `(?i)(\d+)\s+failed\s*[,;|]\s*(\d+)\s+passed`, 2, 1),
	regexMatcher("passing-failing", `(?i)(\d+)\s+passing\b[\s\S]*?(\d+)\s+failing`, 1, 2),
	regexMatcher("passing", `(?i)(\d+)\s+passing\b`, 1, 0),
	regexMatcher("failed-only", `(?i)(\d+)\s+failed\b`, 0, 1),
	regexMatcher("passed-only", `(?i)(\d+)\s+passed\b`, 1, 0),
	{Name: "go-test", Match: matchGoTest},
}

// ParseSummary extracts pass/fail counts from test output. Output no matcher
// recognizes yields a zero Summary, never an error.
func ParseSummary(text string) Summary {
	for _, m := range Matchers {
		if passed, failed, ok := m.Match(text); ok {
			return Summary{Passed: passed, Failed: failed, Format: m.Name, Recognized: true}
		}
	}
	return Summary{}
}

// regexMatcher builds a Matcher from a pattern whose submatches hold the
// counts. Index 0 means the count is absent and taken as zero. The last match
// in the output wins since summaries are printed at the end.
func regexMatcher(name, pattern string, passedIdx, failedIdx int) Matcher {
	re := regexp.MustCompile(pattern)
	return Matcher{
		Name: name,
		Match: func(text string) (int, int, bool) {
			all := re.FindAllStringSubmatch(text, -1)
			if len(all) == 0 {
				return 0, 0, false
			}
			m := all[len(all)-1]
			return submatchInt(m, passedIdx), submatchInt(m, failedIdx), true
		},
	}
}

func submatchInt(m []string, idx int) int {
	if idx <= 0 || idx >= len(m) {
		return 0
	}
	n, _ := strconv.Atoi(m[idx])
	return n
}

var (
	goTestCase    = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL):`)
	goTestPackage = regexp.MustCompile(`(?m)^(ok|FAIL)[ \t]+\S+`)
)

// matchGoTest counts `go test -v` case lines, falling back to per-package
// ok/FAIL lines for non-verbose output
func matchGoTest(text string) (int, int, bool) {
	var passed, failed int
	for _, m := range goTestCase.FindAllStringSubmatch(text, -1) {
		if m[1] == "PASS" {
			passed++
		} else {
			failed++
		}
	}
	if passed+failed > 0 {
		return passed, failed, true
	}

	for _, m := range goTestPackage.FindAllStringSubmatch(text, -1) {
		if m[1] == "ok" {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed, passed+failed > 0
}
