//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const twoTaskPlan = `title: Greeting
cycles:
  - title: Basics
    tasks:
      - id: hello
        title: Add hello
        acceptance_criteria: [hello file exists]
      - id: world
        title: Add world
        acceptance_criteria: [world file exists]
`

// TestCLI_RunPlan plays a one-cycle plan end to end: both tasks are
// implemented, reviewed and merged, and the run is recorded
func TestCLI_RunPlan(t *testing.T) {
	e := newEnv(t)
	planPath := e.writeFile(t, "plan.yaml", twoTaskPlan)

	out, err := e.run(t, "run", planPath)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Outcome: success") {
		t.Errorf("run output missing success:\n%s", out)
	}

	for _, id := range []string{"hello", "world"} {
		found := false
		entries, _ := os.ReadDir(e.repo)
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".txt") && strings.Contains(entry.Name(), id) {
				found = true
			}
		}
		if !found {
			t.Errorf("no merged file for task %s in %s", id, e.repo)
		}
	}
	if log := runGit(t, e.repo, "log", "--oneline"); strings.Count(log, "\n") < 2 {
		t.Errorf("expected task commits on main, got:\n%s", log)
	}

	status, err := e.run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, status)
	}
	for _, want := range []string{"Greeting", "hello", "world", "merged"} {
		if !strings.Contains(status, want) {
			t.Errorf("status output missing %q:\n%s", want, status)
		}
	}

	sessions, err := e.run(t, "sessions", "--task", "hello")
	if err != nil {
		t.Fatalf("sessions failed: %v\n%s", err, sessions)
	}
	if !strings.Contains(sessions, "1,500") {
		t.Errorf("sessions output missing token count:\n%s", sessions)
	}
}

func TestCLI_StatusWithoutRuns(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Errorf("output = %q", out)
	}
}

func TestCLI_RunRejectsInvalidPlan(t *testing.T) {
	e := newEnv(t)
	planPath := e.writeFile(t, "bad.yaml", "title: Empty\ncycles: []\n")

	out, err := e.run(t, "run", planPath)
	if err == nil {
		t.Fatalf("expected failure, got:\n%s", out)
	}
	if !strings.Contains(out, "no cycles") {
		t.Errorf("output = %q", out)
	}
}

func TestCLI_ScheduleList(t *testing.T) {
	e := newEnv(t)
	planPath := e.writeFile(t, "plan.yaml", twoTaskPlan)
	schedule := e.writeFile(t, "schedule.toml", `[[batch]]
name = "nightly"
cron = "0 2 * * *"
plan = "`+planPath+`"
max_cost_usd = 1.0
`)

	out, err := e.run(t, "schedule", "--file", schedule, "--list")
	if err != nil {
		t.Fatalf("schedule failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "nightly") || !strings.Contains(out, filepath.Base(planPath)) {
		t.Errorf("output missing batch:\n%s", out)
	}
}
