package plan

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// A plan directory holds one markdown file per task:
//
//	---
//	id: auth-login
//	cycle: 1
//	parallel_group: auth
//	---
//	# Login endpoint
//
//	Description...
//
//	## Acceptance Criteria
//	- returns a token
//
// An optional plan.yaml next to them sets the title, cycle titles and budget.

// Frontmatter is the YAML header of a markdown task file
type Frontmatter struct {
	ID            string `yaml:"id"`
	Cycle         int    `yaml:"cycle"`
	ParallelGroup string `yaml:"parallel_group"`
}

// PlanFileName is the optional plan header inside a plan directory
const PlanFileName = "plan.yaml"

var (
	titleRegex    = regexp.MustCompile(`^#\s+(.+)$`)
	criteriaRegex = regexp.MustCompile(`(?i)^##\s+acceptance criteria\s*$`)
	bulletRegex   = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+(?:\[[ xX]\]\s+)?(.+)$`)
)

// LoadDir reads a plan directory. Cycles without tasks are dropped; tasks
// without a cycle go into cycle 1.
func LoadDir(dir string) (*Plan, error) {
	p := &Plan{Title: filepath.Base(dir)}
	if data, err := os.ReadFile(filepath.Join(dir, PlanFileName)); err == nil {
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", PlanFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	byCycle := make(map[int][]TaskPlan)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") || strings.EqualFold(entry.Name(), "README.md") {
			continue
		}
		cycle, task, err := ParseTaskFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		byCycle[cycle] = append(byCycle[cycle], task)
	}

	numbers := make([]int, 0, len(byCycle))
	for n := range byCycle {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	titles := make(map[int]string)
	for i, c := range p.Cycles {
		titles[i+1] = c.Title
	}
	p.Cycles = nil
	for _, n := range numbers {
		p.Cycles = append(p.Cycles, CyclePlan{Title: titles[n], Tasks: byCycle[n]})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseTaskFile parses one markdown task file. The id defaults to the file
// name without extension.
func ParseTaskFile(path string) (int, TaskPlan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, TaskPlan{}, err
	}
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return 0, TaskPlan{}, fmt.Errorf("parsing frontmatter: %w", err)
	}

	id := fm.ID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	cycle := fm.Cycle
	if cycle <= 0 {
		cycle = 1
	}
	return cycle, TaskPlan{
		ID:                 id,
		Title:              extractTitle(body),
		Description:        extractDescription(body),
		AcceptanceCriteria: extractCriteria(body),
		ParallelGroup:      fm.ParallelGroup,
	}, nil
}

// ParseFrontmatter extracts YAML frontmatter from markdown content
// Returns the frontmatter, remaining content, and any error
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:endIdx], &fm); err != nil {
		return nil, nil, err
	}
	return &fm, bytes.TrimLeft(rest[endIdx+4:], "\n"), nil
}

func extractTitle(content []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		if matches := titleRegex.FindStringSubmatch(scanner.Text()); matches != nil {
			return strings.TrimSpace(matches[1])
		}
	}
	return ""
}

// extractDescription returns the text between the title and the next heading
func extractDescription(content []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lines []string
	foundTitle := false

	for scanner.Scan() {
		line := scanner.Text()
		if !foundTitle {
			if titleRegex.MatchString(line) {
				foundTitle = true
			}
			continue
		}
		if len(lines) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			break
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractCriteria returns the list items of the "## Acceptance Criteria"
// section in order
func extractCriteria(content []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var criteria []string
	inSection := false
	for scanner.Scan() {
		line := scanner.Text()
		if criteriaRegex.MatchString(strings.TrimSpace(line)) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(line, "#") {
			break
		}
		if m := bulletRegex.FindStringSubmatch(line); m != nil {
			criteria = append(criteria, strings.TrimSpace(m[1]))
		}
	}
	return criteria
}
