package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths
const (
	TaskTemplate   = "task/implement.md"
	ReviewTemplate = "review/decision.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata.
type TemplateMeta struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed_tools"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .claude-cycle/prompts/
// 2. User config: ~/.config/claude-cycle/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".claude-cycle", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "claude-cycle", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, body, nil
}

var funcs = template.FuncMap{
	"add": func(a, b int) int { return a + b },
}

// LoadTemplate loads and parses a template by path (e.g., "task/implement.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(path.Base(name)).Funcs(funcs).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// List returns the metadata of the embedded templates in dir
func (l *Loader) List(dir string) ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, dir)
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		_, meta, err := l.LoadTemplate(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	return result, nil
}

// TaskData holds template variables for the task prompt.
type TaskData struct {
	PlanTitle          string
	Cycle              int
	CycleTitle         string
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Branch             string
	Files              []string
	FilesOmitted       int
	PreviousReason     string // Why an earlier attempt was not merged
}

// ReviewData holds template variables for the review prompt.
type ReviewData struct {
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Diff               string
	DiffTruncated      bool
	TestsPassed        bool
	TestSummary        string
}

// BuildTaskPrompt executes the task template.
func (l *Loader) BuildTaskPrompt(data TaskData) (string, error) {
	return l.Execute(TaskTemplate, data)
}

// BuildReviewPrompt executes the review template and returns the tools the
// reviewer may use.
func (l *Loader) BuildReviewPrompt(data ReviewData) (string, []string, error) {
	_, meta, err := l.LoadTemplate(ReviewTemplate)
	if err != nil {
		return "", nil, err
	}
	prompt, err := l.Execute(ReviewTemplate, data)
	if err != nil {
		return "", nil, err
	}
	var tools []string
	if meta != nil {
		tools = meta.AllowedTools
	}
	return prompt, tools, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
