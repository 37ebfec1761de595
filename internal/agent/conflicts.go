package agent

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Access is how a session touched a path
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// ToolAccess classifies a tool by the access it implies. Tools that do not
// touch files return false.
func ToolAccess(toolName string) (Access, bool) {
	switch toolName {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return AccessWrite, true
	case "Read", "Glob", "Grep":
		return AccessRead, true
	}
	return "", false
}

// ToolPath extracts the path argument from a file tool's input
func ToolPath(input json.RawMessage) string {
	var args struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
		Path         string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	switch {
	case args.FilePath != "":
		return args.FilePath
	case args.NotebookPath != "":
		return args.NotebookPath
	}
	return args.Path
}

// NormalizePath makes p relative to the session's working directory so that
// the same file in different worktrees of one repository compares equal.
// Paths outside the working directory stay absolute.
func NormalizePath(workingDir, p string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p))
	}
	p = filepath.Clean(p)
	if workingDir != "" {
		if rel, err := filepath.Rel(workingDir, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(p)
}

// Conflict is two sessions touching one path with at least one writing
type Conflict struct {
	Path     string
	SessionA string // The session that touched the path first
	AccessA  Access
	SessionB string
	AccessB  Access
}

type conflictKey struct {
	path string
	a, b string // sorted session keys
}

// ConflictTracker records file accesses of concurrently running sessions
type ConflictTracker struct {
	mu       sync.Mutex
	accesses map[string]map[string]Access // path -> session -> strongest access
	order    map[string][]string          // path -> sessions in first-touch order
	reported map[conflictKey]bool
}

// NewConflictTracker creates an empty tracker
func NewConflictTracker() *ConflictTracker {
	return &ConflictTracker{
		accesses: make(map[string]map[string]Access),
		order:    make(map[string][]string),
		reported: make(map[conflictKey]bool),
	}
}

// Record notes an access and returns conflicts it creates. Each pair of
// sessions conflicts at most once per path.
func (t *ConflictTracker) Record(session, path string, access Access) []Conflict {
	if session == "" || path == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, ok := t.accesses[path]
	if !ok {
		sessions = make(map[string]Access)
		t.accesses[path] = sessions
	}
	prev, seen := sessions[session]
	if !seen {
		t.order[path] = append(t.order[path], session)
	}
	if prev == AccessWrite {
		access = AccessWrite
	}
	sessions[session] = access

	var conflicts []Conflict
	for _, other := range t.order[path] {
		if other == session {
			continue
		}
		otherAccess := sessions[other]
		if access != AccessWrite && otherAccess != AccessWrite {
			continue
		}
		key := pairKey(path, session, other)
		if t.reported[key] {
			continue
		}
		t.reported[key] = true
		conflicts = append(conflicts, Conflict{
			Path:     path,
			SessionA: other,
			AccessA:  otherAccess,
			SessionB: session,
			AccessB:  access,
		})
	}
	return conflicts
}

// Remove drops every access of session
func (t *ConflictTracker) Remove(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for path, sessions := range t.accesses {
		if _, ok := sessions[session]; !ok {
			continue
		}
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(t.accesses, path)
			delete(t.order, path)
			continue
		}
		order := t.order[path][:0]
		for _, s := range t.order[path] {
			if s != session {
				order = append(order, s)
			}
		}
		t.order[path] = order
	}
	for key := range t.reported {
		if key.a == session || key.b == session {
			delete(t.reported, key)
		}
	}
}

// Paths returns the paths session has touched, sorted
func (t *ConflictTracker) Paths(session string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var paths []string
	for path, sessions := range t.accesses {
		if _, ok := sessions[session]; ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func pairKey(path, a, b string) conflictKey {
	if b < a {
		a, b = b, a
	}
	return conflictKey{path: path, a: a, b: b}
}
