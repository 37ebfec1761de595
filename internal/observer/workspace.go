package observer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
)

// ChangeCallback is called with the files written in one session's workspace
// during a debounce window
type ChangeCallback func(sessionKey string, changedFiles []string)

// WorkspaceWatcher watches the working directories of running sessions and
// reports file writes. Writes made by shell commands never show up as file
// tool calls, so this catches conflicts the tool stream misses.
type WorkspaceWatcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration
	logger   *zap.Logger

	// workspace root -> session key
	workspaces map[string]string

	// Debounce state - track by workspace
	pendingByWorkspace map[string]map[string]struct{}
	timer              *time.Timer
	mu                 sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkspaceWatcher creates a new watcher
func NewWorkspaceWatcher(callback ChangeCallback, logger *zap.Logger) (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkspaceWatcher{
		watcher:            watcher,
		callback:           callback,
		debounce:           500 * time.Millisecond, // Debounce rapid changes
		logger:             logger.With(zap.String("component", "workspace_watcher")),
		workspaces:         make(map[string]string),
		pendingByWorkspace: make(map[string]map[string]struct{}),
		done:               make(chan struct{}),
	}, nil
}

// Add starts watching root on behalf of sessionKey
func (w *WorkspaceWatcher) Add(sessionKey, root string) error {
	root = filepath.Clean(root)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.workspaces[root]; exists {
		return nil // Already watching
	}
	if err := w.addTree(root); err != nil {
		return err
	}
	w.workspaces[root] = sessionKey
	return nil
}

// addTree watches dir and its subdirectories. Caller holds w.mu.
func (w *WorkspaceWatcher) addTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			return nil
		}
		if info.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Remove stops watching root
func (w *WorkspaceWatcher) Remove(root string) {
	root = filepath.Clean(root)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.workspaces[root]; !exists {
		return
	}
	for _, path := range w.watcher.WatchList() {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			w.watcher.Remove(path)
		}
	}
	delete(w.workspaces, root)
	delete(w.pendingByWorkspace, root)
}

// Watched returns the watched workspace roots, sorted
func (w *WorkspaceWatcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	roots := make([]string, 0, len(w.workspaces))
	for root := range w.workspaces {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Sync watches the workspaces of the given running sessions and drops the
// rest
func (w *WorkspaceWatcher) Sync(active []agent.Info) {
	want := make(map[string]string, len(active))
	for _, info := range active {
		if info.WorkingDir != "" {
			want[filepath.Clean(info.WorkingDir)] = info.Key
		}
	}

	w.mu.Lock()
	var stale []string
	for root, key := range w.workspaces {
		if want[root] != key {
			stale = append(stale, root)
		}
	}
	w.mu.Unlock()

	for _, root := range stale {
		w.Remove(root)
	}
	for root, key := range want {
		if err := w.Add(key, root); err != nil {
			w.logger.Warn("watching workspace", zap.String("path", root), zap.Error(err))
		}
	}
}

// Start begins watching for file changes
func (w *WorkspaceWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
}

// Follow keeps the watch set in line with the registry's running sessions
// until ctx is done
func (w *WorkspaceWatcher) Follow(ctx context.Context, reg *agent.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Sync(reg.Active())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops watching for file changes
func (w *WorkspaceWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if filepath.Base(event.Name) == agent.LogFileName {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	root := w.findWorkspace(event.Name)
	if root == "" {
		return // Not in a watched workspace
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directories need their own watch; files inside show up later
			w.addTree(event.Name)
			return
		}
	}

	if w.pendingByWorkspace[root] == nil {
		w.pendingByWorkspace[root] = make(map[string]struct{})
	}
	w.pendingByWorkspace[root][event.Name] = struct{}{}

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// findWorkspace returns the deepest watched root containing path. Caller
// holds w.mu.
func (w *WorkspaceWatcher) findWorkspace(path string) string {
	best := ""
	for root := range w.workspaces {
		if (path == root || strings.HasPrefix(path, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

func (w *WorkspaceWatcher) flush() {
	w.mu.Lock()
	// Copy pending state and clear
	pending := w.pendingByWorkspace
	w.pendingByWorkspace = make(map[string]map[string]struct{})
	keys := make(map[string]string, len(pending))
	for root := range pending {
		keys[root] = w.workspaces[root]
	}
	w.mu.Unlock()

	if w.callback == nil {
		return
	}

	for root, fileMap := range pending {
		files := make([]string, 0, len(fileMap))
		for f := range fileMap {
			files = append(files, f)
		}
		sort.Strings(files)
		if len(files) > 0 && keys[root] != "" {
			w.callback(keys[root], files)
		}
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *WorkspaceWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// RecordChanges returns a ChangeCallback that feeds writes into the
// registry's conflict tracker
func RecordChanges(reg *agent.Registry) ChangeCallback {
	return func(sessionKey string, files []string) {
		for _, f := range files {
			reg.RecordFileChange(sessionKey, f)
		}
	}
}
