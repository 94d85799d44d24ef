package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reelfetch/internal"
	"reelfetch/utils"
)

// workspaceTimeFormat is the coarse timestamp in workspace names
const workspaceTimeFormat = "20060102_150405"

// workspaceName matches the names Acquire hands out; SweepStale touches nothing else
var workspaceName = regexp.MustCompile(`^[A-Za-z0-9._-]+_[0-9]{8}_[0-9]{6}_[0-9a-f]{8}$`)

// Workspace is a directory owned by exactly one request. Files inside it are
// valid only until the workspace is released.
type Workspace struct {
	Dir           string
	CorrelationID string
	CreatedAt     time.Time

	released atomic.Bool
}

// Path joins name onto the workspace directory
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Released reports whether the workspace has been released
func (w *Workspace) Released() bool {
	return w.released.Load()
}

// WorkspaceManager allocates per-request directories under a root and removes them
type WorkspaceManager struct {
	root string
	now  func() time.Time
	// removeAll is os.RemoveAll; tests swap it to inject failures
	removeAll func(string) error

	mutex  sync.Mutex
	active map[string]*Workspace
}

// NewWorkspaceManager creates a manager rooted at root
func NewWorkspaceManager(root string) *WorkspaceManager {
	return &WorkspaceManager{
		root:      root,
		now:       time.Now,
		removeAll: os.RemoveAll,
		active:    make(map[string]*Workspace),
	}
}

// Root returns the directory all workspaces live under
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Acquire creates a fresh directory named after the correlation id, a
// timestamp and a random suffix, so concurrent requests from one caller never collide
func (m *WorkspaceManager) Acquire(correlationID string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	now := m.now()
	name := fmt.Sprintf("%s_%s_%s",
		utils.SanitizeName(correlationID, 48),
		now.Format(workspaceTimeFormat),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	dir := filepath.Join(m.root, name)

	// Mkdir rather than MkdirAll: an existing directory must never be reused
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{Dir: dir, CorrelationID: correlationID, CreatedAt: now}

	m.mutex.Lock()
	m.active[dir] = ws
	m.mutex.Unlock()

	internal.LogDebug("[%s] Acquired workspace %s", correlationID, dir)
	return ws, nil
}

// Release removes the workspace and everything in it. Only the first call for
// a workspace does anything. A removal failure is logged and never returned,
// so it cannot hide the outcome of the request.
func (m *WorkspaceManager) Release(ws *Workspace) {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return
	}

	m.mutex.Lock()
	delete(m.active, ws.Dir)
	m.mutex.Unlock()

	if err := m.removeAll(ws.Dir); err != nil {
		internal.LogWarn("[%s] Failed to remove workspace %s: %v", ws.CorrelationID, ws.Dir, err)
		return
	}
	internal.LogDebug("[%s] Released workspace %s", ws.CorrelationID, ws.Dir)
}

// Active returns the number of acquired, unreleased workspaces
func (m *WorkspaceManager) Active() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.active)
}

// SweepStale removes workspaces under the root left behind by a previous
// process that did not exit cleanly. Live workspaces and entries not named
// like a workspace are never touched, since the root may be a shared directory.
func (m *WorkspaceManager) SweepStale(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !workspaceName.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())

		m.mutex.Lock()
		_, live := m.active[dir]
		m.mutex.Unlock()
		if live {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := m.removeAll(dir); err != nil {
			internal.LogWarn("Failed to remove stale workspace %s: %v", dir, err)
			continue
		}
		removed++
	}
	return removed, nil
}
