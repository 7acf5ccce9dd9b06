// Package workspace hands each render job an exclusively owned directory
// and keeps global disk quota accounting across all live workspaces.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// ErrQuotaExceeded is returned by Reserve when the global disk budget is spent.
var ErrQuotaExceeded = errors.New("disk quota exceeded")

// Sub-directories created in every workspace.
const (
	DirAssets = "assets"
	DirNorm   = "norm"
	DirOut    = "out"
)

// Manager creates workspaces under one root and tracks which are live.
type Manager struct {
	root  string
	quota int64 // 0 = unlimited
	log   *logger.Logger

	mu       sync.Mutex
	reserved int64
	active   map[string]*Workspace
}

// NewManager creates root if needed.
func NewManager(root string, quota int64, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{
		root:   abs,
		quota:  quota,
		log:    log.WithComponent("workspace"),
		active: make(map[string]*Workspace),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Create makes the directory for jobID. The caller owns the returned
// workspace and must Close it on every exit path.
func (m *Manager) Create(jobID string) (*Workspace, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	dir := filepath.Join(m.root, jobID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[jobID]; exists {
		return nil, fmt.Errorf("workspace %s already in use", jobID)
	}
	for _, sub := range []string{DirAssets, DirNorm, DirOut} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}

	ws := &Workspace{ID: jobID, Dir: dir, m: m}
	m.active[jobID] = ws
	m.log.Debug("workspace created", "job_id", jobID, "dir", dir)
	return ws, nil
}

// Active returns the number of live workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Reserved returns the bytes currently reserved across live workspaces.
func (m *Manager) Reserved() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func (m *Manager) reserve(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 && m.reserved+n > m.quota {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrQuotaExceeded, n, m.reserved, m.quota)
	}
	m.reserved += n
	return nil
}

func (m *Manager) release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved -= n
	if m.reserved < 0 {
		m.reserved = 0
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Sweep removes directories under root that belong to no live workspace and
// were last modified before maxAge ago. It returns how many were removed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m.mu.Lock()
		_, live := m.active[e.Name()]
		m.mu.Unlock()
		if live {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("failed to remove stale workspace", "dir", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Workspace is one job's directory. All paths handed to other stages are
// inside Dir.
type Workspace struct {
	ID  string
	Dir string

	m        *Manager
	mu       sync.Mutex
	reserved int64
	closed   bool
}

// Path joins rel onto the workspace directory.
func (w *Workspace) Path(rel ...string) string {
	return filepath.Join(append([]string{w.Dir}, rel...)...)
}

// Rel returns path relative to the workspace, failing if it lies outside.
func (w *Workspace) Rel(path string) (string, error) {
	rel, err := filepath.Rel(w.Dir, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside workspace %s", path, w.Dir)
	}
	return filepath.ToSlash(rel), nil
}

// Reserve accounts n bytes against the global quota.
func (w *Workspace) Reserve(n int64) error {
	if n <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("workspace %s is closed", w.ID)
	}
	if err := w.m.reserve(n); err != nil {
		return err
	}
	w.reserved += n
	return nil
}

// Release returns n previously reserved bytes.
func (w *Workspace) Release(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.reserved {
		n = w.reserved
	}
	if n <= 0 {
		return
	}
	w.reserved -= n
	w.m.release(n)
}

// Reserved returns the bytes this workspace holds against the quota.
func (w *Workspace) Reserved() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reserved
}

// Close deletes the directory and returns its quota. Safe to call twice.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	held := w.reserved
	w.reserved = 0
	w.mu.Unlock()

	err := os.RemoveAll(w.Dir)
	w.m.release(held)
	w.m.forget(w.ID)
	if err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.ID, err)
	}
	w.m.log.Debug("workspace removed", "job_id", w.ID)
	return nil
}
