package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateAndClose(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	ws, err := m.Create("job-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, sub := range []string{DirAssets, DirNorm, DirOut} {
		if info, err := os.Stat(ws.Path(sub)); err != nil || !info.IsDir() {
			t.Errorf("missing sub-directory %s", sub)
		}
	}
	if m.Active() != 1 {
		t.Errorf("expected 1 active workspace, got %d", m.Active())
	}

	if _, err := m.Create("job-1"); err == nil {
		t.Error("a live job id must not be reused")
	}

	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("workspace directory should be gone, stat err=%v", err)
	}
	if m.Active() != 0 {
		t.Errorf("expected 0 active workspaces, got %d", m.Active())
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}
}

func TestCreateRejectsTraversal(t *testing.T) {
	m, _ := NewManager(t.TempDir(), 0, nil)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Create(id); err == nil {
			t.Errorf("Create(%q) should fail", id)
		}
	}
}

func TestRel(t *testing.T) {
	m, _ := NewManager(t.TempDir(), 0, nil)
	ws, _ := m.Create("job-rel")
	defer ws.Close()

	rel, err := ws.Rel(ws.Path(DirNorm, "scene_000.mp4"))
	if err != nil || rel != "norm/scene_000.mp4" {
		t.Errorf("Rel() = %q, %v", rel, err)
	}
	if _, err := ws.Rel(filepath.Dir(ws.Dir)); err == nil {
		t.Error("paths outside the workspace should be rejected")
	}
}

func TestQuota(t *testing.T) {
	m, _ := NewManager(t.TempDir(), 100, nil)
	a, _ := m.Create("a")
	b, _ := m.Create("b")

	if err := a.Reserve(60); err != nil {
		t.Fatalf("Reserve(60) error: %v", err)
	}
	if err := b.Reserve(50); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if err := b.Reserve(40); err != nil {
		t.Fatalf("Reserve(40) error: %v", err)
	}
	if m.Reserved() != 100 {
		t.Errorf("reserved = %d, want 100", m.Reserved())
	}

	a.Release(10)
	if m.Reserved() != 90 || a.Reserved() != 50 {
		t.Errorf("after release: manager=%d workspace=%d", m.Reserved(), a.Reserved())
	}

	a.Close()
	if m.Reserved() != 40 {
		t.Errorf("closing returns the workspace's bytes, reserved=%d", m.Reserved())
	}
	b.Close()
	if m.Reserved() != 0 {
		t.Errorf("reserved should drop to 0, got %d", m.Reserved())
	}
	if err := a.Reserve(1); err == nil {
		t.Error("reserving on a closed workspace should fail")
	}
}

func TestSweepSkipsLiveAndFresh(t *testing.T) {
	root := t.TempDir()
	m, _ := NewManager(root, 0, nil)

	live, _ := m.Create("live")
	defer live.Close()

	stale := filepath.Join(root, "stale")
	fresh := filepath.Join(root, "fresh")
	os.MkdirAll(stale, 0o755)
	os.MkdirAll(fresh, 0o755)
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale, old, old)
	os.Chtimes(live.Dir, old, old)

	removed, err := m.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale orphan should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh directory should survive")
	}
	if _, err := os.Stat(live.Dir); err != nil {
		t.Error("live workspace should survive")
	}
}

func TestJanitor(t *testing.T) {
	root := t.TempDir()
	m, _ := NewManager(root, 0, nil)
	orphan := filepath.Join(root, "orphan")
	os.MkdirAll(orphan, 0o755)
	old := time.Now().Add(-time.Hour)
	os.Chtimes(orphan, old, old)

	j := NewJanitor(m, time.Minute, nil)
	if err := j.Start("@every 1h"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer j.Stop(context.Background())

	var reported []int
	j.OnSweep(func(n int) { reported = append(reported, n) })

	if n := j.RunOnce(); n != 1 {
		t.Errorf("RunOnce() removed %d, want 1", n)
	}
	if n := j.RunOnce(); n != 0 {
		t.Errorf("second RunOnce() removed %d, want 0", n)
	}
	if len(reported) != 2 || reported[0] != 1 || reported[1] != 0 {
		t.Errorf("OnSweep saw %v, want [1 0]", reported)
	}
	if err := NewJanitor(m, time.Minute, nil).Start("not a schedule"); err == nil {
		t.Error("invalid schedule should fail")
	}
}
