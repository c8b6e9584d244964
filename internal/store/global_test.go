package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestGlobalIndex(t *testing.T) *GlobalIndex {
	t.Helper()
	g, err := OpenGlobalIndex(filepath.Join(t.TempDir(), "global", "global_registry.sqlite3"))
	if err != nil {
		t.Fatalf("open global index: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGlobalIndexTaskBinding(t *testing.T) {
	g := newTestGlobalIndex(t)
	now := time.Now().UTC()

	if err := g.IndexTask("TASK-20260314-000001-aaaaaaaa", "/home/u/projA", "initialized", now); err != nil {
		t.Fatalf("index: %v", err)
	}
	// Re-indexing refreshes the status but keeps the binding.
	if err := g.IndexTask("TASK-20260314-000001-aaaaaaaa", "/home/u/projA", "active", now); err != nil {
		t.Fatalf("re-index: %v", err)
	}

	ws, err := g.WorkspaceOf("TASK-20260314-000001-aaaaaaaa")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ws != "/home/u/projA" {
		t.Fatalf("workspace = %q", ws)
	}
	if ws, _ := g.WorkspaceOf("TASK-20260314-999999-ffffffff"); ws != "" {
		t.Fatalf("unknown task resolved to %q", ws)
	}

	entries, err := g.ListTaskIndex(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "active" {
		t.Fatalf("index entries = %+v", entries)
	}
}

func TestGlobalIndexWorkspaceCounts(t *testing.T) {
	g := newTestGlobalIndex(t)

	for _, ws := range []string{"/a", "/b"} {
		if err := g.TouchWorkspace(ws); err != nil {
			t.Fatalf("touch %s: %v", ws, err)
		}
	}
	if err := g.SetWorkspaceActive("/a", 3); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := g.SetWorkspaceActive("/b", 1); err != nil {
		t.Fatalf("set active: %v", err)
	}

	active, workspaces, err := g.GlobalCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if active != 4 || workspaces != 2 {
		t.Fatalf("counts = %d agents / %d workspaces", active, workspaces)
	}

	// Decrement floors at zero.
	for i := 0; i < 5; i++ {
		if err := g.DecrementWorkspaceActive("/b"); err != nil {
			t.Fatalf("decrement: %v", err)
		}
	}
	active, _, _ = g.GlobalCounts()
	if active != 3 {
		t.Fatalf("active after floor = %d, want 3", active)
	}

	known, _ := g.ListWorkspaces()
	if len(known) != 2 {
		t.Fatalf("workspaces = %v", known)
	}
}
