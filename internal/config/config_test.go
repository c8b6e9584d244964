package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Review.NumReviewers != 2 || cfg.Spawn.AgentBinary != "claude" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Registry.LockTimeout != 10*time.Second {
		t.Fatalf("lock timeout = %s", cfg.Registry.LockTimeout)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	body := "workspace_base: /srv/orchestrator\nreview:\n  num_reviewers: 3\nspawn:\n  keep_logs: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkspaceBase != "/srv/orchestrator" {
		t.Fatalf("workspace = %q", cfg.WorkspaceBase)
	}
	if cfg.Review.NumReviewers != 3 {
		t.Fatalf("num reviewers = %d", cfg.Review.NumReviewers)
	}
	if cfg.Spawn.KeepLogs {
		t.Fatal("keep_logs override lost")
	}
	// Untouched sections keep their defaults.
	if cfg.Health.ScanInterval != 30*time.Second {
		t.Fatalf("scan interval = %s", cfg.Health.ScanInterval)
	}
}

func TestEnvOverridesApplyLast(t *testing.T) {
	t.Setenv("CONDUCTOR_WORKSPACE_BASE", "/env/override")
	t.Setenv("CONDUCTOR_SCAN_INTERVAL", "90s")
	t.Setenv("CONDUCTOR_AGENT_BINARY", "cursor-agent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkspaceBase != "/env/override" {
		t.Fatalf("workspace = %q", cfg.WorkspaceBase)
	}
	if cfg.Health.ScanInterval != 90*time.Second {
		t.Fatalf("scan interval = %s", cfg.Health.ScanInterval)
	}
	if cfg.Spawn.AgentBinary != "cursor-agent" {
		t.Fatalf("agent binary = %q", cfg.Spawn.AgentBinary)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("review:\n  num_reviewers: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("zero reviewers must be rejected")
	}
}

func TestWorkspaceLayout(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceBase = "/ws"

	if got := cfg.StateDBPath(); got != "/ws/registry/state.sqlite3" {
		t.Fatalf("state db = %q", got)
	}
	if got := cfg.TaskDir("TASK-X"); got != "/ws/TASK-X" {
		t.Fatalf("task dir = %q", got)
	}
	if got := AgentPromptPath("/ws/TASK-X", "builder-1"); got != "/ws/TASK-X/agent_prompt_builder-1.txt" {
		t.Fatalf("prompt path = %q", got)
	}
	if got := HandoverPath("/ws/TASK-X", 2); got != "/ws/TASK-X/handovers/phase_2.md" {
		t.Fatalf("handover path = %q", got)
	}
}
