package store

import (
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/registry"
	"conductor/internal/types"
)

func TestReconcileRebuildsFromMirror(t *testing.T) {
	s := newTestStore(t)
	taskDir := t.TempDir()
	now := time.Now().UTC()
	taskID := types.NewTaskID(now)
	lockTimeout := 2 * time.Second

	agentA := &types.Agent{
		ID: "builder-000001-aaaaaa", TaskID: taskID, Type: "builder",
		Parent: "orchestrator", Depth: 1, PhaseIndex: 0,
		Status: types.AgentRunning, CreatedAt: now, LastUpdate: now,
		ProgressPath: config.AgentProgressPath(taskDir, "builder-000001-aaaaaa"),
		FindingsPath: config.AgentFindingsPath(taskDir, "builder-000001-aaaaaa"),
	}
	agentB := &types.Agent{
		ID: "builder-000002-bbbbbb", TaskID: taskID, Type: "builder",
		Parent: "orchestrator", Depth: 1, PhaseIndex: 0,
		Status: types.AgentRunning, CreatedAt: now, LastUpdate: now,
		ProgressPath: config.AgentProgressPath(taskDir, "builder-000002-bbbbbb"),
	}

	reg := &registry.TaskRegistry{
		Task: &types.Task{
			ID: taskID, Description: "crashed task", Priority: types.PriorityP2,
			Workspace: taskDir, Status: types.TaskActive,
			Limits: types.DefaultTaskLimits(),
			// The mirror's counter is stale on purpose; reconcile must
			// recompute it from the replayed statuses.
			ActiveCount: 2, TotalAgents: 2,
			CreatedAt: now, UpdatedAt: now,
		},
		Phases: []*types.Phase{{TaskID: taskID, Index: 0, Name: "implementation",
			Status: types.PhaseActive, Version: 2, CreatedAt: now, UpdatedAt: now}},
		Agents: map[string]*types.Agent{agentA.ID: agentA, agentB.ID: agentB},
	}
	if err := registry.WriteTaskRegistry(config.TaskRegistryJSONPath(taskDir), reg, lockTimeout); err != nil {
		t.Fatalf("write mirror: %v", err)
	}

	// Event tails: A finished after the mirror was written, B is still
	// working.
	appendProgress := func(a *types.Agent, status types.AgentStatus, progress int, offset time.Duration) {
		t.Helper()
		if err := registry.AppendJSONL(a.ProgressPath, types.ProgressEvent{
			Timestamp: now.Add(offset), AgentID: a.ID, Status: status,
			Message: "replayed", Progress: progress,
		}); err != nil {
			t.Fatalf("append progress: %v", err)
		}
	}
	appendProgress(agentA, types.AgentWorking, 60, time.Second)
	appendProgress(agentA, types.AgentCompleted, 100, 2*time.Second)
	appendProgress(agentB, types.AgentWorking, 30, time.Second)

	if err := registry.AppendJSONL(agentA.FindingsPath, types.FindingEvent{
		Timestamp: now.Add(time.Second), AgentID: agentA.ID, PhaseIndex: 0,
		Type: types.FindingInsight, Severity: types.SeverityMedium,
		Message: "recovered finding",
	}); err != nil {
		t.Fatalf("append finding: %v", err)
	}

	verify := func() {
		t.Helper()
		task, err := s.GetTask(taskID)
		if err != nil {
			t.Fatalf("task not rebuilt: %v", err)
		}
		if task.ActiveCount != 1 {
			t.Fatalf("active count = %d, want 1 (recomputed from replay)", task.ActiveCount)
		}
		a, err := s.GetAgent(agentA.ID)
		if err != nil {
			t.Fatalf("agent A not rebuilt: %v", err)
		}
		if a.Status != types.AgentCompleted || a.Progress != 100 || a.CompletedAt == nil {
			t.Fatalf("agent A after replay: %+v", a)
		}
		b, _ := s.GetAgent(agentB.ID)
		if b.Status != types.AgentWorking || b.Progress != 30 {
			t.Fatalf("agent B after replay: %+v", b)
		}
		findings, _ := s.ListFindings(taskID, FindingFilter{})
		if len(findings) != 1 || findings[0].Message != "recovered finding" {
			t.Fatalf("findings after replay: %+v", findings)
		}
		phase, err := s.GetPhase(taskID, 0)
		if err != nil || phase.Status != types.PhaseActive {
			t.Fatalf("phase not rebuilt: %+v (%v)", phase, err)
		}
	}

	if err := s.Reconcile(taskDir, lockTimeout); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	verify()

	// Running it again over unchanged files changes nothing.
	if err := s.Reconcile(taskDir, lockTimeout); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	verify()
}

func TestReconcileMissingMirrorIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.Reconcile(t.TempDir(), 2*time.Second); err != nil {
		t.Fatalf("reconcile without a mirror must be a no-op, got %v", err)
	}
}
