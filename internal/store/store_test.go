package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPhases(taskID string, n int) []types.Phase {
	out := make([]types.Phase, n)
	for i := 0; i < n; i++ {
		out[i] = types.Phase{
			TaskID: taskID,
			Index:  i,
			Name:   "phase",
			Status: types.PhasePending,
		}
	}
	return out
}

func seedTask(t *testing.T, s *Store, numPhases int) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{
		ID:          types.NewTaskID(now),
		Description: "test task",
		Priority:    types.PriorityP2,
		Workspace:   "/tmp/ws",
		Status:      types.TaskInitialized,
		Limits:      types.DefaultTaskLimits(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateTask(task, testPhases(task.ID, numPhases)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func seedAgent(t *testing.T, s *Store, taskID string, phaseIndex int) *types.Agent {
	t.Helper()
	a := &types.Agent{
		ID:         types.NewAgentID("builder", time.Now()),
		TaskID:     taskID,
		Type:       "builder",
		Parent:     "orchestrator",
		Depth:      1,
		PhaseIndex: phaseIndex,
		Status:     types.AgentRunning,
	}
	if err := s.RegisterAgent(a); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	task := &types.Task{
		ID:          types.NewTaskID(now),
		Description: "round trip",
		Priority:    types.PriorityP1,
		Workspace:   "/tmp/ws",
		Status:      types.TaskInitialized,
		Limits:      types.TaskLimits{MaxAgents: 7, MaxConcurrent: 2, MaxDepth: 1},
		Context: &types.TaskContext{
			Background:   "some background",
			Deliverables: []string{"a binary"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateTask(task, testPhases(task.ID, 2)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "round trip" || got.Priority != types.PriorityP1 {
		t.Fatalf("task round trip lost fields: %+v", got)
	}
	if got.Limits.MaxAgents != 7 || got.Limits.MaxConcurrent != 2 {
		t.Fatalf("limits lost: %+v", got.Limits)
	}
	if got.Context == nil || got.Context.Background != "some background" {
		t.Fatalf("context lost: %+v", got.Context)
	}
	if n, _ := s.CountPhases(task.ID); n != 2 {
		t.Fatalf("phase count = %d, want 2", n)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask("TASK-20260101-000000-00000000")
	if types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestCreateTaskRejectsGappyPhases(t *testing.T) {
	s := newTestStore(t)
	task := &types.Task{ID: types.NewTaskID(time.Now()), Description: "x",
		Status: types.TaskInitialized, Limits: types.DefaultTaskLimits(),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}

	phases := testPhases(task.ID, 2)
	phases[1].Index = 3
	if err := s.CreateTask(task, phases); types.CodeOf(err) != types.CodeValidationFailed {
		t.Fatalf("gappy phase indexes must be refused, got %v", err)
	}
	if err := s.CreateTask(task, nil); types.CodeOf(err) != types.CodeValidationFailed {
		t.Fatalf("zero phases must be refused, got %v", err)
	}
}

func TestListTasksFilter(t *testing.T) {
	s := newTestStore(t)
	a := seedTask(t, s, 1)
	b := seedTask(t, s, 1)
	if err := s.TransitionTaskToActive(b.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	active, err := s.ListTasks(TaskFilter{Status: types.TaskActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != b.ID {
		t.Fatalf("status filter returned %d tasks", len(active))
	}

	all, err := s.ListTasks(TaskFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("limit ignored, got %d tasks", len(all))
	}
	_ = a
}

func TestTaskTransitions(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)

	// Completing an initialized task skips the active state and is
	// refused.
	if err := s.TransitionTaskToCompleted(task.ID); types.CodeOf(err) != types.CodeInvalidTransition {
		t.Fatalf("initialized -> completed must be refused, got %v", err)
	}

	if err := s.TransitionTaskToActive(task.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Re-activating is an idempotent no-op.
	if err := s.TransitionTaskToActive(task.ID); err != nil {
		t.Fatalf("re-activate: %v", err)
	}

	if err := s.TransitionTaskToCompleted(task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != types.TaskCompleted || got.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", got)
	}
}

func TestCASPhaseStatus(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)

	p, err := s.GetPhase(task.ID, 0)
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if err := s.CASPhaseStatus(task.ID, 0, types.PhaseActive, p.Version, PhaseUpdate{}); err != nil {
		t.Fatalf("cas: %v", err)
	}

	// The same version again is stale.
	err = s.CASPhaseStatus(task.ID, 0, types.PhaseAwaitingReview, p.Version, PhaseUpdate{})
	if !errors.Is(err, types.ErrStaleVersion) {
		t.Fatalf("stale cas must fail with ErrStaleVersion, got %v", err)
	}

	got, _ := s.GetPhase(task.ID, 0)
	if got.Status != types.PhaseActive || got.Version != p.Version+1 {
		t.Fatalf("phase after cas: status=%s version=%d", got.Status, got.Version)
	}

	// Unknown phase is not_found, not stale.
	err = s.CASPhaseStatus(task.ID, 9, types.PhaseActive, 1, PhaseUpdate{})
	if types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("missing phase must be not_found, got %v", err)
	}
}

func TestCASPhaseStatusSideEffects(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)

	p, _ := s.GetPhase(task.ID, 0)
	auto := true
	reviewID := "review-abc"
	if err := s.CASPhaseStatus(task.ID, 0, types.PhaseActive, p.Version, PhaseUpdate{
		AutoReview:     &auto,
		ActiveReviewID: &reviewID,
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	got, _ := s.GetPhase(task.ID, 0)
	if !got.AutoReview || got.ActiveReviewID != "review-abc" {
		t.Fatalf("side effects lost: %+v", got)
	}
}

func TestRegisterAgentActivatesTaskAndCounts(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)

	seedAgent(t, s, task.ID, 0)
	got, _ := s.GetTask(task.ID)
	if got.Status != types.TaskActive {
		t.Fatalf("first spawn must activate the task, got %s", got.Status)
	}
	if got.ActiveCount != 1 || got.TotalAgents != 1 {
		t.Fatalf("counters after spawn: active=%d total=%d", got.ActiveCount, got.TotalAgents)
	}
}

func TestRegisterAgentLimits(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	task := &types.Task{ID: types.NewTaskID(now), Description: "limited",
		Status: types.TaskInitialized,
		Limits: types.TaskLimits{MaxAgents: 5, MaxConcurrent: 2, MaxDepth: 2},
		CreatedAt: now, UpdatedAt: now}
	if err := s.CreateTask(task, testPhases(task.ID, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	seedAgent(t, s, task.ID, 0)
	seedAgent(t, s, task.ID, 0)

	over := &types.Agent{ID: types.NewAgentID("builder", now), TaskID: task.ID,
		Type: "builder", Parent: "orchestrator", Depth: 1, Status: types.AgentRunning}
	if err := s.RegisterAgent(over); types.CodeOf(err) != types.CodeLimitExceeded {
		t.Fatalf("concurrency limit must be enforced, got %v", err)
	}

	deep := &types.Agent{ID: types.NewAgentID("builder", now), TaskID: task.ID,
		Type: "builder", Parent: "orchestrator", Depth: 3, Status: types.AgentRunning}
	if err := s.RegisterAgent(deep); types.CodeOf(err) != types.CodeLimitExceeded {
		t.Fatalf("depth limit must be enforced, got %v", err)
	}

	// Failed registrations leave no partial state behind.
	got, _ := s.GetTask(task.ID)
	if got.ActiveCount != 2 || got.TotalAgents != 2 {
		t.Fatalf("counters after refused spawns: active=%d total=%d", got.ActiveCount, got.TotalAgents)
	}
}

func TestRecordProgressDecrementsOnce(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)
	a := seedAgent(t, s, task.ID, 0)

	res, err := s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentWorking, "halfway", 50)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if res.BecameTerminal {
		t.Fatal("active -> active must not be terminal")
	}

	res, err = s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentCompleted, "done", 100)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !res.BecameTerminal {
		t.Fatal("active -> completed must be terminal")
	}
	got, _ := s.GetTask(task.ID)
	if got.ActiveCount != 0 {
		t.Fatalf("active count after completion = %d, want 0", got.ActiveCount)
	}

	// A duplicate terminal report must not decrement again.
	res, err = s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentCompleted, "done again", 100)
	if err != nil {
		t.Fatalf("duplicate progress: %v", err)
	}
	if res.BecameTerminal {
		t.Fatal("terminal -> terminal must not re-report terminality")
	}
	got, _ = s.GetTask(task.ID)
	if got.ActiveCount != 0 {
		t.Fatalf("active count went negative: %d", got.ActiveCount)
	}
}

func TestRecordProgressRefusedOnApprovedPhase(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 2)
	a := seedAgent(t, s, task.ID, 0)

	p, _ := s.GetPhase(task.ID, 0)
	if err := s.CASPhaseStatus(task.ID, 0, types.PhaseApproved, p.Version, PhaseUpdate{}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := s.SetCurrentPhaseIndex(task.ID, 1); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	_, err := s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentWorking, "late", 40)
	if types.CodeOf(err) != types.CodeValidationFailed {
		t.Fatalf("progress against an approved phase must be refused, got %v", err)
	}
}

func TestMarkAgentTerminalRollsUpTask(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 1)
	a := seedAgent(t, s, task.ID, 0)
	b := seedAgent(t, s, task.ID, 0)

	if _, err := s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentCompleted, "done", 100); err != nil {
		t.Fatalf("progress: %v", err)
	}

	res, err := s.MarkAgentTerminal(b.ID, types.AgentFailed, types.ReasonSessionDead, true)
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if !res.BecameTerminal {
		t.Fatal("active agent must become terminal")
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("rollup did not complete the task, status=%s", got.Status)
	}
	gotAgent, _ := s.GetAgent(b.ID)
	if gotAgent.TerminalReason != types.ReasonSessionDead {
		t.Fatalf("terminal reason lost: %q", gotAgent.TerminalReason)
	}

	if _, err := s.MarkAgentTerminal(b.ID, types.AgentRunning, "", false); types.CodeOf(err) != types.CodeValidationFailed {
		t.Fatalf("non-terminal status must be refused, got %v", err)
	}
}

func TestPhaseAgentCountsExcludeNothing(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, 2)
	seedAgent(t, s, task.ID, 0)
	a := seedAgent(t, s, task.ID, 0)
	reviewer := seedAgent(t, s, task.ID, types.ReviewerPhaseIndex)

	if _, err := s.RecordProgress(task.ID, a.ID, time.Now().UTC(), types.AgentCompleted, "done", 100); err != nil {
		t.Fatalf("progress: %v", err)
	}

	counts, err := s.GetPhaseAgentCounts(task.ID, 0)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != 2 || counts.Active != 1 || counts.Terminal != 1 {
		t.Fatalf("phase counts = %+v", counts)
	}

	taskCounts, _ := s.GetTaskCounts(task.ID)
	if taskCounts.Total != 3 {
		t.Fatalf("task counts include the reviewer, got total=%d", taskCounts.Total)
	}
	_ = reviewer
}
