package health

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/metrics"
	"conductor/internal/store"
	"conductor/internal/types"
)

type fakeSessions struct {
	mu   sync.Mutex
	live map[string]bool
}

func (f *fakeSessions) CreateSession(ctx context.Context, name string, command []string, promptPath, logPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[name] = true
	return os.Getpid(), nil
}

func (f *fakeSessions) SessionExists(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name]
}

func (f *fakeSessions) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

type fakeFailer struct {
	mu     sync.Mutex
	failed map[string]string
}

func (f *fakeFailer) MarkFailed(agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[agentID] = reason
	return nil
}

func (f *fakeFailer) reasonFor(agentID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[agentID]
}

type fakeSweeper struct {
	mu    sync.Mutex
	swept []string
}

func (f *fakeSweeper) SweepStalled(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, taskID)
	return nil
}

type daemonFixture struct {
	st      *store.Store
	mux     *fakeSessions
	failer  *fakeFailer
	sweeper *fakeSweeper
	daemon  *Daemon
	cfg     config.Config
}

func newDaemonFixture(t *testing.T, global *store.GlobalIndex) *daemonFixture {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceBase = t.TempDir()

	st, err := store.Open(filepath.Join(cfg.WorkspaceBase, "registry", "state.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	fx := &daemonFixture{
		st:      st,
		mux:     &fakeSessions{live: map[string]bool{}},
		failer:  &fakeFailer{failed: map[string]string{}},
		sweeper: &fakeSweeper{},
		cfg:     cfg,
	}
	fx.daemon = NewDaemon(st, global, fx.mux, fx.failer, fx.sweeper, bus, metrics.New(), cfg)
	return fx
}

func (fx *daemonFixture) seedTask(t *testing.T) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{
		ID: types.NewTaskID(now), Description: "health probe target",
		Priority: types.PriorityP2, Status: types.TaskInitialized,
		Limits: types.DefaultTaskLimits(), CreatedAt: now, UpdatedAt: now,
	}
	if err := fx.st.CreateTask(task, []types.Phase{
		{TaskID: task.ID, Index: 0, Name: "work", Status: types.PhaseActive}}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	fx.daemon.RegisterTask(task.ID)
	return task
}

// seedAgent registers an agent whose session lives in the fake mux and
// whose pid is this test process, so every probe passes until the test
// breaks something on purpose.
func (fx *daemonFixture) seedAgent(t *testing.T, taskID string, phaseIndex int) *types.Agent {
	t.Helper()
	a := &types.Agent{
		ID:          types.NewAgentID("builder", time.Now()),
		TaskID:      taskID,
		Type:        "builder",
		Parent:      "orchestrator",
		Depth:       1,
		PhaseIndex:  phaseIndex,
		SessionName: "health-" + types.NewAgentID("s", time.Now()),
		PID:         os.Getpid(),
		Status:      types.AgentRunning,
	}
	if err := fx.st.RegisterAgent(a); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	fx.mux.mu.Lock()
	fx.mux.live[a.SessionName] = true
	fx.mux.mu.Unlock()
	if _, err := fx.st.RecordProgress(taskID, a.ID, time.Now().UTC(),
		types.AgentWorking, "alive", 10); err != nil {
		t.Fatalf("prime progress: %v", err)
	}
	return a
}

func TestScanSkipsHealthyAgents(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	task := fx.seedTask(t)
	a := fx.seedAgent(t, task.ID, 0)

	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(a.ID); reason != "" {
		t.Fatalf("healthy agent failed with %q", reason)
	}
	fx.sweeper.mu.Lock()
	swept := len(fx.sweeper.swept)
	fx.sweeper.mu.Unlock()
	if swept != 1 {
		t.Fatalf("review sweep ran %d times, want 1", swept)
	}
}

func TestScanDetectsDeadSession(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	task := fx.seedTask(t)
	a := fx.seedAgent(t, task.ID, 0)

	fx.mux.KillSession(context.Background(), a.SessionName)
	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(a.ID); reason != types.ReasonSessionDead {
		t.Fatalf("reason = %q, want %q", reason, types.ReasonSessionDead)
	}
}

func TestScanDetectsDeadProcess(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	task := fx.seedTask(t)

	a := &types.Agent{
		ID: types.NewAgentID("builder", time.Now()), TaskID: task.ID,
		Type: "builder", Parent: "orchestrator", Depth: 1, PhaseIndex: 0,
		SessionName: "health-deadpid",
		// A pid above the kernel's pid_max; it can never be live.
		PID:    1 << 30,
		Status: types.AgentRunning,
	}
	if err := fx.st.RegisterAgent(a); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	fx.mux.live[a.SessionName] = true

	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(a.ID); reason != types.ReasonClaudeDead {
		t.Fatalf("reason = %q, want %q", reason, types.ReasonClaudeDead)
	}
}

func TestScanDetectsStuckAgent(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	fx.daemon.cfg.Health.StuckThreshold = time.Second
	task := fx.seedTask(t)
	a := fx.seedAgent(t, task.ID, 0)

	// The agent's last sign of life is an hour old and there is no
	// stream log to contradict it.
	if _, err := fx.st.RecordProgress(task.ID, a.ID,
		time.Now().UTC().Add(-time.Hour), types.AgentWorking, "stale", 20); err != nil {
		t.Fatalf("backdate progress: %v", err)
	}

	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(a.ID); reason != types.ReasonAgentStuck {
		t.Fatalf("reason = %q, want %q", reason, types.ReasonAgentStuck)
	}
}

func TestScanDetectsOrphanedReviewer(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	task := fx.seedTask(t)
	// A reviewer with a live session and process but no review in
	// progress.
	r := fx.seedAgent(t, task.ID, types.ReviewerPhaseIndex)

	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(r.ID); reason != types.ReasonReviewerOrphaned {
		t.Fatalf("reason = %q, want %q", reason, types.ReasonReviewerOrphaned)
	}
}

func TestScanIgnoresTerminalAgents(t *testing.T) {
	fx := newDaemonFixture(t, nil)
	task := fx.seedTask(t)
	a := fx.seedAgent(t, task.ID, 0)

	if _, err := fx.st.RecordProgress(task.ID, a.ID, time.Now().UTC(),
		types.AgentCompleted, "done", 100); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fx.mux.KillSession(context.Background(), a.SessionName)

	fx.daemon.Scan()

	if reason := fx.failer.reasonFor(a.ID); reason != "" {
		t.Fatalf("terminal agent probed and failed with %q", reason)
	}
}

func TestGlobalPassEveryNthScan(t *testing.T) {
	global, err := store.OpenGlobalIndex(filepath.Join(t.TempDir(), "global_registry.sqlite3"))
	if err != nil {
		t.Fatalf("open global index: %v", err)
	}
	t.Cleanup(func() { global.Close() })

	fx := newDaemonFixture(t, global)
	fx.daemon.cfg.Health.GlobalPassEach = 2
	task := fx.seedTask(t)
	fx.seedAgent(t, task.ID, 0)

	// A second workspace, indexed with one agent whose session the mux
	// does not know.
	foreignBase := t.TempDir()
	foreignStore, err := store.Open(config.StateDBPathIn(foreignBase))
	if err != nil {
		t.Fatalf("open foreign store: %v", err)
	}
	t.Cleanup(func() { foreignStore.Close() })
	now := time.Now().UTC()
	foreignTask := &types.Task{
		ID: types.NewTaskID(now), Description: "other workspace task",
		Priority: types.PriorityP2, Status: types.TaskInitialized,
		Limits: types.DefaultTaskLimits(), CreatedAt: now, UpdatedAt: now,
	}
	if err := foreignStore.CreateTask(foreignTask, []types.Phase{
		{TaskID: foreignTask.ID, Index: 0, Name: "work", Status: types.PhaseActive}}); err != nil {
		t.Fatalf("create foreign task: %v", err)
	}
	orphan := &types.Agent{
		ID: types.NewAgentID("builder", now), TaskID: foreignTask.ID,
		Type: "builder", Parent: "orchestrator", Depth: 1, PhaseIndex: 0,
		SessionName: "foreign-vanished", Status: types.AgentRunning,
	}
	if err := foreignStore.RegisterAgent(orphan); err != nil {
		t.Fatalf("register foreign agent: %v", err)
	}
	if err := global.TouchWorkspace(foreignBase); err != nil {
		t.Fatalf("touch foreign workspace: %v", err)
	}
	if err := global.SetWorkspaceActive(foreignBase, 1); err != nil {
		t.Fatalf("set foreign active: %v", err)
	}

	fx.daemon.Scan()
	if known, _ := global.ListWorkspaces(); len(known) != 1 {
		t.Fatalf("global pass ran on scan 1: %v", known)
	}

	fx.daemon.Scan()
	known, err := global.ListWorkspaces()
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("workspaces after scan 2 = %v", known)
	}

	// The foreign agent's dead session was swept and its workspace
	// counter decremented, leaving only this workspace's live agent.
	got, err := foreignStore.GetAgent(orphan.ID)
	if err != nil {
		t.Fatalf("get foreign agent: %v", err)
	}
	if got.Status != types.AgentFailed || got.TerminalReason != types.ReasonSessionDead {
		t.Fatalf("foreign agent after sweep: %s (%s)", got.Status, got.TerminalReason)
	}
	active, _, err := global.GlobalCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if active != 1 {
		t.Fatalf("global active count = %d, want 1", active)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Resources close via defers so the leak check sees a quiet
	// process.
	cfg := config.Default()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Health.ScanInterval = time.Hour // scans only on trigger

	st, err := store.Open(filepath.Join(cfg.WorkspaceBase, "registry", "state.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	bus := events.NewBus()
	defer bus.Close()

	d := NewDaemon(st, nil, &fakeSessions{live: map[string]bool{}},
		&fakeFailer{failed: map[string]string{}}, &fakeSweeper{}, bus, metrics.New(), cfg)

	d.Start()
	d.Start() // idempotent

	d.TriggerScan()
	deadline := time.Now().Add(5 * time.Second)
	for d.Scans() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("triggered scan never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := d.GetStatus()
	if !status.Running || status.Scans < 1 {
		t.Fatalf("status = %+v", status)
	}

	d.Stop()
	d.Stop() // idempotent

	if d.GetStatus().Running {
		t.Fatal("daemon still reports running after Stop")
	}

	// Triggers after Stop are no-ops.
	d.TriggerScan()
}
