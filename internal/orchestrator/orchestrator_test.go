package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/query"
	"conductor/internal/stream"
	"conductor/internal/types"
)

// fakeMux hosts sessions in memory and seeds each stream log with
// enough output to satisfy completion validation.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]bool
	nextPID  int
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: map[string]bool{}, nextPID: 50000}
}

func (f *fakeMux) CreateSession(ctx context.Context, name string, command []string, promptPath, logPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(logPath, []byte(strings.Repeat(`{"type":"assistant"}`+"\n", 30)), 0o644); err != nil {
		return 0, err
	}
	f.sessions[name] = true
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeMux) SessionExists(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Spawn.KillRetries = 1
	cfg.Spawn.KeepLogs = false

	o, err := New(cfg, Options{Multiplexer: newFakeMux(), SkipGlobalIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func createTask(t *testing.T, o *Orchestrator, phases ...string) *types.Task {
	t.Helper()
	specs := make([]PhaseSpec, len(phases))
	for i, name := range phases {
		specs[i] = PhaseSpec{Name: name}
	}
	task, err := o.CreateTask(CreateTaskRequest{
		Description: "ship the incremental sync engine",
		Priority:    "P1",
		Phases:      specs,
	})
	require.NoError(t, err)
	return task
}

func spawnWorker(t *testing.T, o *Orchestrator, taskID string) *types.Agent {
	t.Helper()
	a, err := o.SpawnAgent(SpawnAgentRequest{
		TaskID:    taskID,
		AgentType: "builder",
		Prompt:    "implement the sync engine core loop",
	})
	require.NoError(t, err)
	return a
}

func completeWorker(t *testing.T, o *Orchestrator, taskID, agentID string) {
	t.Helper()
	_, err := o.UpdateAgentProgress(UpdateAgentProgressRequest{
		TaskID: taskID, AgentID: agentID,
		Status: "completed", Message: "core loop done", Progress: 100,
	})
	require.NoError(t, err)
}

// waitForReview blocks until the async auto-review owns the phase and
// returns its snapshot.
func waitForReview(t *testing.T, o *Orchestrator, taskID string, phaseIndex int) *query.PhaseSnapshot {
	t.Helper()
	var snap *query.PhaseSnapshot
	require.Eventually(t, func() bool {
		s, err := o.GetPhase(taskID, phaseIndex)
		if err != nil {
			return false
		}
		if s.Phase.Status != types.PhaseUnderReview || s.ActiveReview == nil {
			return false
		}
		snap = s
		return true
	}, 10*time.Second, 20*time.Millisecond, "auto review never started")
	return snap
}

func submitVerdict(t *testing.T, o *Orchestrator, reviewerID, verdict, notes string) {
	t.Helper()
	require.NoError(t, o.SubmitReviewVerdict(SubmitReviewVerdictRequest{
		ReviewerAgentID: reviewerID, Verdict: verdict, Notes: notes,
	}))
}

func TestTaskLifecycleThroughApproval(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build", "verify")

	snap, err := o.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseActive, snap.Phases[0].Status)
	assert.Equal(t, types.PhasePending, snap.Phases[1].Status)

	worker := spawnWorker(t, o, task.ID)
	_, err = o.UpdateAgentProgress(UpdateAgentProgressRequest{
		TaskID: task.ID, AgentID: worker.ID,
		Status: "working", Message: "halfway", Progress: 50,
	})
	require.NoError(t, err)
	require.NoError(t, o.ReportAgentFinding(ReportAgentFindingRequest{
		TaskID: task.ID, AgentID: worker.ID,
		Type: "insight", Severity: "high",
		Message: "upstream API paginates at 500 rows",
	}))

	completeWorker(t, o, task.ID, worker.ID)

	review := waitForReview(t, o, task.ID, 0)
	require.Len(t, review.ActiveReview.ReviewerIDs, 2)
	assert.True(t, review.ActiveReview.AutoSpawned)

	for _, reviewerID := range review.ActiveReview.ReviewerIDs {
		submitVerdict(t, o, reviewerID, "approved", "looks correct")
	}

	require.Eventually(t, func() bool {
		s, err := o.GetTask(task.ID)
		return err == nil && s.Phases[0].Status == types.PhaseApproved &&
			s.Phases[1].Status == types.PhaseActive
	}, 10*time.Second, 20*time.Millisecond, "approval never advanced the phase")

	snap, err = o.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Task.CurrentPhaseIndex)
	assert.Equal(t, types.TaskActive, snap.Task.Status,
		"task must stay active while a later phase remains")

	// The approved phase left a handover behind.
	p0, err := o.GetPhase(task.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, p0.Handover)
	assert.Contains(t, p0.Handover.Summary, "Phase 0")

	// Reviewers were released.
	for _, reviewerID := range review.ActiveReview.ReviewerIDs {
		r, err := o.GetAgent(reviewerID, query.AgentOptions{})
		require.NoError(t, err)
		assert.True(t, r.Agent.Status.IsTerminal(), "reviewer %s still %s", reviewerID, r.Agent.Status)
	}

	// Drive the final phase; its approval completes the task.
	verifier := spawnWorker(t, o, task.ID)
	completeWorker(t, o, task.ID, verifier.ID)
	final := waitForReview(t, o, task.ID, 1)
	for _, reviewerID := range final.ActiveReview.ReviewerIDs {
		submitVerdict(t, o, reviewerID, "approved", "ship it")
	}

	require.Eventually(t, func() bool {
		s, err := o.GetTask(task.ID)
		return err == nil && s.Task.Status == types.TaskCompleted
	}, 10*time.Second, 20*time.Millisecond, "terminal approval never completed the task")
}

func TestRejectionRevisionCycle(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")

	worker := spawnWorker(t, o, task.ID)
	completeWorker(t, o, task.ID, worker.ID)

	review := waitForReview(t, o, task.ID, 0)
	for _, reviewerID := range review.ActiveReview.ReviewerIDs {
		require.NoError(t, o.SubmitReviewVerdict(SubmitReviewVerdictRequest{
			ReviewerAgentID: reviewerID, Verdict: "needs_revision",
			Notes: "error handling is missing",
			Findings: []types.FindingEvent{{
				Type: types.FindingBlocker, Severity: types.SeverityHigh,
				Message: "sync loses rows on retry",
			}},
		}))
	}

	require.Eventually(t, func() bool {
		s, err := o.GetPhase(task.ID, 0)
		return err == nil && s.Phase.Status == types.PhaseRevising
	}, 10*time.Second, 20*time.Millisecond, "rejection never reopened the phase")

	// The fix agent inherits the rejection context in its prompt.
	fix := spawnWorker(t, o, task.ID)
	promptBody, err := os.ReadFile(fix.PromptPath)
	require.NoError(t, err)
	assert.Contains(t, string(promptBody), "### PHASE WAS REJECTED")
	assert.Contains(t, string(promptBody), "sync loses rows on retry")

	completeWorker(t, o, task.ID, fix.ID)

	second := waitForReview(t, o, task.ID, 0)
	require.NotEqual(t, review.ActiveReview.ID, second.ActiveReview.ID)
	for _, reviewerID := range second.ActiveReview.ReviewerIDs {
		submitVerdict(t, o, reviewerID, "approved", "fixed")
	}

	require.Eventually(t, func() bool {
		s, err := o.GetPhase(task.ID, 0)
		return err == nil && s.Phase.Status == types.PhaseApproved
	}, 10*time.Second, 20*time.Millisecond, "revised phase never approved")
}

func TestReviewerDeathFinalizesPartially(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")

	worker := spawnWorker(t, o, task.ID)
	completeWorker(t, o, task.ID, worker.ID)

	review := waitForReview(t, o, task.ID, 0)
	reviewers := review.ActiveReview.ReviewerIDs
	require.Len(t, reviewers, 2)

	submitVerdict(t, o, reviewers[0], "approved", "fine")

	// The second reviewer dies before voting; its termination finalizes
	// the review on the votes that exist.
	_, err := o.KillAgent(KillAgentRequest{AgentID: reviewers[1], Reason: "simulated crash"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := o.GetPhase(task.ID, 0)
		return err == nil && s.Phase.Status == types.PhaseApproved
	}, 10*time.Second, 20*time.Millisecond, "partial finalization never happened")
}

func TestRequestPhaseReviewStartsAutoReview(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")

	// The worker keeps running; review is requested anyway.
	spawnWorker(t, o, task.ID)
	require.NoError(t, o.RequestPhaseReview(RequestPhaseReviewRequest{
		TaskID: task.ID, Reason: "deliverables look done",
	}))

	review := waitForReview(t, o, task.ID, 0)
	require.Len(t, review.ActiveReview.ReviewerIDs, 2)
	assert.Equal(t, "deliverables look done", review.Phase.AutoSubmitReason)
}

func TestSubmitPhaseHandoverAndContext(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build", "verify")
	spawnWorker(t, o, task.ID)

	zero := 0
	h, err := o.SubmitPhaseHandover(SubmitPhaseHandoverRequest{
		TaskID:     task.ID,
		PhaseIndex: &zero,
		Summary:    "Sync engine core loop is in place.",
		Artifacts:  []string{"internal/sync/loop.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sync engine core loop is in place.", h.Summary)
	assert.Contains(t, h.Artifacts, "internal/sync/loop.go")

	one := 1
	hc, err := o.GetHandoverContext(PhaseRequest{TaskID: task.ID, PhaseIndex: &one})
	require.NoError(t, err)
	assert.Equal(t, 1, hc.PhaseIndex)
	require.NotNil(t, hc.PreviousHandover)
	assert.Equal(t, "Sync engine core loop is in place.", hc.PreviousHandover.Summary)
	assert.Contains(t, hc.Accumulated, "### Original Task")
	assert.Contains(t, hc.Accumulated, "ship the incremental sync engine")

	// Missing summary is refused.
	_, err = o.SubmitPhaseHandover(SubmitPhaseHandoverRequest{TaskID: task.ID, PhaseIndex: &zero})
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestManualApprovalBlockedDuringAutoReview(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")

	worker := spawnWorker(t, o, task.ID)
	completeWorker(t, o, task.ID, worker.ID)
	waitForReview(t, o, task.ID, 0)

	_, err := o.ApprovePhase(PhaseRequest{TaskID: task.ID})
	assert.Equal(t, types.CodeManualApprovalBlocked, types.CodeOf(err))
}

func TestDuplicateTerminalReportsAreHarmless(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build", "verify")

	worker := spawnWorker(t, o, task.ID)
	completeWorker(t, o, task.ID, worker.ID)

	res, err := o.UpdateAgentProgress(UpdateAgentProgressRequest{
		TaskID: task.ID, AgentID: worker.ID,
		Status: "completed", Message: "done again", Progress: 100,
	})
	require.NoError(t, err)
	assert.False(t, res.BecameTerminal)

	snap, err := o.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Task.ActiveCount)
	assert.Equal(t, 1, snap.Task.TotalAgents)
}

func TestReconcileIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")

	worker := spawnWorker(t, o, task.ID)
	_, err := o.UpdateAgentProgress(UpdateAgentProgressRequest{
		TaskID: task.ID, AgentID: worker.ID,
		Status: "working", Message: "in flight", Progress: 40,
	})
	require.NoError(t, err)

	before, err := o.GetTask(task.ID)
	require.NoError(t, err)

	require.NoError(t, o.Reconcile(task.ID))
	require.NoError(t, o.Reconcile(task.ID))

	after, err := o.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Task.ActiveCount, after.Task.ActiveCount)
	assert.Equal(t, before.Counts, after.Counts)
	a, err := o.GetAgent(worker.ID, query.AgentOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.AgentWorking, a.Agent.Status)
	assert.Equal(t, 40, a.Agent.Progress)

	assert.Equal(t, types.CodeValidationFailed,
		types.CodeOf(o.Reconcile("not-a-task-id")))
}

func TestCreateTaskValidation(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.CreateTask(CreateTaskRequest{Description: "too short", Phases: []PhaseSpec{{Name: "x"}}})
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	_, err = o.CreateTask(CreateTaskRequest{Description: "a task with no phase plan at all"})
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	_, err = o.SpawnAgent(SpawnAgentRequest{TaskID: "", AgentType: "builder", Prompt: "missing the task id"})
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestAgentOutputRetrieval(t *testing.T) {
	o := newTestOrchestrator(t)
	task := createTask(t, o, "build")
	worker := spawnWorker(t, o, task.ID)

	out, err := o.GetAgentOutput(worker.ID, stream.FormatSummary, 0)
	require.NoError(t, err)
	assert.Contains(t, out.Content, "assistant=30")
}
