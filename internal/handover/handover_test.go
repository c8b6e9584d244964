package handover

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/store"
	"conductor/internal/types"
)

func newGenFixture(t *testing.T, cfg config.HandoverConfig) (*Generator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewGenerator(st, bus, cfg), st
}

func seedApprovedPhase(t *testing.T, st *store.Store) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{
		ID: types.NewTaskID(now), Description: "export pipeline",
		Priority: types.PriorityP2, Status: types.TaskActive,
		Limits: types.DefaultTaskLimits(), CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateTask(task, []types.Phase{
		{TaskID: task.ID, Index: 0, Name: "build", Status: types.PhasePending}}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func seedWorker(t *testing.T, st *store.Store, taskID, agentType, finalMessage string) *types.Agent {
	t.Helper()
	a := &types.Agent{
		ID: types.NewAgentID(agentType, time.Now()), TaskID: taskID,
		Type: agentType, Parent: "orchestrator", Depth: 1, PhaseIndex: 0,
		Status: types.AgentRunning,
	}
	if err := st.RegisterAgent(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if finalMessage != "" {
		if _, err := st.RecordProgress(taskID, a.ID, time.Now().UTC(),
			types.AgentCompleted, finalMessage, 100); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	return a
}

func addPhaseFinding(t *testing.T, st *store.Store, taskID, agentID string,
	ftype types.FindingType, sev types.Severity, msg string, data map[string]any) {
	t.Helper()
	if err := st.AddFinding(taskID, types.FindingEvent{
		Timestamp: time.Now().UTC(), AgentID: agentID, PhaseIndex: 0,
		Type: ftype, Severity: sev, Message: msg, Data: data,
	}); err != nil {
		t.Fatalf("add finding: %v", err)
	}
}

func TestGenerateBuildsDocument(t *testing.T) {
	g, st := newGenFixture(t, config.Default().Handover)
	task := seedApprovedPhase(t, st)
	taskDir := t.TempDir()

	worker := seedWorker(t, st, task.ID, "builder", "wrote the exporter")
	seedWorker(t, st, task.ID, "tester", "")

	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingInsight, types.SeverityCritical,
		"csv quoting differs from the legacy tool",
		map[string]any{"artifact": "internal/export/csv.go"})
	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingRecommendation, types.SeverityMedium,
		"stream rows instead of buffering", nil)
	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingBlocker, types.SeverityHigh,
		"schema migration was required first",
		map[string]any{"artifact": "internal/export/csv.go"})

	review := &types.Review{
		ID: "review-00000001", TaskID: task.ID, PhaseIndex: 0,
		Status: types.ReviewInProgress, NumReviewers: 1, AutoSpawned: true,
		ReviewerIDs: []string{"reviewer-a"}, CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateReview(review); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if err := st.AddVerdict(types.VerdictRecord{
		ReviewID: review.ID, ReviewerAgentID: "reviewer-a",
		Verdict: types.VerdictApproved, Notes: "solid work",
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add verdict: %v", err)
	}
	if err := st.CompleteReview(review.ID, types.ReviewCompleted, types.VerdictApproved); err != nil {
		t.Fatalf("complete review: %v", err)
	}

	h, err := g.Generate(taskDir, task.ID, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(h.Recommendations) != 1 || h.Recommendations[0] != "stream rows instead of buffering" {
		t.Fatalf("recommendations = %+v", h.Recommendations)
	}
	if len(h.BlockersResolved) != 1 {
		t.Fatalf("blockers resolved = %+v", h.BlockersResolved)
	}
	if len(h.KeyFindings) != 1 || !strings.Contains(h.KeyFindings[0], "csv quoting") {
		t.Fatalf("key findings = %+v", h.KeyFindings)
	}
	// The artifact referenced by two findings appears once.
	if len(h.Artifacts) != 1 || h.Artifacts[0] != "internal/export/csv.go" {
		t.Fatalf("artifacts = %+v", h.Artifacts)
	}
	if !strings.Contains(h.Summary, "Reviewer notes: solid work") {
		t.Fatalf("summary lost reviewer notes: %q", h.Summary)
	}
	if !strings.Contains(h.Summary, "builder: wrote the exporter") {
		t.Fatalf("summary lost agent message: %q", h.Summary)
	}
	if h.Metrics["agents"] != 2 || h.Metrics["agents_completed"] != 1 {
		t.Fatalf("metrics = %+v", h.Metrics)
	}

	// Persisted and mirrored.
	stored, err := st.GetHandover(task.ID, 0)
	if err != nil {
		t.Fatalf("stored handover: %v", err)
	}
	if stored.Summary != h.Summary {
		t.Fatal("stored summary differs from generated")
	}
	md, err := os.ReadFile(config.HandoverPath(taskDir, 0))
	if err != nil {
		t.Fatalf("markdown mirror: %v", err)
	}
	if !strings.Contains(string(md), "# Phase 0 Handover") {
		t.Fatalf("markdown header missing:\n%s", md)
	}
}

func TestGenerateRegenerationOverwrites(t *testing.T) {
	g, st := newGenFixture(t, config.Default().Handover)
	task := seedApprovedPhase(t, st)
	taskDir := t.TempDir()

	if _, err := g.Generate(taskDir, task.ID, 0); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	worker := seedWorker(t, st, task.ID, "builder", "second pass done")
	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingInsight,
		types.SeverityHigh, "late discovery", nil)

	h, err := g.Generate(taskDir, task.ID, 0)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if len(h.KeyFindings) != 1 {
		t.Fatalf("regenerated findings = %+v", h.KeyFindings)
	}
	stored, _ := st.GetHandover(task.ID, 0)
	if len(stored.KeyFindings) != 1 {
		t.Fatal("regeneration did not replace the stored document")
	}
}

func TestSubmitOverlaysGeneratedDocument(t *testing.T) {
	g, st := newGenFixture(t, config.Default().Handover)
	task := seedApprovedPhase(t, st)
	taskDir := t.TempDir()
	worker := seedWorker(t, st, task.ID, "builder", "exporter done")
	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingInsight, types.SeverityHigh,
		"csv quoting differs from the legacy tool",
		map[string]any{"artifact": "internal/export/csv.go"})

	h, err := g.Submit(taskDir, task.ID, 0, Submitted{
		Summary:     "Exporter shipped with streaming writes.",
		KeyFindings: []string{"rows stream in 4k batches"},
		Artifacts:   []string{"internal/export/stream.go"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if h.Summary != "Exporter shipped with streaming writes." {
		t.Fatalf("submitted summary lost: %q", h.Summary)
	}
	if len(h.KeyFindings) != 2 || h.KeyFindings[0] != "rows stream in 4k batches" {
		t.Fatalf("submitted findings must lead: %+v", h.KeyFindings)
	}
	if len(h.Artifacts) != 2 {
		t.Fatalf("artifacts = %+v", h.Artifacts)
	}

	stored, err := st.GetHandover(task.ID, 0)
	if err != nil {
		t.Fatalf("stored handover: %v", err)
	}
	if stored.Summary != h.Summary {
		t.Fatal("stored summary differs from submitted")
	}
	md, err := os.ReadFile(config.HandoverPath(taskDir, 0))
	if err != nil {
		t.Fatalf("markdown mirror: %v", err)
	}
	if !strings.Contains(string(md), "Exporter shipped with streaming writes.") {
		t.Fatalf("mirror lost submitted summary:\n%s", md)
	}
}

func TestGenerateKeepsSubmittedContent(t *testing.T) {
	g, st := newGenFixture(t, config.Default().Handover)
	task := seedApprovedPhase(t, st)
	taskDir := t.TempDir()
	seedWorker(t, st, task.ID, "builder", "done")

	if _, err := g.Submit(taskDir, task.ID, 0, Submitted{
		Summary:     "Written by the phase lead.",
		KeyFindings: []string{"submitted before approval"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Approval regenerates; the submitted content must survive.
	h, err := g.Generate(taskDir, task.ID, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if h.Summary != "Written by the phase lead." {
		t.Fatalf("regeneration dropped the submitted summary: %q", h.Summary)
	}
	found := false
	for _, f := range h.KeyFindings {
		if f == "submitted before approval" {
			found = true
		}
	}
	if !found {
		t.Fatalf("regeneration dropped the submitted finding: %+v", h.KeyFindings)
	}
}

func TestGenerateCapsElementCounts(t *testing.T) {
	cfg := config.Default().Handover
	cfg.MaxKeyFindings = 2
	cfg.MaxRecommended = 1
	g, st := newGenFixture(t, cfg)
	task := seedApprovedPhase(t, st)
	worker := seedWorker(t, st, task.ID, "builder", "done")

	for i := 0; i < 5; i++ {
		addPhaseFinding(t, st, task.ID, worker.ID, types.FindingInsight,
			types.SeverityMedium, "observation", nil)
		addPhaseFinding(t, st, task.ID, worker.ID, types.FindingRecommendation,
			types.SeverityLow, "suggestion", nil)
	}

	h, err := g.Generate(t.TempDir(), task.ID, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(h.KeyFindings) != 2 {
		t.Fatalf("key findings = %d, want 2", len(h.KeyFindings))
	}
	if len(h.Recommendations) != 1 {
		t.Fatalf("recommendations = %d, want 1", len(h.Recommendations))
	}
}

func TestGenerateBudgetDropsArtifactsFirst(t *testing.T) {
	cfg := config.Default().Handover
	cfg.MaxTokens = 500
	g, st := newGenFixture(t, cfg)
	task := seedApprovedPhase(t, st)
	worker := seedWorker(t, st, task.ID, "builder", "done")

	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingInsight,
		types.SeverityHigh, "keep me", map[string]any{"artifact": strings.Repeat("x", 2500)})
	addPhaseFinding(t, st, task.ID, worker.ID, types.FindingRecommendation,
		types.SeverityMedium, "keep me too", nil)

	h, err := g.Generate(t.TempDir(), task.ID, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(h.Artifacts) != 0 {
		t.Fatal("oversized artifact survived the budget")
	}
	if len(h.KeyFindings) != 1 || len(h.Recommendations) != 1 {
		t.Fatalf("budget trimmed the wrong lists: findings=%v recs=%v",
			h.KeyFindings, h.Recommendations)
	}
}

func TestGenerateUnknownPhase(t *testing.T) {
	g, st := newGenFixture(t, config.Default().Handover)
	task := seedApprovedPhase(t, st)
	if _, err := g.Generate(t.TempDir(), task.ID, 7); types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("unknown phase must be not_found, got %v", err)
	}
}

func TestRenderSections(t *testing.T) {
	h := &types.Handover{
		TaskID: "TASK-20260314-150926-aaaaaaaa", FromPhaseIndex: 1,
		Summary:          "Phase 1 wrapped cleanly.",
		KeyFindings:      []string{"[insight/high] caching is mandatory"},
		Artifacts:        []string{"internal/cache/lru.go"},
		BlockersResolved: []string{"flaky CI runner replaced"},
		Recommendations:  []string{"add a warmup pass"},
		Metrics:          map[string]any{"agents": 3, "findings": 4},
	}
	out := Render(h)

	wantOrder := []string{
		"# Phase 1 Handover",
		"Phase 1 wrapped cleanly.",
		"## Key Findings",
		"## Artifacts",
		"## Blockers Resolved",
		"## Recommendations",
		"## Metrics",
		"- agents: 3",
	}
	last := -1
	for _, want := range wantOrder {
		i := strings.Index(out, want)
		if i < 0 {
			t.Fatalf("%q missing from render:\n%s", want, out)
		}
		if i < last {
			t.Fatalf("%q out of order:\n%s", want, out)
		}
		last = i
	}
}
