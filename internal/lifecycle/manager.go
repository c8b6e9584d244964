// Package lifecycle manages agent processes end to end: spawning them
// into multiplexer sessions, ingesting their self-reported progress and
// findings, and cleaning up their resources when they terminate.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/contextacc"
	"conductor/internal/events"
	"conductor/internal/handover"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/phase"
	"conductor/internal/prompt"
	"conductor/internal/registry"
	"conductor/internal/store"
	"conductor/internal/tmux"
	"conductor/internal/types"
)

// ReviewerObserver is notified when a reviewer agent reaches a
// terminal status. Implemented by the review manager.
type ReviewerObserver interface {
	OnReviewerTerminal(agentID string) error
}

// Manager owns agent process lifecycle for one workspace.
type Manager struct {
	store    *store.Store
	mux      tmux.Multiplexer
	engine   *phase.Engine
	acc      *contextacc.Accumulator
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      config.Config
	observer ReviewerObserver
}

// NewManager wires a lifecycle manager. The reviewer observer is set
// afterwards via SetReviewerObserver.
func NewManager(st *store.Store, mux tmux.Multiplexer, eng *phase.Engine,
	acc *contextacc.Accumulator, bus *events.Bus, m *metrics.Metrics, cfg config.Config) *Manager {
	return &Manager{
		store: st, mux: mux, engine: eng, acc: acc,
		bus: bus, metrics: m, cfg: cfg,
	}
}

// SetReviewerObserver registers the review manager callback.
func (m *Manager) SetReviewerObserver(o ReviewerObserver) { m.observer = o }

// SpawnRequest describes one agent to launch.
type SpawnRequest struct {
	TaskID     string
	AgentType  string
	Parent     string
	PhaseIndex int
	TaskPrompt string
	// TypeRequirements optionally adds per-type obligations to the
	// prompt.
	TypeRequirements string
}

// Spawn launches one agent: prompt assembly, session creation, and
// registration as a single logical operation. Any failure after the
// session exists rolls the session and prompt file back so no orphan
// survives a failed spawn.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*types.Agent, error) {
	task, err := m.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}

	isReviewer := req.PhaseIndex == types.ReviewerPhaseIndex
	if !isReviewer {
		p, err := m.store.GetPhase(req.TaskID, req.PhaseIndex)
		if err != nil {
			return nil, err
		}
		if p.Status != types.PhaseActive && p.Status != types.PhaseRevising {
			return nil, types.NewOpError(types.CodeValidationFailed,
				"phase %s/%d is %s; agents join only active or revising phases",
				req.TaskID, req.PhaseIndex, p.Status)
		}
	}

	// Root agents sit at depth 1; children inherit parent depth + 1.
	depth := 1
	if req.Parent != "" {
		if parent, err := m.store.GetAgent(req.Parent); err == nil {
			depth = parent.Depth + 1
		}
	}

	now := time.Now().UTC()
	agentID := types.NewAgentID(req.AgentType, now)
	taskDir := m.cfg.TaskDir(req.TaskID)
	agent := &types.Agent{
		ID:            agentID,
		TaskID:        req.TaskID,
		Type:          req.AgentType,
		Parent:        req.Parent,
		Depth:         depth,
		PhaseIndex:    req.PhaseIndex,
		SessionName:   m.sessionName(agentID),
		Status:        types.AgentRunning,
		StreamLogPath: config.AgentStreamLogPath(taskDir, agentID),
		ProgressPath:  config.AgentProgressPath(taskDir, agentID),
		FindingsPath:  config.AgentFindingsPath(taskDir, agentID),
		PromptPath:    config.AgentPromptPath(taskDir, agentID),
		CreatedAt:     now,
	}

	if err := m.writePrompt(agent, task, req); err != nil {
		return nil, err
	}

	pid, err := m.mux.CreateSession(ctx, agent.SessionName,
		[]string{m.cfg.Spawn.AgentBinary, "-p"}, agent.PromptPath, agent.StreamLogPath)
	if err != nil {
		os.Remove(agent.PromptPath)
		return nil, types.WrapOpError(types.CodeInternal, err,
			"session creation failed for %s", agentID)
	}
	agent.PID = pid

	if err := m.store.RegisterAgent(agent); err != nil {
		// Roll back the session so a limit violation leaves nothing
		// running.
		if kerr := m.mux.KillSession(ctx, agent.SessionName); kerr != nil {
			logging.Get(logging.CategoryLifecycle).Error("rollback kill of %s failed: %v",
				agent.SessionName, kerr)
		}
		os.Remove(agent.PromptPath)
		return nil, err
	}

	m.metrics.AgentsSpawned.Inc()
	m.bus.Publish(events.Event{
		Type: events.TypeAgentSpawned, TaskID: req.TaskID, AgentID: agentID,
		PhaseIndex: req.PhaseIndex,
		Payload:    map[string]any{"agent_type": req.AgentType, "pid": pid},
	})
	logging.Lifecycle("Spawned %s (task %s, phase %d, session %s)",
		agentID, req.TaskID, req.PhaseIndex, agent.SessionName)

	m.MirrorTask(req.TaskID)
	return agent, nil
}

// SpawnReviewer implements review.ReviewerRunner. Reviewers bind to
// the sentinel phase index so they never count toward phase
// completion.
func (m *Manager) SpawnReviewer(taskID string, phaseIndex int, instructions string) (*types.Agent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.Spawn(ctx, SpawnRequest{
		TaskID:     taskID,
		AgentType:  "reviewer",
		PhaseIndex: types.ReviewerPhaseIndex,
		TaskPrompt: instructions,
		TypeRequirements: fmt.Sprintf(
			"You are reviewing phase %d. Submit your verdict with submit_review_verdict; "+
				"do not modify the work under review.", phaseIndex),
	})
}

// ReleaseReviewer implements review.ReviewerRunner: a reviewer whose
// review finished is terminated and cleaned up if still running.
func (m *Manager) ReleaseReviewer(agentID, reason string) error {
	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return nil
	}
	_, err = m.terminate(a, types.AgentTerminated, reason)
	return err
}

// writePrompt assembles and writes the agent's prompt file.
func (m *Manager) writePrompt(agent *types.Agent, task *types.Task, req SpawnRequest) error {
	spec := prompt.Spec{
		AgentID:          agent.ID,
		AgentType:        agent.Type,
		TaskID:           agent.TaskID,
		PhaseIndex:       agent.PhaseIndex,
		TaskPrompt:       req.TaskPrompt,
		TypeRequirements: req.TypeRequirements,
	}

	ctxPhase := agent.PhaseIndex
	if agent.IsReviewer() {
		ctxPhase = task.CurrentPhaseIndex
	}
	if accumulated, err := m.acc.BuildAndRender(m.cfg.WorkspaceBase, agent.TaskID, ctxPhase); err == nil {
		spec.Accumulated = accumulated
	} else {
		logging.Get(logging.CategoryLifecycle).Warn("context accumulation failed for %s: %v",
			agent.ID, err)
	}
	if ctxPhase > 0 {
		if h, err := m.store.GetHandover(agent.TaskID, ctxPhase-1); err == nil {
			spec.HandoverTail = handover.Render(h)
		}
	}

	if err := os.MkdirAll(m.cfg.TaskDir(agent.TaskID), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if err := os.WriteFile(agent.PromptPath, []byte(spec.Render()), 0o644); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

func (m *Manager) sessionName(agentID string) string {
	return m.cfg.Spawn.SessionPrefix + "-" + agentID
}

// UpdateProgress ingests one self-reported progress event. The JSONL
// append is the primary record and happens first; the store projection
// follows, and a terminal transition triggers validation, cleanup, and
// the phase-advancement checks.
func (m *Manager) UpdateProgress(taskID, agentID, rawStatus, message string, progress int) (*store.ProgressResult, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	status := types.NormalizeAgentStatus(rawStatus, progress)
	now := time.Now().UTC()

	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	ev := types.ProgressEvent{
		Timestamp: now, AgentID: agentID, Status: status,
		Message: message, Progress: progress,
	}
	if err := registry.AppendJSONL(a.ProgressPath, ev); err != nil {
		return nil, types.WrapOpError(types.CodeInternal, err,
			"progress append failed for %s", agentID)
	}

	res, err := m.store.RecordProgress(taskID, agentID, now, status, message, progress)
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.Event{
		Type: events.TypeAgentProgress, TaskID: taskID, AgentID: agentID,
		PhaseIndex: res.PhaseIndex,
		Payload:    map[string]any{"status": string(status), "progress": progress},
	})

	if res.BecameTerminal {
		m.onTerminal(taskID, agentID, res, status, message, progress)
	}
	return res, nil
}

// onTerminal runs the post-terminal pipeline: completion validation,
// resource cleanup, phase advancement, and registry mirroring. None of
// these may fail the already-committed terminal transition.
func (m *Manager) onTerminal(taskID, agentID string, res *store.ProgressResult,
	status types.AgentStatus, message string, progress int) {
	m.metrics.AgentsTerminal.WithLabelValues(string(status)).Inc()
	m.bus.Publish(events.Event{
		Type: events.TypeAgentTerminal, TaskID: taskID, AgentID: agentID,
		PhaseIndex: res.PhaseIndex,
		Payload:    map[string]any{"status": string(status)},
	})

	if status == types.AgentCompleted {
		v := m.validateCompletion(taskID, agentID, message, progress)
		if err := m.store.SetAgentValidation(agentID, v); err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("store validation for %s: %v", agentID, err)
		}
	}

	if a, err := m.store.GetAgent(agentID); err == nil {
		m.cleanup(a)
	}

	if res.IsReviewer {
		if m.observer != nil {
			if err := m.observer.OnReviewerTerminal(agentID); err != nil {
				logging.Get(logging.CategoryLifecycle).Warn("reviewer-terminal hook for %s: %v",
					agentID, err)
			}
		}
	} else {
		if err := m.engine.OnAgentTerminal(taskID); err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("phase advancement check for %s: %v",
				taskID, err)
		}
	}
	m.MirrorTask(taskID)
}

// validateCompletion scores a completion self-report. Advisory only;
// a low confidence never blocks the transition.
func (m *Manager) validateCompletion(taskID, agentID, message string, progress int) *types.CompletionValidation {
	v := &types.CompletionValidation{Confidence: 1.0}
	penalize := func(amount float64, warning string) {
		v.Confidence -= amount
		v.Warnings = append(v.Warnings, warning)
	}

	if progress < 100 {
		penalize(0.2, fmt.Sprintf("completed with progress %d", progress))
	}
	if strings.TrimSpace(message) == "" {
		penalize(0.1, "completed with no final message")
	}
	findings, err := m.store.ListFindings(taskID, store.FindingFilter{AgentID: agentID, Limit: 1})
	if err == nil && len(findings) == 0 {
		penalize(0.2, "no findings reported")
	}
	if a, err := m.store.GetAgent(agentID); err == nil {
		if info, err := os.Stat(a.StreamLogPath); err != nil || info.Size() < 256 {
			penalize(0.3, "stream log missing or near-empty")
		}
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	return v
}

// ReportFinding ingests one finding: JSONL append first, then the
// queryable projection.
func (m *Manager) ReportFinding(taskID, agentID string, ftype types.FindingType,
	severity types.Severity, message string, data map[string]any) error {
	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	f := types.FindingEvent{
		Timestamp:  time.Now().UTC(),
		AgentID:    agentID,
		PhaseIndex: a.PhaseIndex,
		Type:       ftype,
		Severity:   severity,
		Message:    message,
		Data:       data,
	}
	if err := registry.AppendJSONL(a.FindingsPath, f); err != nil {
		return types.WrapOpError(types.CodeInternal, err,
			"finding append failed for %s", agentID)
	}
	if err := m.store.AddFinding(taskID, f); err != nil {
		return err
	}
	m.bus.Publish(events.Event{
		Type: events.TypeAgentFinding, TaskID: taskID, AgentID: agentID,
		PhaseIndex: a.PhaseIndex,
		Payload:    map[string]any{"finding_type": string(ftype), "severity": string(severity)},
	})
	return nil
}

// Kill force-terminates one agent with a reason.
func (m *Manager) Kill(agentID, reason string) (*types.CleanupReport, error) {
	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return a.Cleanup, nil
	}
	return m.terminate(a, types.AgentKilled, reason)
}

// MarkFailed is the health daemon's entry: a dead or stuck agent is
// forced into failed with the probe's reason code.
func (m *Manager) MarkFailed(agentID, reason string) error {
	a, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return nil
	}
	_, err = m.terminate(a, types.AgentFailed, reason)
	return err
}

// terminate applies a forced terminal transition plus the post-terminal
// pipeline shared with self-reported termination. Task completion is
// never rolled up here: a task completes only when its last phase is
// approved, and released reviewers must not complete it early.
func (m *Manager) terminate(a *types.Agent, status types.AgentStatus, reason string) (*types.CleanupReport, error) {
	res, err := m.store.MarkAgentTerminal(a.ID, status, reason, false)
	if err != nil {
		return nil, err
	}
	m.metrics.AgentsTerminal.WithLabelValues(string(status)).Inc()
	m.bus.Publish(events.Event{
		Type: events.TypeAgentTerminal, TaskID: a.TaskID, AgentID: a.ID,
		PhaseIndex: a.PhaseIndex,
		Payload:    map[string]any{"status": string(status), "reason": reason},
	})

	report := m.cleanup(a)

	if res.IsReviewer {
		if m.observer != nil {
			if err := m.observer.OnReviewerTerminal(a.ID); err != nil {
				logging.Get(logging.CategoryLifecycle).Warn("reviewer-terminal hook for %s: %v", a.ID, err)
			}
		}
	} else {
		if err := m.engine.OnAgentTerminal(a.TaskID); err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("phase advancement check for %s: %v",
				a.TaskID, err)
		}
	}
	m.MirrorTask(a.TaskID)
	return report, nil
}

// MirrorTask rewrites the legacy JSON mirrors from store state. Mirror
// failures are logged, never propagated: the store is authoritative.
func (m *Manager) MirrorTask(taskID string) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("mirror read task %s: %v", taskID, err)
		return
	}
	phases, err := m.store.ListPhases(taskID)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("mirror read phases %s: %v", taskID, err)
		return
	}
	agents, err := m.store.ListAgents(taskID)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("mirror read agents %s: %v", taskID, err)
		return
	}

	agentMap := make(map[string]*types.Agent, len(agents))
	for _, a := range agents {
		agentMap[a.ID] = a
	}
	reg := &registry.TaskRegistry{Task: task, Phases: phases, Agents: agentMap}
	path := config.TaskRegistryJSONPath(m.cfg.TaskDir(taskID))
	if err := registry.WriteTaskRegistry(path, reg, m.cfg.Registry.LockTimeout); err != nil {
		logging.Get(logging.CategoryRegistry).Warn("mirror write %s: %v", path, err)
	}

	err = registry.UpdateWorkspaceRegistry(m.cfg.GlobalRegistryJSONPath(), m.cfg.Registry.LockTimeout,
		func(w *registry.WorkspaceRegistry) {
			w.Tasks[taskID] = registry.WorkspaceTaskSummary{
				TaskID:      taskID,
				Status:      task.Status,
				Description: task.Description,
				ActiveCount: task.ActiveCount,
				TotalAgents: task.TotalAgents,
				CreatedAt:   task.CreatedAt,
			}
		})
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("workspace mirror: %v", err)
	}
}
