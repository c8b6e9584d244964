package orchestrator

import (
	"os"
	"time"

	"conductor/internal/events"
	"conductor/internal/handover"
	"conductor/internal/lifecycle"
	"conductor/internal/logging"
	"conductor/internal/query"
	"conductor/internal/store"
	"conductor/internal/stream"
	"conductor/internal/types"
)

// PhaseSpec describes one phase at task creation.
type PhaseSpec struct {
	Name            string   `json:"name" validate:"required"`
	Description     string   `json:"description"`
	Deliverables    []string `json:"deliverables,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// CreateTaskRequest creates a task with its phase plan.
type CreateTaskRequest struct {
	Description string            `json:"description" validate:"required,min=10,max=500"`
	Priority    string            `json:"priority" validate:"omitempty,oneof=P0 P1 P2 P3"`
	Phases      []PhaseSpec       `json:"phases" validate:"required,min=1,dive"`
	Context     *types.TaskContext `json:"context,omitempty"`
	Limits      *types.TaskLimits  `json:"limits,omitempty"`
	CreatorCwd  string            `json:"creator_cwd"`
}

// CreateTask creates the task, activates phase 0, and registers the
// task with the daemon and watcher.
func (o *Orchestrator) CreateTask(req CreateTaskRequest) (*types.Task, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	limits := types.TaskLimits{
		MaxAgents:     o.cfg.Limits.MaxAgents,
		MaxConcurrent: o.cfg.Limits.MaxConcurrent,
		MaxDepth:      o.cfg.Limits.MaxDepth,
	}
	if req.Limits != nil {
		limits = *req.Limits
	}
	priority := types.Priority(req.Priority)
	if priority == "" {
		priority = types.PriorityP2
	}
	if req.Context != nil {
		req.Context.ConversationHistory = types.TruncateConversation(req.Context.ConversationHistory)
	}

	task := &types.Task{
		ID:          types.NewTaskID(now),
		Description: req.Description,
		Priority:    priority,
		Workspace:   o.cfg.WorkspaceBase,
		CreatorCwd:  req.CreatorCwd,
		Status:      types.TaskInitialized,
		Limits:      limits,
		Version:     1,
		Context:     req.Context,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	phases := make([]types.Phase, len(req.Phases))
	for i, p := range req.Phases {
		phases[i] = types.Phase{
			TaskID:          task.ID,
			Index:           i,
			Name:            p.Name,
			Description:     p.Description,
			Deliverables:    p.Deliverables,
			SuccessCriteria: p.SuccessCriteria,
			Status:          types.PhasePending,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	if err := o.store.CreateTask(task, phases); err != nil {
		return nil, err
	}
	if err := o.engine.Transition(task.ID, 0, types.PhaseActive, store.PhaseUpdate{}); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.cfg.TaskDir(task.ID), 0o755); err != nil {
		logging.Get(logging.CategoryBoot).Warn("create task dir: %v", err)
	}

	if o.global != nil {
		o.global.TouchWorkspace(o.cfg.WorkspaceBase)
		o.global.IndexTask(task.ID, o.cfg.WorkspaceBase, string(task.Status), now)
	}
	o.daemon.RegisterTask(task.ID)
	if o.watcher != nil {
		o.watcher.WatchTask(o.cfg.TaskDir(task.ID))
	}
	o.lifecycle.MirrorTask(task.ID)
	o.bus.Publish(events.Event{
		Type: events.TypeTaskCreated, TaskID: task.ID,
		Payload: map[string]any{"phases": len(phases)},
	})
	return task, nil
}

// SpawnAgentRequest launches one agent.
type SpawnAgentRequest struct {
	TaskID           string `json:"task_id" validate:"required"`
	AgentType        string `json:"agent_type" validate:"required"`
	Prompt           string `json:"prompt" validate:"required,min=10"`
	Parent           string `json:"parent,omitempty"`
	PhaseIndex       *int   `json:"phase_index,omitempty"`
	TypeRequirements string `json:"type_requirements,omitempty"`
}

// SpawnAgent spawns an agent into the task's current phase unless an
// explicit phase index is given.
func (o *Orchestrator) SpawnAgent(req SpawnAgentRequest) (*types.Agent, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}
	phaseIndex := 0
	if req.PhaseIndex != nil {
		phaseIndex = *req.PhaseIndex
	} else {
		task, err := o.store.GetTask(req.TaskID)
		if err != nil {
			return nil, err
		}
		phaseIndex = task.CurrentPhaseIndex
	}

	ctx, cancel := spawnCtx()
	defer cancel()
	return o.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
		TaskID:           req.TaskID,
		AgentType:        req.AgentType,
		Parent:           req.Parent,
		PhaseIndex:       phaseIndex,
		TaskPrompt:       req.Prompt,
		TypeRequirements: req.TypeRequirements,
	})
}

// UpdateAgentProgressRequest is an agent self-report.
type UpdateAgentProgressRequest struct {
	TaskID   string `json:"task_id" validate:"required"`
	AgentID  string `json:"agent_id" validate:"required"`
	Status   string `json:"status" validate:"required"`
	Message  string `json:"message"`
	Progress int    `json:"progress" validate:"min=0,max=100"`
}

// UpdateAgentProgress ingests one progress event.
func (o *Orchestrator) UpdateAgentProgress(req UpdateAgentProgressRequest) (*store.ProgressResult, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}
	return o.lifecycle.UpdateProgress(req.TaskID, req.AgentID, req.Status, req.Message, req.Progress)
}

// ReportAgentFindingRequest is an agent discovery report.
type ReportAgentFindingRequest struct {
	TaskID   string         `json:"task_id" validate:"required"`
	AgentID  string         `json:"agent_id" validate:"required"`
	Type     string         `json:"finding_type" validate:"required,oneof=issue solution insight recommendation blocker"`
	Severity string         `json:"severity" validate:"required,oneof=low medium high critical"`
	Message  string         `json:"message" validate:"required"`
	Data     map[string]any `json:"data,omitempty"`
}

// ReportAgentFinding ingests one finding.
func (o *Orchestrator) ReportAgentFinding(req ReportAgentFindingRequest) error {
	if err := o.check(req); err != nil {
		return err
	}
	return o.lifecycle.ReportFinding(req.TaskID, req.AgentID,
		types.FindingType(req.Type), types.Severity(req.Severity), req.Message, req.Data)
}

// KillAgentRequest force-terminates one agent.
type KillAgentRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Reason  string `json:"reason"`
}

// KillAgent kills an agent and returns its cleanup report.
func (o *Orchestrator) KillAgent(req KillAgentRequest) (*types.CleanupReport, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "killed_by_operator"
	}
	return o.lifecycle.Kill(req.AgentID, reason)
}

// SubmitReviewVerdictRequest is one reviewer's verdict.
type SubmitReviewVerdictRequest struct {
	ReviewID        string               `json:"review_id,omitempty"`
	ReviewerAgentID string               `json:"reviewer_agent_id" validate:"required"`
	Verdict         string               `json:"verdict" validate:"required,oneof=approved rejected needs_revision"`
	Notes           string               `json:"notes,omitempty"`
	Findings        []types.FindingEvent `json:"findings,omitempty"`
}

// SubmitReviewVerdict records a verdict. When the review id is
// omitted it resolves through the reviewer's in-progress roster, which
// must be unambiguous.
func (o *Orchestrator) SubmitReviewVerdict(req SubmitReviewVerdictRequest) error {
	if err := o.check(req); err != nil {
		return err
	}
	reviewID := req.ReviewID
	if reviewID == "" {
		reviews, err := o.store.ListReviewsForReviewer(req.ReviewerAgentID)
		if err != nil {
			return err
		}
		switch len(reviews) {
		case 0:
			return types.WrapOpError(types.CodeNotFound, types.ErrNotFound,
				"no in-progress review lists reviewer %s", req.ReviewerAgentID)
		case 1:
			reviewID = reviews[0].ID
		default:
			return types.NewOpError(types.CodeValidationFailed,
				"reviewer %s sits on %d reviews; review_id required", req.ReviewerAgentID, len(reviews))
		}
	}
	return o.reviews.SubmitVerdict(reviewID, req.ReviewerAgentID,
		types.Verdict(req.Verdict), req.Notes, req.Findings)
}

// PhaseRequest addresses one phase of a task.
type PhaseRequest struct {
	TaskID     string `json:"task_id" validate:"required"`
	PhaseIndex *int   `json:"phase_index,omitempty"`
}

func (o *Orchestrator) resolvePhase(req PhaseRequest) (int, error) {
	if req.PhaseIndex != nil {
		return *req.PhaseIndex, nil
	}
	task, err := o.store.GetTask(req.TaskID)
	if err != nil {
		return 0, err
	}
	return task.CurrentPhaseIndex, nil
}

// ApprovePhase manually approves a phase. Blocked while auto-review
// owns it.
func (o *Orchestrator) ApprovePhase(req PhaseRequest) (nextPhase int, err error) {
	if err := o.check(req); err != nil {
		return -1, err
	}
	idx, err := o.resolvePhase(req)
	if err != nil {
		return -1, err
	}
	return o.reviews.ManualApprove(req.TaskID, idx)
}

// RequestPhaseReviewRequest asks for a review of a phase without
// waiting for its agents to reach terminal states.
type RequestPhaseReviewRequest struct {
	TaskID     string `json:"task_id" validate:"required"`
	PhaseIndex *int   `json:"phase_index,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RequestPhaseReview submits a phase for review and triggers the
// reviewer pipeline.
func (o *Orchestrator) RequestPhaseReview(req RequestPhaseReviewRequest) error {
	if err := o.check(req); err != nil {
		return err
	}
	idx, err := o.resolvePhase(PhaseRequest{TaskID: req.TaskID, PhaseIndex: req.PhaseIndex})
	if err != nil {
		return err
	}
	return o.engine.SubmitForReview(req.TaskID, idx, req.Reason)
}

// SubmitPhaseHandoverRequest is an agent-authored handover for a phase.
type SubmitPhaseHandoverRequest struct {
	TaskID          string   `json:"task_id" validate:"required"`
	PhaseIndex      *int     `json:"phase_index,omitempty"`
	Summary         string   `json:"summary" validate:"required"`
	KeyFindings     []string `json:"key_findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Artifacts       []string `json:"artifacts,omitempty"`
}

// SubmitPhaseHandover overlays an agent's handover content on the
// generated document and persists it.
func (o *Orchestrator) SubmitPhaseHandover(req SubmitPhaseHandoverRequest) (*types.Handover, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}
	idx, err := o.resolvePhase(PhaseRequest{TaskID: req.TaskID, PhaseIndex: req.PhaseIndex})
	if err != nil {
		return nil, err
	}
	return o.handover.Submit(o.cfg.TaskDir(req.TaskID), req.TaskID, idx, handover.Submitted{
		Summary:         req.Summary,
		KeyFindings:     req.KeyFindings,
		Recommendations: req.Recommendations,
		Artifacts:       req.Artifacts,
	})
}

// HandoverContext bundles what an incoming agent would see: the
// rendered accumulated context for the phase plus the previous phase's
// handover document.
type HandoverContext struct {
	TaskID           string          `json:"task_id"`
	PhaseIndex       int             `json:"phase_index"`
	Accumulated      string          `json:"accumulated"`
	PreviousHandover *types.Handover `json:"previous_handover,omitempty"`
}

// GetHandoverContext returns the handover context for a phase,
// defaulting to the task's current phase.
func (o *Orchestrator) GetHandoverContext(req PhaseRequest) (*HandoverContext, error) {
	if err := o.check(req); err != nil {
		return nil, err
	}
	idx, err := o.resolvePhase(req)
	if err != nil {
		return nil, err
	}
	rendered, err := o.acc.BuildAndRender(o.cfg.WorkspaceBase, req.TaskID, idx)
	if err != nil {
		return nil, err
	}
	hc := &HandoverContext{TaskID: req.TaskID, PhaseIndex: idx, Accumulated: rendered}
	if idx > 0 {
		if h, err := o.store.GetHandover(req.TaskID, idx-1); err == nil {
			hc.PreviousHandover = h
		}
	}
	return hc, nil
}

// RejectPhase manually rejects a phase into REVISING.
func (o *Orchestrator) RejectPhase(req PhaseRequest) error {
	if err := o.check(req); err != nil {
		return err
	}
	idx, err := o.resolvePhase(req)
	if err != nil {
		return err
	}
	return o.reviews.ManualReject(req.TaskID, idx)
}

// Query surface. Thin wrappers so callers hold one handle.

// ListTasks lists tasks, optionally merged with the global index.
func (o *Orchestrator) ListTasks(opts query.ListOptions) ([]query.TaskSummary, error) {
	return o.queries.ListTasks(opts)
}

// GetTask returns a full task snapshot.
func (o *Orchestrator) GetTask(taskID string) (*query.TaskSnapshot, error) {
	return o.queries.GetTask(taskID)
}

// GetPhase returns one phase snapshot.
func (o *Orchestrator) GetPhase(taskID string, phaseIndex int) (*query.PhaseSnapshot, error) {
	return o.queries.GetPhase(taskID, phaseIndex)
}

// GetAgent returns one agent snapshot.
func (o *Orchestrator) GetAgent(agentID string, opts query.AgentOptions) (*query.AgentSnapshot, error) {
	return o.queries.GetAgent(agentID, opts)
}

// GetAgentOutput retrieves an agent's stream log under truncation.
func (o *Orchestrator) GetAgentOutput(agentID string, format stream.Format, maxBytes int) (*stream.Output, error) {
	snap, err := o.queries.GetAgent(agentID, query.AgentOptions{
		IncludeOutput: true, OutputFormat: format, OutputMaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}
	return snap.Output, nil
}

// GetDashboardSummary returns the cross-workspace overview.
func (o *Orchestrator) GetDashboardSummary() (*query.DashboardSummary, error) {
	return o.queries.GetDashboardSummary()
}
