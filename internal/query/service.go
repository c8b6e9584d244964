// Package query is the read side of the orchestrator: snapshots of
// tasks, phases, agents, and the cross-workspace dashboard, assembled
// from the state store and the global index without mutating either.
package query

import (
	"time"

	"conductor/internal/config"
	"conductor/internal/store"
	"conductor/internal/stream"
	"conductor/internal/types"
)

// Service answers read queries for one workspace.
type Service struct {
	store  *store.Store
	global *store.GlobalIndex
	reader *stream.Reader
	cfg    config.Config
}

// NewService wires a query service. global may be nil when the
// cross-workspace index is unavailable.
func NewService(st *store.Store, global *store.GlobalIndex, reader *stream.Reader, cfg config.Config) *Service {
	return &Service{store: st, global: global, reader: reader, cfg: cfg}
}

// TaskSummary is one task line in list output.
type TaskSummary struct {
	TaskID       string           `json:"task_id"`
	Description  string           `json:"description"`
	Status       types.TaskStatus `json:"status"`
	Priority     types.Priority   `json:"priority"`
	CurrentPhase int              `json:"current_phase_index"`
	ActiveAgents int              `json:"active_agents"`
	TotalAgents  int              `json:"total_agents"`
	Workspace    string           `json:"workspace,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// ListOptions narrows ListTasks.
type ListOptions struct {
	Status        types.TaskStatus
	Since         time.Time
	Limit         int
	IncludeGlobal bool
}

// ListTasks lists this workspace's tasks and, when requested, appends
// tasks known to the global index that live in other workspaces.
func (s *Service) ListTasks(opts ListOptions) ([]TaskSummary, error) {
	tasks, err := s.store.ListTasks(store.TaskFilter{
		Status: opts.Status, Since: opts.Since, Limit: opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]TaskSummary, 0, len(tasks))
	local := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		local[t.ID] = true
		out = append(out, TaskSummary{
			TaskID:       t.ID,
			Description:  t.Description,
			Status:       t.Status,
			Priority:     t.Priority,
			CurrentPhase: t.CurrentPhaseIndex,
			ActiveAgents: t.ActiveCount,
			TotalAgents:  t.TotalAgents,
			Workspace:    t.Workspace,
			CreatedAt:    t.CreatedAt,
		})
	}

	if opts.IncludeGlobal && s.global != nil {
		entries, err := s.global.ListTaskIndex(opts.Limit)
		if err == nil {
			for _, e := range entries {
				if local[e.TaskID] || e.Workspace == s.cfg.WorkspaceBase {
					continue
				}
				if opts.Status != "" && types.TaskStatus(e.Status) != opts.Status {
					continue
				}
				out = append(out, TaskSummary{
					TaskID:    e.TaskID,
					Status:    types.TaskStatus(e.Status),
					Workspace: e.Workspace,
					CreatedAt: e.CreatedAt,
				})
			}
		}
	}
	return out, nil
}

// TaskSnapshot is the full state of one task.
type TaskSnapshot struct {
	Task    *types.Task        `json:"task"`
	Phases  []*types.Phase     `json:"phases"`
	Agents  []*types.Agent     `json:"agents"`
	Reviews []*types.Review    `json:"reviews,omitempty"`
	Counts  store.AgentCounts  `json:"agent_counts"`
}

// GetTask returns a full task snapshot. Agent statuses in the snapshot
// are already normalized; raw writer values never leave the store.
func (s *Service) GetTask(taskID string) (*TaskSnapshot, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	phases, err := s.store.ListPhases(taskID)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(taskID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(taskID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.GetTaskCounts(taskID)
	if err != nil {
		return nil, err
	}
	return &TaskSnapshot{
		Task: task, Phases: phases, Agents: agents, Reviews: reviews, Counts: counts,
	}, nil
}

// PhaseSnapshot is one phase with its agents and active review.
type PhaseSnapshot struct {
	Phase        *types.Phase      `json:"phase"`
	Agents       []*types.Agent    `json:"agents"`
	Counts       store.AgentCounts `json:"agent_counts"`
	ActiveReview *types.Review     `json:"active_review,omitempty"`
	Handover     *types.Handover   `json:"handover,omitempty"`
}

// GetPhase returns one phase snapshot.
func (s *Service) GetPhase(taskID string, phaseIndex int) (*PhaseSnapshot, error) {
	p, err := s.store.GetPhase(taskID, phaseIndex)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgentsByPhase(taskID, phaseIndex)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.GetPhaseAgentCounts(taskID, phaseIndex)
	if err != nil {
		return nil, err
	}
	snap := &PhaseSnapshot{Phase: p, Agents: agents, Counts: counts}
	if r, err := s.store.GetActiveReview(taskID, phaseIndex); err == nil {
		snap.ActiveReview = r
	}
	if h, err := s.store.GetHandover(taskID, phaseIndex); err == nil {
		snap.Handover = h
	}
	return snap, nil
}

// AgentSnapshot is one agent with its recent activity.
type AgentSnapshot struct {
	Agent    *types.Agent         `json:"agent"`
	Findings []types.FindingEvent `json:"findings,omitempty"`
	Output   *stream.Output       `json:"output,omitempty"`
}

// AgentOptions tunes GetAgent.
type AgentOptions struct {
	IncludeFindings bool
	IncludeOutput   bool
	OutputFormat    stream.Format
	OutputMaxBytes  int
}

// GetAgent returns one agent snapshot, optionally with findings and
// truncated output.
func (s *Service) GetAgent(agentID string, opts AgentOptions) (*AgentSnapshot, error) {
	a, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	snap := &AgentSnapshot{Agent: a}

	if opts.IncludeFindings {
		findings, err := s.store.ListFindings(a.TaskID, store.FindingFilter{
			AgentID: agentID, NewestFirst: true, Limit: 50,
		})
		if err != nil {
			return nil, err
		}
		snap.Findings = findings
	}
	if opts.IncludeOutput {
		out, err := s.reader.Read(a.StreamLogPath, stream.Options{
			Format: opts.OutputFormat, MaxBytes: opts.OutputMaxBytes,
		})
		if err != nil {
			return nil, err
		}
		snap.Output = out
	}
	return snap, nil
}

// DashboardSummary is the cross-workspace overview.
type DashboardSummary struct {
	Workspace         string            `json:"workspace"`
	Tasks             map[string]int    `json:"tasks_by_status"`
	Agents            store.AgentCounts `json:"agents"`
	ActiveTasks       int               `json:"active_tasks"`
	GlobalActive      int               `json:"global_active_agents,omitempty"`
	GlobalWorkspaces  int               `json:"global_workspaces,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// GetDashboardSummary aggregates this workspace plus the global index.
func (s *Service) GetDashboardSummary() (*DashboardSummary, error) {
	sum := &DashboardSummary{
		Workspace:   s.cfg.WorkspaceBase,
		Tasks:       map[string]int{},
		GeneratedAt: time.Now().UTC(),
	}

	tasks, err := s.store.ListTasks(store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		sum.Tasks[string(t.Status)]++
	}

	agents, activeTasks, err := s.store.GetActiveCounts()
	if err != nil {
		return nil, err
	}
	sum.Agents = agents
	sum.ActiveTasks = activeTasks

	if s.global != nil {
		if active, workspaces, err := s.global.GlobalCounts(); err == nil {
			sum.GlobalActive = active
			sum.GlobalWorkspaces = workspaces
		}
	}
	return sum, nil
}
