package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// RegisterAgent inserts an agent and performs all spawn bookkeeping in
// one transaction: limit checks, counter increments, hierarchy edge,
// and the task INITIALIZED -> ACTIVE transition on first spawn. On any
// failure no partial state is left behind.
func (s *Store) RegisterAgent(a *types.Agent) error {
	return s.withTx(func(tx *sql.Tx) error {
		var status string
		var maxAgents, maxConcurrent, maxDepth, activeCount, totalAgents int
		err := tx.QueryRow(`SELECT status, max_agents, max_concurrent, max_depth,
			active_count, total_agents FROM tasks WHERE task_id = ?`, a.TaskID).
			Scan(&status, &maxAgents, &maxConcurrent, &maxDepth, &activeCount, &totalAgents)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task for spawn: %w", err)
		}

		if totalAgents >= maxAgents {
			return types.WrapOpError(types.CodeLimitExceeded, types.ErrLimitExceeded,
				"task %s already has %d of %d agents", a.TaskID, totalAgents, maxAgents)
		}
		if activeCount >= maxConcurrent {
			return types.WrapOpError(types.CodeLimitExceeded, types.ErrLimitExceeded,
				"task %s has %d of %d concurrent agents", a.TaskID, activeCount, maxConcurrent)
		}
		if a.Depth > maxDepth {
			return types.WrapOpError(types.CodeLimitExceeded, types.ErrLimitExceeded,
				"agent depth %d exceeds max depth %d", a.Depth, maxDepth)
		}

		var dup int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM agents WHERE agent_id = ?`, a.ID).Scan(&dup); err != nil {
			return fmt.Errorf("check agent uniqueness: %w", err)
		}
		if dup > 0 {
			return types.NewOpError(types.CodeInternal, "agent id collision: %s", a.ID)
		}

		now := time.Now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.LastUpdate = now

		_, err = tx.Exec(`INSERT INTO agents
			(agent_id, task_id, agent_type, parent, depth, phase_index,
			 session_name, pid, status, progress, message,
			 stream_log_path, progress_path, findings_path, prompt_path,
			 created_at, last_update)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.TaskID, a.Type, a.Parent, a.Depth, a.PhaseIndex,
			a.SessionName, a.PID, string(a.Status), a.Progress, a.Message,
			a.StreamLogPath, a.ProgressPath, a.FindingsPath, a.PromptPath,
			a.CreatedAt, a.LastUpdate)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}

		if _, err := tx.Exec(`INSERT OR IGNORE INTO agent_hierarchy (task_id, parent, child)
			VALUES (?, ?, ?)`, a.TaskID, a.Parent, a.ID); err != nil {
			return fmt.Errorf("insert hierarchy edge: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO agent_progress_latest
			(agent_id, task_id, status, message, progress, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.TaskID, string(a.Status), a.Message, a.Progress, now); err != nil {
			return fmt.Errorf("insert latest progress: %w", err)
		}

		if _, err := tx.Exec(`UPDATE tasks SET active_count = active_count + 1,
			total_agents = total_agents + 1, version = version + 1, updated_at = ?
			WHERE task_id = ?`, now, a.TaskID); err != nil {
			return fmt.Errorf("increment counters: %w", err)
		}

		if types.TaskStatus(status) == types.TaskInitialized {
			if err := transitionTaskTx(tx, a.TaskID, types.TaskActive, types.TaskInitialized); err != nil {
				return err
			}
		}

		logging.Store("Registered agent %s (task %s, phase %d, pid %d)",
			a.ID, a.TaskID, a.PhaseIndex, a.PID)
		return nil
	})
}

const agentColumns = `agent_id, task_id, agent_type, parent, depth, phase_index,
	session_name, pid, status, progress, message,
	stream_log_path, progress_path, findings_path, prompt_path,
	terminal_reason, cleanup_json, validation_json,
	created_at, last_update, completed_at`

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var status, cleanupJSON, validationJSON string
	var completedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TaskID, &a.Type, &a.Parent, &a.Depth, &a.PhaseIndex,
		&a.SessionName, &a.PID, &status, &a.Progress, &a.Message,
		&a.StreamLogPath, &a.ProgressPath, &a.FindingsPath, &a.PromptPath,
		&a.TerminalReason, &cleanupJSON, &validationJSON,
		&a.CreatedAt, &a.LastUpdate, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Status = types.AgentStatus(status)
	if completedAt.Valid {
		ct := completedAt.Time
		a.CompletedAt = &ct
	}
	if cleanupJSON != "" {
		var cr types.CleanupReport
		if json.Unmarshal([]byte(cleanupJSON), &cr) == nil {
			a.Cleanup = &cr
		}
	}
	if validationJSON != "" {
		var cv types.CompletionValidation
		if json.Unmarshal([]byte(validationJSON), &cv) == nil {
			a.Validation = &cv
		}
	}
	return &a, nil
}

// GetAgent returns one agent, or ErrNotFound.
func (s *Store) GetAgent(agentID string) (*types.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// ListAgents returns every agent of a task ordered by creation.
func (s *Store) ListAgents(taskID string) ([]*types.Agent, error) {
	return s.queryAgents(`SELECT `+agentColumns+` FROM agents
		WHERE task_id = ? ORDER BY created_at`, taskID)
}

// ListAgentsByPhase returns the agents bound to one phase of a task.
func (s *Store) ListAgentsByPhase(taskID string, phaseIndex int) ([]*types.Agent, error) {
	return s.queryAgents(`SELECT `+agentColumns+` FROM agents
		WHERE task_id = ? AND phase_index = ? ORDER BY created_at`, taskID, phaseIndex)
}

// ListActiveAgents returns all agents currently in an active status,
// across every task in this workspace.
func (s *Store) ListActiveAgents() ([]*types.Agent, error) {
	return s.queryAgents(`SELECT ` + agentColumns + ` FROM agents
		WHERE status IN ('running', 'working', 'blocked', 'reviewing')
		ORDER BY created_at`)
}

func (s *Store) queryAgents(query string, args ...any) ([]*types.Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProgressResult reports what a progress write changed.
type ProgressResult struct {
	PriorStatus    types.AgentStatus
	NewStatus      types.AgentStatus
	BecameTerminal bool
	PhaseIndex     int
	IsReviewer     bool
}

// RecordProgress applies one progress event to the agent and its
// latest-progress row. The active-counter decrement on an
// active -> terminal transition is gated on the prior status read in
// the same transaction, so repeated terminal reports cannot
// double-decrement.
//
// An agent bound to a non-current phase that has already been approved
// is refused; any other phase mismatch is accepted with a warning for
// backward compatibility.
func (s *Store) RecordProgress(taskID, agentID string, ts time.Time, status types.AgentStatus, message string, progress int) (*ProgressResult, error) {
	var res ProgressResult
	err := s.withTx(func(tx *sql.Tx) error {
		var prior string
		var phaseIndex int
		err := tx.QueryRow(`SELECT status, phase_index FROM agents
			WHERE agent_id = ? AND task_id = ?`, agentID, taskID).Scan(&prior, &phaseIndex)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read agent: %w", err)
		}

		var currentPhase int
		if err := tx.QueryRow(`SELECT current_phase_index FROM tasks WHERE task_id = ?`,
			taskID).Scan(&currentPhase); err != nil {
			return fmt.Errorf("read current phase: %w", err)
		}

		isReviewer := phaseIndex == types.ReviewerPhaseIndex
		if !isReviewer && phaseIndex != currentPhase {
			var phaseStatus string
			if err := tx.QueryRow(`SELECT status FROM phases WHERE task_id = ? AND phase_index = ?`,
				taskID, phaseIndex).Scan(&phaseStatus); err == nil &&
				types.PhaseStatus(phaseStatus) == types.PhaseApproved {
				return types.NewOpError(types.CodeValidationFailed,
					"agent %s is bound to approved phase %d; progress refused", agentID, phaseIndex)
			}
			logging.Get(logging.CategoryStore).Warn(
				"agent %s reports progress for phase %d while current phase is %d",
				agentID, phaseIndex, currentPhase)
		}

		res.PriorStatus = types.AgentStatus(prior)
		res.NewStatus = status
		res.PhaseIndex = phaseIndex
		res.IsReviewer = isReviewer
		res.BecameTerminal = res.PriorStatus.IsActive() && status.IsTerminal()

		if _, err := tx.Exec(`UPDATE agents SET status = ?, progress = ?, message = ?,
			last_update = ? WHERE agent_id = ?`,
			string(status), progress, message, ts, agentID); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO agent_progress_latest
			(agent_id, task_id, status, message, progress, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status, message = excluded.message,
				progress = excluded.progress, updated_at = excluded.updated_at`,
			agentID, taskID, string(status), message, progress, ts); err != nil {
			return fmt.Errorf("upsert latest progress: %w", err)
		}

		if res.BecameTerminal {
			if _, err := tx.Exec(`UPDATE agents SET completed_at = ? WHERE agent_id = ?`,
				ts, agentID); err != nil {
				return fmt.Errorf("set completed_at: %w", err)
			}
			if _, err := tx.Exec(`UPDATE tasks SET active_count = active_count - 1,
				version = version + 1, updated_at = ?
				WHERE task_id = ? AND active_count > 0`, ts, taskID); err != nil {
				return fmt.Errorf("decrement active count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkAgentTerminal forces an agent into a terminal status with a
// reason code. With autoRollup the owning task is transitioned to
// COMPLETED once every one of its agents is terminal.
func (s *Store) MarkAgentTerminal(agentID string, status types.AgentStatus, reason string, autoRollup bool) (*ProgressResult, error) {
	if !status.IsTerminal() {
		return nil, types.NewOpError(types.CodeValidationFailed,
			"%s is not a terminal status", status)
	}
	var res ProgressResult
	var taskID string
	err := s.withTx(func(tx *sql.Tx) error {
		var prior string
		var phaseIndex int
		err := tx.QueryRow(`SELECT status, task_id, phase_index FROM agents WHERE agent_id = ?`,
			agentID).Scan(&prior, &taskID, &phaseIndex)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read agent: %w", err)
		}

		res.PriorStatus = types.AgentStatus(prior)
		res.NewStatus = status
		res.PhaseIndex = phaseIndex
		res.IsReviewer = phaseIndex == types.ReviewerPhaseIndex
		res.BecameTerminal = res.PriorStatus.IsActive()

		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE agents SET status = ?, terminal_reason = ?,
			last_update = ?, completed_at = COALESCE(completed_at, ?)
			WHERE agent_id = ?`, string(status), reason, now, now, agentID); err != nil {
			return fmt.Errorf("mark terminal: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO agent_progress_latest
			(agent_id, task_id, status, message, progress, updated_at)
			VALUES (?, ?, ?, ?, (SELECT progress FROM agents WHERE agent_id = ?), ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status, message = excluded.message,
				updated_at = excluded.updated_at`,
			agentID, taskID, string(status), reason, agentID, now); err != nil {
			return fmt.Errorf("upsert latest progress: %w", err)
		}

		if res.BecameTerminal {
			if _, err := tx.Exec(`UPDATE tasks SET active_count = active_count - 1,
				version = version + 1, updated_at = ?
				WHERE task_id = ? AND active_count > 0`, now, taskID); err != nil {
				return fmt.Errorf("decrement active count: %w", err)
			}
		}

		if autoRollup {
			var remaining int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM agents
				WHERE task_id = ? AND status IN ('running','working','blocked','reviewing')`,
				taskID).Scan(&remaining); err != nil {
				return fmt.Errorf("count active agents: %w", err)
			}
			if remaining == 0 {
				if err := transitionTaskTx(tx, taskID, types.TaskCompleted, types.TaskActive); err != nil {
					// Rollup is opportunistic; an already-terminal task
					// must not fail the agent transition.
					logging.StoreDebug("auto rollup skipped for %s: %v", taskID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Store("Agent %s marked terminal (%s, reason=%s)", agentID, status, reason)
	return &res, nil
}

// SetAgentCleanup stores the structured cleanup report on the agent.
func (s *Store) SetAgentCleanup(agentID string, report *types.CleanupReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal cleanup report: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET cleanup_json = ? WHERE agent_id = ?`,
			string(b), agentID)
		return err
	})
}

// SetAgentValidation stores the completion-validation record.
func (s *Store) SetAgentValidation(agentID string, v *types.CompletionValidation) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET validation_json = ? WHERE agent_id = ?`,
			string(b), agentID)
		return err
	})
}

// AgentCounts is a point-in-time count aggregate.
type AgentCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Terminal int `json:"terminal"`
}

// GetTaskCounts returns agent counts for one task.
func (s *Store) GetTaskCounts(taskID string) (AgentCounts, error) {
	return s.countsWhere(`task_id = ?`, taskID)
}

// GetPhaseAgentCounts returns agent counts for one phase of a task.
func (s *Store) GetPhaseAgentCounts(taskID string, phaseIndex int) (AgentCounts, error) {
	return s.countsWhere(`task_id = ? AND phase_index = ?`, taskID, phaseIndex)
}

// GetActiveCounts returns workspace-wide counts: total agents, active
// agents, and tasks with at least one active agent.
func (s *Store) GetActiveCounts() (agents AgentCounts, activeTasks int, err error) {
	agents, err = s.countsWhere(`1=1`)
	if err != nil {
		return agents, 0, err
	}
	err = s.db.QueryRow(`SELECT COUNT(DISTINCT task_id) FROM agents
		WHERE status IN ('running','working','blocked','reviewing')`).Scan(&activeTasks)
	if err != nil {
		return agents, 0, fmt.Errorf("count active tasks: %w", err)
	}
	return agents, activeTasks, nil
}

func (s *Store) countsWhere(where string, args ...any) (AgentCounts, error) {
	var c AgentCounts
	err := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status IN ('running','working','blocked','reviewing') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('completed','failed','error','terminated','killed','phase_completed') THEN 1 ELSE 0 END), 0)
		FROM agents WHERE `+where, args...).Scan(&c.Total, &c.Active, &c.Terminal)
	if err != nil {
		return c, fmt.Errorf("count agents: %w", err)
	}
	return c, nil
}
