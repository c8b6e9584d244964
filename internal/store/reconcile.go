package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/registry"
	"conductor/internal/types"
)

// Reconcile rebuilds derived state for one task workspace from the
// JSON registry mirror and the JSONL event tails. It is idempotent:
// running it any number of times over unchanged files produces an
// identical snapshot. It is the recovery path when the store file is
// lost or stale.
func (s *Store) Reconcile(taskDir string, lockTimeout time.Duration) error {
	reg, err := registry.ReadTaskRegistry(config.TaskRegistryJSONPath(taskDir), lockTimeout)
	if err != nil {
		return fmt.Errorf("read task registry: %w", err)
	}
	if reg == nil || reg.Task == nil {
		logging.StoreDebug("reconcile: no registry in %s", taskDir)
		return nil
	}

	if err := s.upsertTaskSnapshot(reg); err != nil {
		return err
	}

	// Replay event tails: the latest progress line per agent wins, and
	// every finding is upserted (the table key makes replays no-ops).
	for _, a := range reg.Agents {
		if a == nil {
			continue
		}
		if a.ProgressPath != "" {
			events, err := registry.ReadProgressEvents(a.ProgressPath)
			if err != nil {
				logging.Get(logging.CategoryStore).Warn("reconcile: progress tail %s: %v", a.ProgressPath, err)
			} else if len(events) > 0 {
				last := events[len(events)-1]
				if err := s.applyReconciledProgress(a.ID, a.TaskID, last); err != nil {
					return err
				}
			}
		}
		if a.FindingsPath != "" {
			findings, err := registry.ReadFindingEvents(a.FindingsPath)
			if err != nil {
				logging.Get(logging.CategoryStore).Warn("reconcile: findings tail %s: %v", a.FindingsPath, err)
				continue
			}
			for _, fe := range findings {
				if err := s.AddFinding(a.TaskID, fe); err != nil {
					return fmt.Errorf("reconcile finding: %w", err)
				}
			}
		}
	}

	// Recompute the active counter from the statuses just replayed so
	// it cannot drift from the agent set.
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET active_count = (
			SELECT COUNT(*) FROM agents WHERE agents.task_id = tasks.task_id
			AND agents.status IN ('running','working','blocked','reviewing'))
			WHERE task_id = ?`, reg.Task.ID)
		if err != nil {
			return fmt.Errorf("recompute active count: %w", err)
		}
		logging.Store("Reconciled task %s from %s", reg.Task.ID, taskDir)
		return nil
	})
}

func (s *Store) upsertTaskSnapshot(reg *registry.TaskRegistry) error {
	t := reg.Task
	return s.withTx(func(tx *sql.Tx) error {
		ctxJSON := ""
		if t.Context != nil {
			b, _ := json.Marshal(t.Context)
			ctxJSON = string(b)
		}
		limJSON, _ := json.Marshal(t.Limits)

		_, err := tx.Exec(`INSERT INTO tasks
			(task_id, description, priority, workspace, creator_cwd, status,
			 current_phase_index, max_agents, max_concurrent, max_depth,
			 active_count, total_agents, version, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				description = excluded.description,
				status = excluded.status,
				current_phase_index = excluded.current_phase_index,
				total_agents = excluded.total_agents,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at`,
			t.ID, t.Description, string(t.Priority), t.Workspace, t.CreatorCwd,
			string(t.Status), t.CurrentPhaseIndex,
			t.Limits.MaxAgents, t.Limits.MaxConcurrent, t.Limits.MaxDepth,
			t.ActiveCount, t.TotalAgents, t.Version,
			t.CreatedAt, t.UpdatedAt, t.CompletedAt)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO task_config (task_id, context_json, limits_json)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				context_json = excluded.context_json,
				limits_json = excluded.limits_json`,
			t.ID, ctxJSON, string(limJSON)); err != nil {
			return fmt.Errorf("upsert task config: %w", err)
		}

		for _, p := range reg.Phases {
			deliv, _ := json.Marshal(p.Deliverables)
			crit, _ := json.Marshal(p.SuccessCriteria)
			if _, err := tx.Exec(`INSERT INTO phases
				(task_id, phase_index, name, description, deliverables, success_criteria,
				 status, version, auto_review, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(task_id, phase_index) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					deliverables = excluded.deliverables,
					success_criteria = excluded.success_criteria,
					status = excluded.status`,
				p.TaskID, p.Index, p.Name, p.Description, string(deliv), string(crit),
				string(p.Status), p.Version, boolInt(p.AutoReview),
				p.CreatedAt, p.UpdatedAt); err != nil {
				return fmt.Errorf("upsert phase %d: %w", p.Index, err)
			}
		}

		for _, a := range reg.Agents {
			if a == nil {
				continue
			}
			if _, err := tx.Exec(`INSERT INTO agents
				(agent_id, task_id, agent_type, parent, depth, phase_index,
				 session_name, pid, status, progress, message,
				 stream_log_path, progress_path, findings_path, prompt_path,
				 created_at, last_update, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(agent_id) DO UPDATE SET
					status = excluded.status,
					progress = excluded.progress,
					message = excluded.message,
					last_update = excluded.last_update,
					completed_at = excluded.completed_at`,
				a.ID, a.TaskID, a.Type, a.Parent, a.Depth, a.PhaseIndex,
				a.SessionName, a.PID, string(a.Status), a.Progress, a.Message,
				a.StreamLogPath, a.ProgressPath, a.FindingsPath, a.PromptPath,
				a.CreatedAt, a.LastUpdate, a.CompletedAt); err != nil {
				return fmt.Errorf("upsert agent %s: %w", a.ID, err)
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO agent_hierarchy (task_id, parent, child)
				VALUES (?, ?, ?)`, a.TaskID, a.Parent, a.ID); err != nil {
				return fmt.Errorf("upsert hierarchy: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) applyReconciledProgress(agentID, taskID string, e types.ProgressEvent) error {
	status := types.NormalizeAgentStatus(string(e.Status), e.Progress)
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE agents SET status = ?, progress = ?, message = ?,
			last_update = ? WHERE agent_id = ?`,
			string(status), e.Progress, e.Message, e.Timestamp, agentID); err != nil {
			return fmt.Errorf("apply reconciled progress: %w", err)
		}
		if status.IsTerminal() {
			if _, err := tx.Exec(`UPDATE agents SET completed_at = COALESCE(completed_at, ?)
				WHERE agent_id = ?`, e.Timestamp, agentID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`INSERT INTO agent_progress_latest
			(agent_id, task_id, status, message, progress, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status, message = excluded.message,
				progress = excluded.progress, updated_at = excluded.updated_at`,
			agentID, taskID, string(status), e.Message, e.Progress, e.Timestamp)
		return err
	})
}
