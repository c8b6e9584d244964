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

// CreateTask inserts a task together with its phases and config in one
// transaction. Phase 0 must exist and phase indexes must be contiguous
// from 0.
func (s *Store) CreateTask(task *types.Task, phases []types.Phase) error {
	if len(phases) == 0 {
		return types.NewOpError(types.CodeValidationFailed, "task %s has no phases", task.ID)
	}
	for i, p := range phases {
		if p.Index != i {
			return types.NewOpError(types.CodeValidationFailed,
				"phase indexes must be contiguous from 0, got %d at position %d", p.Index, i)
		}
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks
			(task_id, description, priority, workspace, creator_cwd, status,
			 current_phase_index, max_agents, max_concurrent, max_depth,
			 active_count, total_agents, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, 0, 1, ?, ?)`,
			task.ID, task.Description, string(task.Priority), task.Workspace,
			task.CreatorCwd, string(task.Status),
			task.Limits.MaxAgents, task.Limits.MaxConcurrent, task.Limits.MaxDepth,
			task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		ctxJSON := ""
		if task.Context != nil {
			b, err := json.Marshal(task.Context)
			if err != nil {
				return fmt.Errorf("marshal task context: %w", err)
			}
			ctxJSON = string(b)
		}
		limJSON, _ := json.Marshal(task.Limits)
		if _, err := tx.Exec(
			`INSERT INTO task_config (task_id, context_json, limits_json) VALUES (?, ?, ?)`,
			task.ID, ctxJSON, string(limJSON)); err != nil {
			return fmt.Errorf("insert task config: %w", err)
		}

		for _, p := range phases {
			if err := insertPhase(tx, task.ID, p); err != nil {
				return err
			}
		}
		logging.Store("Created task %s with %d phases", task.ID, len(phases))
		return nil
	})
}

// GetTask returns the task row, or ErrNotFound.
func (s *Store) GetTask(taskID string) (*types.Task, error) {
	row := s.db.QueryRow(`SELECT
		t.task_id, t.description, t.priority, t.workspace, t.creator_cwd,
		t.status, t.current_phase_index, t.max_agents, t.max_concurrent,
		t.max_depth, t.active_count, t.total_agents, t.version,
		t.created_at, t.updated_at, t.completed_at,
		COALESCE(c.context_json, '')
		FROM tasks t LEFT JOIN task_config c ON c.task_id = t.task_id
		WHERE t.task_id = ?`, taskID)
	return scanTask(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var priority, status, ctxJSON string
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Description, &priority, &t.Workspace, &t.CreatorCwd,
		&status, &t.CurrentPhaseIndex, &t.Limits.MaxAgents, &t.Limits.MaxConcurrent,
		&t.Limits.MaxDepth, &t.ActiveCount, &t.TotalAgents, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &ctxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = types.Priority(priority)
	t.Status = types.TaskStatus(status)
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	if ctxJSON != "" {
		var tc types.TaskContext
		if err := json.Unmarshal([]byte(ctxJSON), &tc); err == nil {
			t.Context = &tc
		}
	}
	return &t, nil
}

// TaskFilter narrows ListTasks output.
type TaskFilter struct {
	Since  time.Time
	Until  time.Time
	Status types.TaskStatus
	Limit  int
	Offset int
}

// ListTasks returns tasks sorted by creation time descending.
func (s *Store) ListTasks(f TaskFilter) ([]*types.Task, error) {
	query := `SELECT
		t.task_id, t.description, t.priority, t.workspace, t.creator_cwd,
		t.status, t.current_phase_index, t.max_agents, t.max_concurrent,
		t.max_depth, t.active_count, t.total_agents, t.version,
		t.created_at, t.updated_at, t.completed_at,
		COALESCE(c.context_json, '')
		FROM tasks t LEFT JOIN task_config c ON c.task_id = t.task_id
		WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		query += " AND t.created_at >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND t.created_at <= ?"
		args = append(args, f.Until)
	}
	if f.Status != "" {
		query += " AND t.status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY t.created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTaskToActive moves a task INITIALIZED -> ACTIVE. A task
// already active is a no-op; anything else is refused.
func (s *Store) TransitionTaskToActive(taskID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return transitionTaskTx(tx, taskID, types.TaskActive,
			types.TaskInitialized, types.TaskActive)
	})
}

// TransitionTaskToCompleted moves a task ACTIVE -> COMPLETED and stamps
// completed_at.
func (s *Store) TransitionTaskToCompleted(taskID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := transitionTaskTx(tx, taskID, types.TaskCompleted, types.TaskActive); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE tasks SET completed_at = ? WHERE task_id = ?`,
			time.Now().UTC(), taskID)
		return err
	})
}

// TransitionTaskToFailed moves a task to FAILED from any non-terminal
// state.
func (s *Store) TransitionTaskToFailed(taskID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return transitionTaskTx(tx, taskID, types.TaskFailed,
			types.TaskInitialized, types.TaskActive)
	})
}

// transitionTaskTx performs a guarded status transition. The status row
// read and the conditional update happen in the caller's transaction.
func transitionTaskTx(tx *sql.Tx, taskID string, to types.TaskStatus, from ...types.TaskStatus) error {
	var current string
	err := tx.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if types.TaskStatus(current) == to {
		return nil // idempotent
	}
	allowed := false
	for _, f := range from {
		if types.TaskStatus(current) == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.WrapOpError(types.CodeInvalidTransition, types.ErrInvalidTransition,
			"task %s: %s -> %s", taskID, current, to)
	}
	_, err = tx.Exec(`UPDATE tasks SET status = ?, version = version + 1, updated_at = ?
		WHERE task_id = ?`, string(to), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	logging.Store("Task %s: %s -> %s", taskID, current, to)
	return nil
}

// SetCurrentPhaseIndex repoints the task's current phase.
func (s *Store) SetCurrentPhaseIndex(taskID string, index int) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET current_phase_index = ?, version = version + 1,
			updated_at = ? WHERE task_id = ?`, index, time.Now().UTC(), taskID)
		if err != nil {
			return fmt.Errorf("set current phase: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}
