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

func insertPhase(tx *sql.Tx, taskID string, p types.Phase) error {
	deliv, _ := json.Marshal(p.Deliverables)
	crit, _ := json.Marshal(p.SuccessCriteria)
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := tx.Exec(`INSERT INTO phases
		(task_id, phase_index, name, description, deliverables, success_criteria,
		 status, version, auto_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		taskID, p.Index, p.Name, p.Description, string(deliv), string(crit),
		string(p.Status), p.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert phase %d: %w", p.Index, err)
	}
	return nil
}

func scanPhase(row rowScanner) (*types.Phase, error) {
	var p types.Phase
	var status, deliv, crit string
	var autoReview int
	var autoSubmittedAt sql.NullTime
	err := row.Scan(&p.TaskID, &p.Index, &p.Name, &p.Description, &deliv, &crit,
		&status, &p.Version, &autoReview, &p.ActiveReviewID,
		&autoSubmittedAt, &p.AutoSubmitReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan phase: %w", err)
	}
	p.Status = types.PhaseStatus(status)
	p.AutoReview = autoReview != 0
	if autoSubmittedAt.Valid {
		at := autoSubmittedAt.Time
		p.AutoSubmittedAt = &at
	}
	json.Unmarshal([]byte(deliv), &p.Deliverables)
	json.Unmarshal([]byte(crit), &p.SuccessCriteria)
	return &p, nil
}

const phaseColumns = `task_id, phase_index, name, description, deliverables,
	success_criteria, status, version, auto_review, active_review_id,
	auto_submitted_at, auto_submit_reason, created_at, updated_at`

// GetPhase returns one phase, or ErrNotFound.
func (s *Store) GetPhase(taskID string, index int) (*types.Phase, error) {
	row := s.db.QueryRow(`SELECT `+phaseColumns+` FROM phases
		WHERE task_id = ? AND phase_index = ?`, taskID, index)
	return scanPhase(row)
}

// ListPhases returns all phases of a task ordered by index.
func (s *Store) ListPhases(taskID string) ([]*types.Phase, error) {
	rows, err := s.db.Query(`SELECT `+phaseColumns+` FROM phases
		WHERE task_id = ? ORDER BY phase_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var out []*types.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PhaseUpdate carries the optional side effects of a phase transition.
type PhaseUpdate struct {
	AutoReview       *bool
	ActiveReviewID   *string
	AutoSubmittedAt  *time.Time
	AutoSubmitReason *string
}

// CASPhaseStatus commits a phase status change conditional on the
// version being unchanged since the caller read it. Returns
// ErrStaleVersion on conflict; transition legality is the phase
// engine's job, the store only enforces the version guard.
func (s *Store) CASPhaseStatus(taskID string, index int, to types.PhaseStatus, version int64, upd PhaseUpdate) error {
	return s.withTx(func(tx *sql.Tx) error {
		set := `status = ?, version = version + 1, updated_at = ?`
		args := []any{string(to), time.Now().UTC()}
		if upd.AutoReview != nil {
			set += `, auto_review = ?`
			v := 0
			if *upd.AutoReview {
				v = 1
			}
			args = append(args, v)
		}
		if upd.ActiveReviewID != nil {
			set += `, active_review_id = ?`
			args = append(args, *upd.ActiveReviewID)
		}
		if upd.AutoSubmittedAt != nil {
			set += `, auto_submitted_at = ?`
			args = append(args, *upd.AutoSubmittedAt)
		}
		if upd.AutoSubmitReason != nil {
			set += `, auto_submit_reason = ?`
			args = append(args, *upd.AutoSubmitReason)
		}
		args = append(args, taskID, index, version)

		res, err := tx.Exec(`UPDATE phases SET `+set+`
			WHERE task_id = ? AND phase_index = ? AND version = ?`, args...)
		if err != nil {
			return fmt.Errorf("update phase status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Distinguish a missing phase from a lost race.
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM phases WHERE task_id = ? AND phase_index = ?`,
				taskID, index).Scan(&exists); err != nil {
				return fmt.Errorf("check phase existence: %w", err)
			}
			if exists == 0 {
				return types.ErrNotFound
			}
			return types.ErrStaleVersion
		}
		logging.Phase("Phase %s/%d -> %s (version %d)", taskID, index, to, version+1)
		return nil
	})
}

// CountPhases returns the number of phases on a task.
func (s *Store) CountPhases(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM phases WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count phases: %w", err)
	}
	return n, nil
}
