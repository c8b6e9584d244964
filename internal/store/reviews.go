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

// CreateReview inserts a review record in in_progress state.
func (s *Store) CreateReview(r *types.Review) error {
	reviewers, _ := json.Marshal(r.ReviewerIDs)
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO reviews
			(review_id, task_id, phase_index, status, final_verdict,
			 num_reviewers, auto_spawned, reviewer_ids, created_at)
			VALUES (?, ?, ?, ?, '', ?, ?, ?, ?)`,
			r.ID, r.TaskID, r.PhaseIndex, string(r.Status),
			r.NumReviewers, boolInt(r.AutoSpawned), string(reviewers), r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		logging.Review("Created review %s for %s phase %d (%d reviewers)",
			r.ID, r.TaskID, r.PhaseIndex, r.NumReviewers)
		return nil
	})
}

const reviewColumns = `review_id, task_id, phase_index, status, final_verdict,
	num_reviewers, auto_spawned, reviewer_ids, created_at, completed_at`

func scanReview(row rowScanner) (*types.Review, error) {
	var r types.Review
	var status, verdict, reviewers string
	var autoSpawned int
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TaskID, &r.PhaseIndex, &status, &verdict,
		&r.NumReviewers, &autoSpawned, &reviewers, &r.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan review: %w", err)
	}
	r.Status = types.ReviewStatus(status)
	r.FinalVerdict = types.Verdict(verdict)
	r.AutoSpawned = autoSpawned != 0
	if completedAt.Valid {
		ct := completedAt.Time
		r.CompletedAt = &ct
	}
	json.Unmarshal([]byte(reviewers), &r.ReviewerIDs)
	return &r, nil
}

// GetReview returns one review, or ErrNotFound.
func (s *Store) GetReview(reviewID string) (*types.Review, error) {
	row := s.db.QueryRow(`SELECT `+reviewColumns+` FROM reviews WHERE review_id = ?`, reviewID)
	return scanReview(row)
}

// GetActiveReview returns the in-progress review for a phase, if any.
func (s *Store) GetActiveReview(taskID string, phaseIndex int) (*types.Review, error) {
	row := s.db.QueryRow(`SELECT `+reviewColumns+` FROM reviews
		WHERE task_id = ? AND phase_index = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		taskID, phaseIndex, string(types.ReviewInProgress))
	return scanReview(row)
}

// ListReviews returns every review of a task, newest first.
func (s *Store) ListReviews(taskID string) ([]*types.Review, error) {
	rows, err := s.db.Query(`SELECT `+reviewColumns+` FROM reviews
		WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []*types.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReviewsForReviewer returns the in-progress reviews that list the
// agent as a reviewer.
func (s *Store) ListReviewsForReviewer(agentID string) ([]*types.Review, error) {
	// reviewer_ids is a small JSON array; a LIKE probe narrows the scan
	// and the decoded roster is checked precisely afterwards.
	rows, err := s.db.Query(`SELECT `+reviewColumns+` FROM reviews
		WHERE status = ? AND reviewer_ids LIKE ?`,
		string(types.ReviewInProgress), "%"+agentID+"%")
	if err != nil {
		return nil, fmt.Errorf("list reviews for reviewer: %w", err)
	}
	defer rows.Close()

	var out []*types.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range r.ReviewerIDs {
			if id == agentID {
				out = append(out, r)
				break
			}
		}
	}
	return out, rows.Err()
}

// AddVerdict records one reviewer's verdict. A second verdict from the
// same reviewer is refused.
func (s *Store) AddVerdict(v types.VerdictRecord) error {
	findings, _ := json.Marshal(v.Findings)
	return s.withTx(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM reviews WHERE review_id = ?`, v.ReviewID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read review: %w", err)
		}
		if types.ReviewStatus(status) != types.ReviewInProgress {
			return types.WrapOpError(types.CodeInvalidTransition, types.ErrInvalidTransition,
				"review %s is %s, not accepting verdicts", v.ReviewID, status)
		}

		_, err = tx.Exec(`INSERT INTO review_verdicts
			(review_id, reviewer_agent_id, verdict, notes, findings_json, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ReviewID, v.ReviewerAgentID, string(v.Verdict), v.Notes,
			string(findings), v.SubmittedAt)
		if err != nil {
			// The composite primary key rejects duplicate reviewers.
			return types.WrapOpError(types.CodeValidationFailed, err,
				"reviewer %s already submitted a verdict for %s", v.ReviewerAgentID, v.ReviewID)
		}
		logging.Review("Verdict %s from %s on review %s", v.Verdict, v.ReviewerAgentID, v.ReviewID)
		return nil
	})
}

// ListVerdicts returns the verdicts submitted for a review.
func (s *Store) ListVerdicts(reviewID string) ([]types.VerdictRecord, error) {
	rows, err := s.db.Query(`SELECT review_id, reviewer_agent_id, verdict, notes,
		findings_json, submitted_at FROM review_verdicts
		WHERE review_id = ? ORDER BY submitted_at`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var out []types.VerdictRecord
	for rows.Next() {
		var v types.VerdictRecord
		var verdict, findings string
		if err := rows.Scan(&v.ReviewID, &v.ReviewerAgentID, &verdict, &v.Notes,
			&findings, &v.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Verdict = types.Verdict(verdict)
		json.Unmarshal([]byte(findings), &v.Findings)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CompleteReview finalizes a review with a terminal status and, when
// completed, a final verdict.
func (s *Store) CompleteReview(reviewID string, status types.ReviewStatus, finalVerdict types.Verdict) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE reviews SET status = ?, final_verdict = ?, completed_at = ?
			WHERE review_id = ? AND status = ?`,
			string(status), string(finalVerdict), time.Now().UTC(),
			reviewID, string(types.ReviewInProgress))
		if err != nil {
			return fmt.Errorf("complete review: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.WrapOpError(types.CodeInvalidTransition, types.ErrInvalidTransition,
				"review %s is not in progress", reviewID)
		}
		logging.Review("Review %s finalized: %s (%s)", reviewID, status, finalVerdict)
		return nil
	})
}

// AddCritique stores an optional critique on a review.
func (s *Store) AddCritique(c types.Critique) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO critique_submissions
			(review_id, agent_id, body, created_at) VALUES (?, ?, ?, ?)`,
			c.ReviewID, c.AgentID, c.Body, c.CreatedAt)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
