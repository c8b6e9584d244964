package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"conductor/internal/types"
)

// PutHandover upserts a handover document for (task, from_phase).
func (s *Store) PutHandover(h *types.Handover) error {
	kf, _ := json.Marshal(h.KeyFindings)
	art, _ := json.Marshal(h.Artifacts)
	br, _ := json.Marshal(h.BlockersResolved)
	rec, _ := json.Marshal(h.Recommendations)
	metrics := ""
	if h.Metrics != nil {
		b, err := json.Marshal(h.Metrics)
		if err != nil {
			return fmt.Errorf("marshal handover metrics: %w", err)
		}
		metrics = string(b)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO handovers
			(task_id, from_phase_index, summary, key_findings, artifacts,
			 blockers_resolved, recommendations, metrics_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.TaskID, h.FromPhaseIndex, h.Summary, string(kf), string(art),
			string(br), string(rec), metrics, h.CreatedAt)
		return err
	})
}

// GetHandover returns the handover for (task, from_phase), or
// ErrNotFound.
func (s *Store) GetHandover(taskID string, fromPhase int) (*types.Handover, error) {
	row := s.db.QueryRow(`SELECT task_id, from_phase_index, summary, key_findings,
		artifacts, blockers_resolved, recommendations, metrics_json, created_at
		FROM handovers WHERE task_id = ? AND from_phase_index = ?`, taskID, fromPhase)
	return scanHandover(row)
}

// ListHandovers returns all handovers of a task ordered by phase.
func (s *Store) ListHandovers(taskID string) ([]*types.Handover, error) {
	rows, err := s.db.Query(`SELECT task_id, from_phase_index, summary, key_findings,
		artifacts, blockers_resolved, recommendations, metrics_json, created_at
		FROM handovers WHERE task_id = ? ORDER BY from_phase_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list handovers: %w", err)
	}
	defer rows.Close()

	var out []*types.Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHandover(row rowScanner) (*types.Handover, error) {
	var h types.Handover
	var kf, art, br, rec, metrics string
	err := row.Scan(&h.TaskID, &h.FromPhaseIndex, &h.Summary, &kf, &art, &br,
		&rec, &metrics, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan handover: %w", err)
	}
	json.Unmarshal([]byte(kf), &h.KeyFindings)
	json.Unmarshal([]byte(art), &h.Artifacts)
	json.Unmarshal([]byte(br), &h.BlockersResolved)
	json.Unmarshal([]byte(rec), &h.Recommendations)
	if metrics != "" {
		json.Unmarshal([]byte(metrics), &h.Metrics)
	}
	return &h, nil
}
