package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"conductor/internal/types"
)

// AddFinding upserts one finding event into the findings table. The
// JSONL append is the caller's responsibility and is primary; this is
// the queryable projection.
func (s *Store) AddFinding(taskID string, f types.FindingEvent) error {
	dataJSON := ""
	if f.Data != nil {
		b, err := json.Marshal(f.Data)
		if err != nil {
			return fmt.Errorf("marshal finding data: %w", err)
		}
		dataJSON = string(b)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO agent_findings
			(task_id, agent_id, phase_index, finding_type, severity, message, data_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, f.AgentID, f.PhaseIndex, string(f.Type), string(f.Severity),
			f.Message, dataJSON, f.Timestamp)
		return err
	})
}

// FindingFilter narrows ListFindings output.
type FindingFilter struct {
	AgentID       string
	PhaseIndex    *int             // exact phase
	PhaseBelow    *int             // phase_index < PhaseBelow
	Severities    []types.Severity // any of
	Types         []types.FindingType
	Limit         int
	NewestFirst   bool
	HighestSevere bool // critical before high before medium before low
}

// ListFindings returns findings for a task under the given filter.
func (s *Store) ListFindings(taskID string, f FindingFilter) ([]types.FindingEvent, error) {
	query := `SELECT task_id, agent_id, phase_index, finding_type, severity,
		message, data_json, created_at FROM agent_findings WHERE task_id = ?`
	args := []any{taskID}

	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.PhaseIndex != nil {
		query += " AND phase_index = ?"
		args = append(args, *f.PhaseIndex)
	}
	if f.PhaseBelow != nil {
		query += " AND phase_index < ? AND phase_index >= 0"
		args = append(args, *f.PhaseBelow)
	}
	if len(f.Severities) > 0 {
		query += " AND severity IN (" + placeholders(len(f.Severities)) + ")"
		for _, sev := range f.Severities {
			args = append(args, string(sev))
		}
	}
	if len(f.Types) > 0 {
		query += " AND finding_type IN (" + placeholders(len(f.Types)) + ")"
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}

	switch {
	case f.HighestSevere:
		query += ` ORDER BY CASE severity
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1
			WHEN 'medium' THEN 2 ELSE 3 END, phase_index DESC, created_at DESC`
	case f.NewestFirst:
		query += " ORDER BY created_at DESC"
	default:
		query += " ORDER BY created_at"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []types.FindingEvent
	for rows.Next() {
		var fe types.FindingEvent
		var taskIDCol, ftype, severity, dataJSON string
		if err := rows.Scan(&taskIDCol, &fe.AgentID, &fe.PhaseIndex, &ftype,
			&severity, &fe.Message, &dataJSON, &fe.Timestamp); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		fe.Type = types.FindingType(ftype)
		fe.Severity = types.Severity(severity)
		if dataJSON != "" {
			json.Unmarshal([]byte(dataJSON), &fe.Data)
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}
