package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/internal/logging"

	_ "modernc.org/sqlite"
)

// GlobalIndex is the cross-workspace database under the user's home
// directory. It maps task_id to workspace and carries coarse counters
// so the dashboard can aggregate across projects without opening every
// workspace store.
type GlobalIndex struct {
	db   *sql.DB
	path string
}

// OpenGlobalIndex opens (creating if needed) the global index DB.
func OpenGlobalIndex(path string) (*GlobalIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create global dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open global index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("global index busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("global index journal_mode: %v", err)
	}

	g := &GlobalIndex{db: db, path: path}
	if err := g.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func (g *GlobalIndex) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS known_workspaces (
			workspace TEXT PRIMARY KEY,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_index (
			task_id TEXT PRIMARY KEY,
			workspace TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_index_ws ON task_index(workspace);`,
		`CREATE TABLE IF NOT EXISTS global_counts (
			workspace TEXT PRIMARY KEY,
			active_agents INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("global schema: %w", err)
		}
	}
	return nil
}

// Close closes the index database.
func (g *GlobalIndex) Close() error { return g.db.Close() }

// TouchWorkspace records that a workspace exists and was seen now.
func (g *GlobalIndex) TouchWorkspace(workspace string) error {
	_, err := g.db.Exec(`INSERT INTO known_workspaces (workspace, last_seen)
		VALUES (?, ?) ON CONFLICT(workspace) DO UPDATE SET last_seen = excluded.last_seen`,
		workspace, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch workspace: %w", err)
	}
	return nil
}

// IndexTask records (or refreshes) a task's workspace binding and
// status.
func (g *GlobalIndex) IndexTask(taskID, workspace, status string, createdAt time.Time) error {
	_, err := g.db.Exec(`INSERT INTO task_index (task_id, workspace, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET status = excluded.status`,
		taskID, workspace, status, createdAt)
	if err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// WorkspaceOf resolves the workspace holding a task, "" when unknown.
func (g *GlobalIndex) WorkspaceOf(taskID string) (string, error) {
	var ws string
	err := g.db.QueryRow(`SELECT workspace FROM task_index WHERE task_id = ?`, taskID).Scan(&ws)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve task workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns every known workspace.
func (g *GlobalIndex) ListWorkspaces() ([]string, error) {
	rows, err := g.db.Query(`SELECT workspace FROM known_workspaces ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// SetWorkspaceActive records the active-agent count for a workspace.
func (g *GlobalIndex) SetWorkspaceActive(workspace string, active int) error {
	_, err := g.db.Exec(`INSERT INTO global_counts (workspace, active_agents, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			active_agents = excluded.active_agents, updated_at = excluded.updated_at`,
		workspace, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set workspace active: %w", err)
	}
	return nil
}

// DecrementWorkspaceActive decrements a workspace's active counter,
// never below zero.
func (g *GlobalIndex) DecrementWorkspaceActive(workspace string) error {
	_, err := g.db.Exec(`UPDATE global_counts
		SET active_agents = active_agents - 1, updated_at = ?
		WHERE workspace = ? AND active_agents > 0`, time.Now().UTC(), workspace)
	if err != nil {
		return fmt.Errorf("decrement workspace active: %w", err)
	}
	return nil
}

// GlobalCounts aggregates active agents across workspaces.
func (g *GlobalIndex) GlobalCounts() (activeAgents int, workspaces int, err error) {
	err = g.db.QueryRow(`SELECT COALESCE(SUM(active_agents), 0), COUNT(*)
		FROM global_counts`).Scan(&activeAgents, &workspaces)
	if err != nil {
		return 0, 0, fmt.Errorf("global counts: %w", err)
	}
	return activeAgents, workspaces, nil
}

// TaskIndexEntry is one row of the cross-workspace task index.
type TaskIndexEntry struct {
	TaskID    string    `json:"task_id"`
	Workspace string    `json:"workspace"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTaskIndex returns the task index, newest first.
func (g *GlobalIndex) ListTaskIndex(limit int) ([]TaskIndexEntry, error) {
	query := `SELECT task_id, workspace, status, created_at FROM task_index
		ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task index: %w", err)
	}
	defer rows.Close()
	var out []TaskIndexEntry
	for rows.Next() {
		var e TaskIndexEntry
		if err := rows.Scan(&e.TaskID, &e.Workspace, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
