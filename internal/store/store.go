// Package store implements the per-workspace state store and the
// cross-workspace global index on embedded SQLite. It is the single
// source of truth for tasks, phases, agents, reviews, findings, and
// handovers; the JSONL event files beside it are the audit trail and
// are derived data from the store's perspective.
//
// Concurrency discipline: WAL journaling with a busy timeout, every
// multi-statement update inside one transaction, and schema evolution
// by additive ALTER only.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"conductor/internal/logging"

	_ "modernc.org/sqlite"
)

// Store is the per-workspace state store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes read-modify-write sections
	dbPath string
}

// Open initializes the SQLite state store at the given path.
func Open(path string) (*Store, error) {
	logging.Store("Opening state store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection sidesteps table-lock contention between the
	// RPC handlers and the daemon; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.Store("State store ready (%s)", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// initialize creates the required tables. Idempotent.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'P2',
			workspace TEXT NOT NULL,
			creator_cwd TEXT DEFAULT '',
			status TEXT NOT NULL,
			current_phase_index INTEGER NOT NULL DEFAULT 0,
			max_agents INTEGER NOT NULL DEFAULT 20,
			max_concurrent INTEGER NOT NULL DEFAULT 5,
			max_depth INTEGER NOT NULL DEFAULT 3,
			active_count INTEGER NOT NULL DEFAULT 0,
			total_agents INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);`,

		`CREATE TABLE IF NOT EXISTS task_config (
			task_id TEXT PRIMARY KEY,
			context_json TEXT DEFAULT '',
			limits_json TEXT DEFAULT ''
		);`,

		`CREATE TABLE IF NOT EXISTS phases (
			task_id TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT DEFAULT '',
			deliverables TEXT DEFAULT '[]',
			success_criteria TEXT DEFAULT '[]',
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			auto_review INTEGER NOT NULL DEFAULT 0,
			active_review_id TEXT DEFAULT '',
			auto_submitted_at DATETIME,
			auto_submit_reason TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, phase_index)
		);`,

		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			parent TEXT NOT NULL DEFAULT 'orchestrator',
			depth INTEGER NOT NULL DEFAULT 1,
			phase_index INTEGER NOT NULL DEFAULT 0,
			session_name TEXT DEFAULT '',
			pid INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT DEFAULT '',
			stream_log_path TEXT DEFAULT '',
			progress_path TEXT DEFAULT '',
			findings_path TEXT DEFAULT '',
			prompt_path TEXT DEFAULT '',
			terminal_reason TEXT DEFAULT '',
			cleanup_json TEXT DEFAULT '',
			validation_json TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			last_update DATETIME NOT NULL,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_phase ON agents(task_id, phase_index);`,

		`CREATE TABLE IF NOT EXISTS agent_progress_latest (
			agent_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS agent_hierarchy (
			task_id TEXT NOT NULL,
			parent TEXT NOT NULL,
			child TEXT NOT NULL,
			PRIMARY KEY (task_id, parent, child)
		);`,

		`CREATE TABLE IF NOT EXISTS agent_findings (
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			finding_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, created_at, message)
		);
		CREATE INDEX IF NOT EXISTS idx_findings_task ON agent_findings(task_id, phase_index);`,

		`CREATE TABLE IF NOT EXISTS reviews (
			review_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			final_verdict TEXT DEFAULT '',
			num_reviewers INTEGER NOT NULL,
			auto_spawned INTEGER NOT NULL DEFAULT 0,
			reviewer_ids TEXT DEFAULT '[]',
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_reviews_task ON reviews(task_id, phase_index);`,

		`CREATE TABLE IF NOT EXISTS review_verdicts (
			review_id TEXT NOT NULL,
			reviewer_agent_id TEXT NOT NULL,
			verdict TEXT NOT NULL,
			notes TEXT DEFAULT '',
			findings_json TEXT DEFAULT '[]',
			submitted_at DATETIME NOT NULL,
			PRIMARY KEY (review_id, reviewer_agent_id)
		);`,

		`CREATE TABLE IF NOT EXISTS critique_submissions (
			review_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (review_id, agent_id)
		);`,

		`CREATE TABLE IF NOT EXISTS handovers (
			task_id TEXT NOT NULL,
			from_phase_index INTEGER NOT NULL,
			summary TEXT NOT NULL,
			key_findings TEXT DEFAULT '[]',
			artifacts TEXT DEFAULT '[]',
			blockers_resolved TEXT DEFAULT '[]',
			recommendations TEXT DEFAULT '[]',
			metrics_json TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, from_phase_index)
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back on error. The store mutex serializes read-modify-write sections
// against each other within this process.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreDebug("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
