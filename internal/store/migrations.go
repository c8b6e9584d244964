// Additive schema migrations. On open the column lists are inspected
// and missing columns added via ALTER TABLE. Columns are never dropped
// or renamed; only added. Databases written by older builds therefore
// always open cleanly.
package store

import (
	"database/sql"
	"fmt"

	"conductor/internal/logging"
)

// Migration defines one additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists the columns newer builds expect on tables
// created by older ones.
var pendingMigrations = []Migration{
	// Completion validation record (added with self-report validation)
	{"agents", "validation_json", "TEXT DEFAULT ''"},
	// Cleanup outcome record (added with structured cleanup reports)
	{"agents", "cleanup_json", "TEXT DEFAULT ''"},
	// Daemon failure reason codes
	{"agents", "terminal_reason", "TEXT DEFAULT ''"},
	// Auto-review bookkeeping on phases
	{"phases", "auto_review", "INTEGER NOT NULL DEFAULT 0"},
	{"phases", "active_review_id", "TEXT DEFAULT ''"},
	{"phases", "auto_submitted_at", "DATETIME"},
	{"phases", "auto_submit_reason", "TEXT DEFAULT ''"},
	// Optimistic-concurrency counters
	{"tasks", "version", "INTEGER NOT NULL DEFAULT 1"},
	{"phases", "version", "INTEGER NOT NULL DEFAULT 1"},
	// Reviewer roster on reviews
	{"reviews", "reviewer_ids", "TEXT DEFAULT '[]'"},
}

// RunMigrations applies the additive migrations to db.
func RunMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Another writer may have added the column between the
			// check and the ALTER.
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		applied++
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
	}
	if applied > 0 {
		logging.Store("Schema migrations complete: applied=%d", applied)
	}
	return nil
}

// columnExists checks for a column via PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks sqlite_master for a table.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	return err == nil && count > 0
}
