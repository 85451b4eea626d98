package knowledge

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	rebind: questionMarks,
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS routing_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			features TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_outcomes_recorded_at ON routing_outcomes(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS routing_insights (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			generated_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
	},
}

// NewSQLiteStore opens (creating if needed) the sqlite database at path
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under the policy's flushes
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, sqliteDialect)
}
