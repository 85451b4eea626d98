package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:   "postgres",
	rebind: dollarPlaceholders,
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS routing_outcomes (
			id BIGSERIAL PRIMARY KEY,
			route_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			features TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_outcomes_recorded_at ON routing_outcomes(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS routing_insights (
			id BIGSERIAL PRIMARY KEY,
			generated_at BIGINT NOT NULL,
			body TEXT NOT NULL
		)`,
	},
}

// NewPostgresStore connects to the database named by a postgres URL or DSN
func NewPostgresStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	return newSQLStore(ctx, db, postgresDialect)
}
