package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/routing"
)

// dialect captures the few places sqlite and postgres differ
type dialect struct {
	name       string
	migrations []string
	// rebind converts ? placeholders to the driver's syntax
	rebind func(query string) string
}

// sqlStore is the database/sql backed store shared by the sqlite and
// postgres backends. Timestamps are stored as unix nanoseconds so both
// engines compare them the same way.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.ConnectionError(fmt.Sprintf("failed to ping %s database", d.name), err)
	}

	s := &sqlStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.InternalError(fmt.Sprintf("failed to migrate %s database", d.name), err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, query := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) RecordOutcomes(ctx context.Context, records []routing.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(
		`INSERT INTO routing_outcomes (route_id, message_id, features, status, recorded_at) VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return errors.InternalError("failed to prepare outcome insert", err)
	}
	defer stmt.Close()

	for _, r := range records {
		features, err := json.Marshal(r.Features)
		if err != nil {
			return errors.InternalError("failed to encode features", err)
		}
		if _, err := stmt.ExecContext(ctx, r.RouteID, r.MessageID, string(features), r.Status.String(), r.Timestamp.UnixNano()); err != nil {
			return errors.InternalError("failed to insert outcome", err).WithContext("route_id", r.RouteID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.InternalError("failed to commit outcomes", err)
	}
	return nil
}

func (s *sqlStore) LoadOutcomes(ctx context.Context, since time.Time, limit int) ([]routing.OutcomeRecord, error) {
	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString(`SELECT route_id, message_id, features, status, recorded_at FROM routing_outcomes`)
	if !since.IsZero() {
		query.WriteString(` WHERE recorded_at >= ?`)
		args = append(args, since.UnixNano())
	}
	query.WriteString(` ORDER BY id DESC`)
	if limit > 0 {
		query.WriteString(` LIMIT ` + strconv.Itoa(limit))
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query.String()), args...)
	if err != nil {
		return nil, errors.InternalError("failed to query outcomes", err)
	}
	defer rows.Close()

	var records []routing.OutcomeRecord
	for rows.Next() {
		var (
			r          routing.OutcomeRecord
			features   string
			status     string
			recordedAt int64
		)
		if err := rows.Scan(&r.RouteID, &r.MessageID, &features, &status, &recordedAt); err != nil {
			return nil, errors.InternalError("failed to scan outcome", err)
		}
		if err := json.Unmarshal([]byte(features), &r.Features); err != nil {
			return nil, errors.InternalError("failed to decode features", err)
		}
		if err := r.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, errors.InternalError("failed to decode status", err)
		}
		r.Timestamp = time.Unix(0, recordedAt).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed to read outcomes", err)
	}

	// newest first from the query, oldest first for callers
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *sqlStore) UpdateInsights(ctx context.Context, insights Insights) error {
	body, err := json.Marshal(insights)
	if err != nil {
		return errors.InternalError("failed to encode insights", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO routing_insights (generated_at, body) VALUES (?, ?)`),
		insights.GeneratedAt.UnixNano(), string(body))
	if err != nil {
		return errors.InternalError("failed to store insights", err)
	}
	return nil
}

func (s *sqlStore) LatestInsights(ctx context.Context) (*Insights, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM routing_insights ORDER BY id DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNoInsights
	}
	if err != nil {
		return nil, errors.InternalError("failed to query insights", err)
	}

	var insights Insights
	if err := json.Unmarshal([]byte(body), &insights); err != nil {
		return nil, errors.InternalError("failed to decode insights", err)
	}
	return &insights, nil
}

func (s *sqlStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func questionMarks(query string) string { return query }

// dollarPlaceholders rewrites ? to $1, $2, ...
func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
