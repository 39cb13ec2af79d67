package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// dollar placeholders ($1, $2, ...) instead of ?.
	dollar bool
	// isUniqueViolation reports whether err is a unique or primary key violation.
	isUniqueViolation func(err error) bool
}

// sqlStore implements Store on top of database/sql. Queries are written with ? placeholders
// and rebound for the dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// Compile-time check that sqlStore implements Store.
var _ Store = (*sqlStore)(nil)

// q rebinds ? placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.q(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	slog.Debug("Closing database connection", "dialect", s.dialect.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "dialect", s.dialect.name, "error", err)
	} else {
		slog.Debug("Database connection closed successfully", "dialect", s.dialect.name)
	}
	return err
}

// DB exposes the underlying handle for maintenance tasks and tests.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// affectedOne maps a conditional write that touched no row to ErrConflict.
func affectedOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected check failed: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// utc normalizes timestamps before they are written so SQLite text comparisons stay ordered.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// marshalNullable encodes v as JSON, or NULL when v is nil or an empty slice.
func marshalNullable(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		slog.Warn("store: bad string list column", "error", err)
		return nil
	}
	return out
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
