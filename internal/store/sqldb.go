package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// sqlDB carries the SQL shared by both backends. Queries are written with ?
// placeholders and rebound for PostgreSQL.
type sqlDB struct {
	db       *sql.DB
	postgres bool
	name     string // for log messages
}

func (s *sqlDB) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *sqlDB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// utcNow returns the current time in UTC; all timestamps are stored in UTC so
// that SQLite's text comparison orders them correctly.
func utcNow() time.Time {
	return time.Now().UTC()
}

// Close closes the database connection.
func (s *sqlDB) Close() error {
	return s.db.Close()
}
