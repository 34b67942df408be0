package store

import (
	"fmt"
	"strings"
)

// dialect abstracts the handful of places where Postgres and SQLite SQL
// diverge. Queries are written once with $n placeholders; Rebind converts
// for SQLite. Timestamps are always bound as unix-millisecond arguments so
// no dialect-specific time functions appear in queries.
type dialect interface {
	Name() string
	Rebind(query string) string
	// Greatest returns the SQL expression for the larger of two values.
	Greatest(a, b string) string
	// ClaimSkipLocked reports whether the claim query may use
	// FOR UPDATE SKIP LOCKED.
	ClaimSkipLocked() bool
}

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) Rebind(q string) string     { return q }
func (postgresDialect) Greatest(a, b string) string { return fmt.Sprintf("GREATEST(%s, %s)", a, b) }
func (postgresDialect) ClaimSkipLocked() bool      { return true }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

// Rebind converts $n placeholders to SQLite's positional ?.
// Arguments must be supplied in ascending $n order, which all queries in
// this package follow.
func (sqliteDialect) Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (sqliteDialect) Greatest(a, b string) string { return fmt.Sprintf("MAX(%s, %s)", a, b) }
func (sqliteDialect) ClaimSkipLocked() bool       { return false }
