package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLiteRebind(t *testing.T) {
	d := sqliteDialect{}
	assert.Equal(t, "SELECT * FROM users WHERE id = ?", d.Rebind("SELECT * FROM users WHERE id = $1"))
	assert.Equal(t, "VALUES (?, ?, ?)", d.Rebind("VALUES ($1, $2, $3)"))
	// Multi-digit placeholders collapse to a single mark.
	assert.Equal(t, "a = ? AND b = ?", d.Rebind("a = $9 AND b = $10"))
	// Dollar signs without a digit pass through.
	assert.Equal(t, "cost_$ = ?", d.Rebind("cost_$ = $1"))
}

func TestDialectDivergence(t *testing.T) {
	pg := postgresDialect{}
	lite := sqliteDialect{}

	assert.Equal(t, "GREATEST(a, b)", pg.Greatest("a", "b"))
	assert.Equal(t, "MAX(a, b)", lite.Greatest("a", "b"))
	assert.True(t, pg.ClaimSkipLocked())
	assert.False(t, lite.ClaimSkipLocked())
	assert.Equal(t, "SELECT $1", pg.Rebind("SELECT $1"))
}
