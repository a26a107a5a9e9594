// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"fmt"
	"strings"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Rebind converts ?-placeholders to the driver's placeholder style.
func Rebind(driver, query string) string {
	if !IsPostgres(driver) {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// UpsertConflictClause returns the ON CONFLICT clause for the driver.
// Both supported engines share the SQLite/Postgres ON CONFLICT syntax.
func UpsertConflictClause(columns ...string) string {
	return "ON CONFLICT(" + strings.Join(columns, ", ") + ") DO UPDATE SET"
}
