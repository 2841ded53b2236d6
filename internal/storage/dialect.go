package storage

import (
	"embed"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the few places where SQLite and PostgreSQL differ.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	migrations string
	numbered   bool // $1, $2, ... placeholders
	isConflict func(err error) bool
}

var sqliteDialect = dialect{
	name:       "sqlite",
	migrations: "migrations/sqlite.sql",
	isConflict: isSQLiteConflict,
}

var postgresDialect = dialect{
	name:       "postgres",
	migrations: "migrations/postgres.sql",
	numbered:   true,
	isConflict: isPostgresConflict,
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
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

// statements splits an embedded migration file into single statements.
func (d dialect) statements() ([]string, error) {
	b, err := migrationsFS.ReadFile(d.migrations)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(b), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended result codes keep the primary code in the low byte.
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isPostgresConflict(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == "23505" // unique_violation
}
