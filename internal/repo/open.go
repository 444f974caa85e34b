package repo

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type Dialect string

const (
	Postgres Dialect = "pgx"
	SQLite   Dialect = "sqlite"
)

// Open connects with the named database/sql driver ("pgx" or "sqlite").
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	switch Dialect(driver) {
	case Postgres:
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, "", fmt.Errorf("opening postgres: %w", err)
		}
		return db, Postgres, nil
	case SQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		db, err := sql.Open(driver, dsn+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite")
		if err != nil {
			return nil, "", fmt.Errorf("opening sqlite: %w", err)
		}
		// One writer; also keeps in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
		return db, SQLite, nil
	}
	return nil, "", fmt.Errorf("unsupported database driver %q", driver)
}

// Migrate applies the embedded schema for d. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	name := "schema/postgres.sql"
	if d == SQLite {
		name = "schema/sqlite.sql"
	}
	schema, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}
	return nil
}

// rebind rewrites '?' placeholders to the dialect's positional form.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
