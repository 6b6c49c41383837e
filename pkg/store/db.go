package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB pairs a connection pool with its dialect. Queries are written with
// '?' placeholders and rebound for Postgres.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to url. postgres:// and postgresql:// URLs use lib/pq;
// anything else is treated as a SQLite path (":memory:" included).
func Open(ctx context.Context, url string) (*DB, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Single writer; also keeps ":memory:" databases on one connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Wrap adapts an existing pool (tests, sqlmock).
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Rebind rewrites '?' placeholders to $n for Postgres.
func (d *DB) Rebind(query string) string {
	return Rebind(d.Dialect, query)
}

// Rebind rewrites '?' placeholders to $n when dialect is Postgres.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
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

// Migrate executes DDL statements in order.
func (d *DB) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
