// Package store persists the change log, checkpoints, conflicts and sync jobs
// of one store server. It supports embedded sqlite (modernc or mattn drivers)
// and postgres for the central aggregation point.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres"
)

// ErrCheckpointMoved is returned by CommitPage when the stored cursor no longer
// matches the cursor the page was fetched from.
var ErrCheckpointMoved = errors.New("checkpoint moved since page was fetched")

// IsSupportedDriver reports whether driver can be passed to Open.
func IsSupportedDriver(driver string) bool {
	switch driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
		return true
	}
	return false
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders as $n for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the queries shared by Store and Tx.
type conn struct {
	q querier
	d dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// Store wraps the local database connection
type Store struct {
	conn
	db     *sql.DB
	driver string
}

// Tx is one local transaction. Every page apply and checkpoint write runs
// inside a single Tx.
type Tx struct {
	conn
	tx *sql.Tx
}

// Open opens the database and runs any pending migrations.
// For the sqlite drivers dsn is a file path (created if missing) or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	if !IsSupportedDriver(driver) {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	d := dialectSQLite
	if driver == DriverPostgres {
		d = dialectPostgres
	}

	if d == dialectSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d == dialectSQLite {
		// One writer; page commits from different partitions queue on the pool.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := &Store{conn: conn{q: db, d: d}, db: db, driver: driver}

	schema := sqliteSchema
	if d == dialectPostgres {
		schema = postgresSchema
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL (sqlite) and closes the database connection.
func (s *Store) Close() error {
	if s.d == dialectSQLite {
		s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// InTx runs fn inside one transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{conn: conn{q: sqlTx, d: s.d}, tx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RunMigrations runs any pending database migrations.
func (s *Store) RunMigrations() (int, error) {
	ctx := context.Background()
	currentVersion := s.schemaVersion(ctx)
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	run := 0
	for _, m := range Migrations {
		if m.Version <= currentVersion {
			continue
		}
		stmt := m.SQLite
		if s.d == dialectPostgres {
			stmt = m.Postgres
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := s.setSchemaVersion(ctx, m.Version); err != nil {
			return run, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		run++
	}

	if err := s.setSchemaVersion(ctx, SchemaVersion); err != nil {
		return run, err
	}
	return run, nil
}

func (s *Store) schemaVersion(ctx context.Context) int {
	var version string
	if err := s.queryRow(ctx, "SELECT value FROM schema_info WHERE key = 'version'").Scan(&version); err != nil {
		return 0
	}
	v, _ := strconv.Atoi(version)
	return v
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	_, err := s.exec(ctx, `
		INSERT INTO schema_info (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(version))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
