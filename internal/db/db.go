// Package db provides relational persistence for wrangler.
//
// The store holds the workflow engine's rows: projects, tasks,
// dependencies, status history, attempts, links, commands, and memory.
// SQLite is the default dialect; PostgreSQL is supported through the
// same driver abstraction.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mbarlow/wrangler/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Pool holds connection pool settings applied after open.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// DefaultPool matches the engine's shared-resource policy: at most 10
// pooled connections with keep-alive enabled.
func DefaultPool() Pool {
	return Pool{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxIdleTime: 5 * time.Minute}
}

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite database at the given path.
// Creates the parent directory if it doesn't exist.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite, DefaultPool())
}

// OpenInMemory opens an in-memory SQLite database. Each call creates a
// new isolated database; ideal for tests.
func OpenInMemory() (*DB, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	return &DB{driver: drv, path: ":memory:"}, nil
}

// OpenWithDialect opens a database with a specific dialect and pool settings.
func OpenWithDialect(dsn string, dialect driver.Dialect, pool Pool) (*DB, error) {
	// For SQLite, create parent directory if needed
	if dialect == driver.DialectSQLite && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	d := &DB{driver: drv, path: dsn}
	d.applyPool(pool)
	return d, nil
}

func (d *DB) applyPool(pool Pool) {
	raw := d.driver.DB()
	if raw == nil {
		return
	}
	if pool.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		raw.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxIdleTime > 0 {
		raw.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the database DSN/path.
func (d *DB) Path() string {
	return d.path
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}

// Migrate creates the schema. Idempotent; safe to call on every start.
func (d *DB) Migrate() error {
	adapter := &embedFSAdapter{fs: schemaFS}
	return d.driver.Migrate(context.Background(), adapter, "core")
}

// Exec executes a query without returning rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.driver.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.driver.Query(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.driver.QueryRow(ctx, query, args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (driver.Tx, error) {
	return d.driver.BeginTx(ctx, opts)
}

// Now returns the SQL function for current timestamp in this dialect.
func (d *DB) Now() string {
	return d.driver.Now()
}

// InsertReturningID executes an INSERT and returns the generated row id.
// SQLite reports it through LastInsertId; PostgreSQL needs RETURNING.
func (d *DB) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if d.Dialect() == driver.DialectPostgres {
		var id int64
		row := d.driver.QueryRow(ctx, query+" RETURNING id", args...)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := d.driver.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
