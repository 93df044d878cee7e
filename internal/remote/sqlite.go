package remote

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/labrun/internal/clock"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added updated_at index for sync scans
const currentSchemaVersion = 1

// SQLiteStore persists the document tree as leaf rows in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
	hub   hub
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used to resolve ServerTimestamp.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) {
		s.clock = c
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, path string) (any, bool, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, false, err
	}

	var rows *sql.Rows
	if p == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path, value FROM nodes ORDER BY path`)
	} else {
		// '0' is the byte after '/', so the range covers exactly the subtree.
		rows, err = s.db.QueryContext(ctx, `
			SELECT path, value FROM nodes
			WHERE path = ? OR (path >= ? AND path < ?)
			ORDER BY path`, p, p+"/", p+"0")
	}
	if err != nil {
		return nil, false, fmt.Errorf("query %q: %w", p, err)
	}
	defer rows.Close()

	leaves := make(map[string]json.RawMessage)
	for rows.Next() {
		var full, value string
		if err := rows.Scan(&full, &value); err != nil {
			return nil, false, fmt.Errorf("scan %q: %w", p, err)
		}
		leaves[full] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate %q: %w", p, err)
	}
	return assemble(p, leaves)
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update implements Store. All writes commit in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, values map[string]any) error {
	now := clock.UnixMilli(s.clock)
	batch, err := buildBatch(values, now)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range batch {
		if err := clearTx(ctx, tx, w.path); err != nil {
			return err
		}
		for full, raw := range w.leaves {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO nodes (path, value, updated_at) VALUES (?, ?, ?)`,
				full, string(raw), now); err != nil {
				return fmt.Errorf("insert %q: %w", full, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.hub.notify(ctx, batchPaths(batch), s.Get)
	return nil
}

// clearTx removes the subtree at path and any leaf stored at an ancestor.
func clearTx(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`,
		path, path+"/", path+"0"); err != nil {
		return fmt.Errorf("clear %q: %w", path, err)
	}
	for _, anc := range ancestors(path) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?`, anc); err != nil {
			return fmt.Errorf("clear ancestor %q: %w", anc, err)
		}
	}
	return nil
}

// Subscribe implements Store.
func (s *SQLiteStore) Subscribe(ctx context.Context, path string, fn func(any, bool)) (func(), error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	_, cancel := s.hub.add(p, fn)
	v, ok, err := s.Get(ctx, p)
	if err != nil {
		cancel()
		return nil, err
	}
	fn(v, ok)
	return cancel, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes(updated_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
