// Package store provides the orchestrator's durable, transactional state:
// tenants, jobs, schedules, artifacts, and the singleton rows (global lock,
// heartbeat, settings). It is backed by SQLite through the pure-Go
// modernc.org/sqlite driver so the orchestrator never needs CGo.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/opsportal/orchestrator/internal/utils"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// Store wraps a SQLite connection configured for the orchestration core's
// durability needs: every table is bookkeeping, not business data, so the
// whole database runs with a single full-fsync, no-auto-vacuum profile
// rather than mixing per-table profiles.
type Store struct {
	conn *sql.DB
	path string
}

// Config controls how a Store is opened.
type Config struct {
	// Path is the database file path, or a "file:" URI (e.g.
	// "file::memory:?cache=shared" for tests).
	Path string
}

// Open creates the database connection, applies PRAGMAs, and migrates the
// schema. It does not close the connection on migration failure; callers
// should Close() on error to avoid leaking the file handle.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		path = absPath
	}

	connStr := buildConnectionString(path)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite is effectively single-writer; keep the pool small so
	// "BEGIN IMMEDIATE" transactions queue cleanly instead of racing.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

func buildConnectionString(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(FULL)" // fsync after every write: this is audit bookkeeping
	connStr += "&_pragma=auto_vacuum(NONE)" // never shrink; append-only workload
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=cache_size(-32000)"
	connStr += "&_txlock=immediate" // every transaction takes the write lock up front
	return connStr
}

func (s *Store) migrate() error {
	content, err := schemaFiles.ReadFile("schema/orchestrator_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the absolute path to the database file (or the file: URI it
// was opened with).
func (s *Store) Path() string {
	return s.path
}

// Conn exposes the underlying *sql.DB for read-only queries that don't need
// transactional semantics (e.g. HealthClassifier lookups).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. The connection string's "_txlock=immediate"
// makes every transaction acquire SQLite's write lock up front, giving the
// orchestrator the same "exactly one writer proceeds, everyone else
// queues" guarantee that the spec's "SELECT ... FOR UPDATE" phrasing
// assumes from a row-locking database — see SPEC_FULL.md §3 on this.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in store transaction: %v", p)
			return
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

func nowUnix() int64 {
	return utils.ToUnix(time.Now().UTC())
}

func unixTime(v int64) time.Time {
	return utils.FromUnix(v)
}

func unixToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := utils.FromUnix(v.Int64)
	return &t
}

func timePtrToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: utils.ToUnix(t.UTC()), Valid: true}
}
