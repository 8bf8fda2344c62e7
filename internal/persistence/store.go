// Package persistence is the SQLite-backed store behind §6's external
// interface contracts: groups, scheduled tasks (with the sentinel-claim
// protocol), heartbeat jobs, their run logs, and usage tracking.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/goclaw-orchestrator/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "goclaw-orchestrator-v1-2026-07-30-core-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel is the reserved far-future ISO instant (§6) marking a claimed
// scheduled task. It is a wire-visible contract: changing it requires a
// migration. Its year prefix alone outranks any real timestamp under
// timeLayout's fixed-width comparison, so the differing fractional-digit
// count here is harmless.
const Sentinel = "9999-12-31T23:59:59.999Z"

// timeLayout is the format every stored timestamp in this package uses.
// time.RFC3339Nano trims trailing fractional zeros, so two timestamps that
// differ only in fractional precision (e.g. a whole-second value and a
// sub-second one) don't compare lexicographically the same way they compare
// chronologically — a due-boundary bug in the "next_run <= ?" queries.
// Fixing the fractional width at 9 digits makes string comparison agree
// with time comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sentinelTime is the parsed form of Sentinel, used for comparisons.
var sentinelTime = mustParseRFC3339(Sentinel)

func mustParseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(fmt.Sprintf("persistence: invalid sentinel constant %q: %v", s, err))
	}
	return t
}

// Store wraps a SQLite connection with the schema migration ledger and the
// task/group/heartbeat query surface §6 requires.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the default on-disk database location under the
// orchestrator's home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw", "goclaw.db")
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates it to the latest schema. eventBus, if non-nil, receives
// task/group/heartbeat lifecycle events.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB returns the underlying *sql.DB for callers that need direct access
// (e.g. backup).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with bounded
// exponential backoff and jitter, on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err looks like a SQLite BUSY/LOCKED error.
// Matched by message rather than the driver's error type to avoid importing
// the sqlite3 package outside this file.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS groups (
	folder TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	chat_jid TEXT NOT NULL,
	trigger_prefix TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER NOT NULL DEFAULT 0,
	additional_mounts TEXT NOT NULL DEFAULT '[]',
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	is_main INTEGER NOT NULL DEFAULT 0,
	added_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	group_folder TEXT NOT NULL,
	chat_jid TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode TEXT NOT NULL DEFAULT 'group',
	next_run TEXT,
	last_run TEXT,
	last_result TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	retry_delay_ms INTEGER NOT NULL DEFAULT 1000,
	task_timeout_ms INTEGER,
	label TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	ran_at TEXT NOT NULL,
	success INTEGER NOT NULL,
	result TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs (task_id, id);

CREATE TABLE IF NOT EXISTS heartbeat_jobs (
	id TEXT PRIMARY KEY,
	chat_jid TEXT NOT NULL,
	label TEXT NOT NULL,
	prompt TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'custom',
	status TEXT NOT NULL DEFAULT 'active',
	interval_ms INTEGER,
	last_run TEXT,
	last_result TEXT,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS heartbeat_job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES heartbeat_jobs(id) ON DELETE CASCADE,
	ran_at TEXT NOT NULL,
	success INTEGER NOT NULL,
	result TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_heartbeat_job_logs_job ON heartbeat_job_logs (job_id, id);

CREATE TABLE IF NOT EXISTS usage_tracking (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_tracking_timestamp ON usage_tracking (timestamp);
`
