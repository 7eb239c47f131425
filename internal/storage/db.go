package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by SaveState when the stored status or since
	// no longer match what the caller read.
	ErrConflict = errors.New("state changed concurrently")
)

// DB wraps a sql.DB connection to the SQLite presence database. Every
// statement runs under mu so there is a single writer at a time.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.PingContext(ctx)
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    role TEXT NOT NULL,
    employment_type TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    appearance_json TEXT NOT NULL DEFAULT '{}',
    first_seen_ts TEXT NOT NULL,
    last_active_ts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_state (
    agent_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    prev_status TEXT,
    thinking_text TEXT,
    current_task TEXT,
    workspace_id TEXT NOT NULL,
    since TEXT NOT NULL,
    last_event_ts TEXT NOT NULL,
    session_id TEXT,
    peer_agent_id TEXT,
    home_x REAL NOT NULL DEFAULT 0,
    failure_streak INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    ts TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    terminal_session_id TEXT NOT NULL,
    run_id TEXT,
    session_id TEXT,
    agent_id TEXT NOT NULL,
    target_agent_id TEXT,
    task_id TEXT,
    severity TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    thinking_text TEXT,
    raw_json TEXT,
    fingerprint TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS sessions (
    workspace_id TEXT NOT NULL,
    terminal_session_id TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    last_heartbeat_ts TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','inactive')),
    PRIMARY KEY (workspace_id, terminal_session_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON events(agent_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`
	_, err := d.db.Exec(schema)
	return err
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
