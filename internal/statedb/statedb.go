package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("statedb: not found")

// StateDB wraps the SQLite database holding sessions, auto-response rules,
// the event log, and the command log. Safe for concurrent use; multiple
// processes (daemon + CLI) share the file through WAL mode.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	pragmas := []struct{ name, stmt string }{
		{"wal mode", "PRAGMA journal_mode=WAL"},
		{"busy timeout", "PRAGMA busy_timeout=5000"},
		{"foreign keys", "PRAGMA foreign_keys=ON"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p.name, err)
		}
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB (used by tests).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []struct{ name, ddl string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id            TEXT PRIMARY KEY,
				number        INTEGER NOT NULL,
				alias         TEXT NOT NULL,
				kind          TEXT NOT NULL DEFAULT 'assistant',
				working_dir   TEXT NOT NULL,
				tmux_session  TEXT NOT NULL,
				pane_id       TEXT NOT NULL DEFAULT '',
				pid           INTEGER NOT NULL DEFAULT 0,
				status        TEXT NOT NULL DEFAULT 'running',
				marker        TEXT NOT NULL DEFAULT '',
				token_used    INTEGER NOT NULL DEFAULT 0,
				token_limit   INTEGER NOT NULL DEFAULT 45,
				last_activity INTEGER NOT NULL DEFAULT 0,
				last_summary  TEXT NOT NULL DEFAULT '',
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			)`},
		{"sessions number index", `CREATE INDEX IF NOT EXISTS idx_sessions_number ON sessions(number)`},
		{"commands", `
			CREATE TABLE IF NOT EXISTS commands (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				source     TEXT NOT NULL,
				input      TEXT NOT NULL,
				context    TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`},
		{"auto_rules", `
			CREATE TABLE IF NOT EXISTS auto_rules (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				pattern    TEXT NOT NULL,
				response   TEXT NOT NULL,
				match_type TEXT NOT NULL DEFAULT 'contains',
				enabled    INTEGER NOT NULL DEFAULT 1,
				hit_count  INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			)`},
		{"events", `
			CREATE TABLE IF NOT EXISTS events (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id   TEXT NOT NULL DEFAULT '',
				event_type   TEXT NOT NULL,
				message      TEXT NOT NULL,
				acknowledged INTEGER NOT NULL DEFAULT 0,
				created_at   INTEGER NOT NULL
			)`},
		{"events session index", `CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at)`},
		{"daemon heartbeats", `
			CREATE TABLE IF NOT EXISTS daemon_heartbeats (
				pid        INTEGER PRIMARY KEY,
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, t := range tables {
		if _, err := tx.Exec(t.ddl); err != nil {
			return fmt.Errorf("statedb: create %s: %w", t.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// --- Daemon heartbeats + primary election ---

// RegisterDaemon records this process as a running daemon.
func (s *StateDB) RegisterDaemon() error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat refreshes this process's heartbeat timestamp.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec("UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?", s.now().Unix(), s.pid)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// ElectPrimary makes this process the primary daemon unless another process
// with a heartbeat newer than timeout already holds the role.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var holder int
	err = tx.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&holder)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return holder == s.pid, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("statedb: read primary: %w", err)
	}

	if _, err := tx.Exec("UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?", s.pid); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec("UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?", s.pid)
	return err
}

// --- Pruning ---

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Events   int64
	Commands int64
}

// Prune deletes events and commands older than cutoff.
func (s *StateDB) Prune(cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	tx, err := s.db.Begin()
	if err != nil {
		return res, fmt.Errorf("statedb: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.Exec("DELETE FROM events WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return res, fmt.Errorf("statedb: prune events: %w", err)
	}
	res.Events, _ = r.RowsAffected()

	r, err = tx.Exec("DELETE FROM commands WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return res, fmt.Errorf("statedb: prune commands: %w", err)
	}
	res.Commands, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("statedb: commit prune: %w", err)
	}
	return res, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
