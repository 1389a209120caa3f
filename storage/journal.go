// Package storage keeps the agent's audit journal in SQLite: completed bulk
// transfers and security events (authentication failures, pairing decisions).
// The journal is advisory; the agent runs without it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the agent data dir.
	DefaultDBFileName = "journal.db"
	// DefaultEventRetention controls automatic security event pruning.
	DefaultEventRetention = 90 * 24 * time.Hour
)

// Security event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfer_history (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  op         TEXT NOT NULL CHECK(op IN ('push','pull')),
  path       TEXT NOT NULL,
  peer_id    TEXT,
  bytes      INTEGER NOT NULL,
  status     TEXT NOT NULL,
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_history_time
ON transfer_history (timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
}

// TransferRecord is one completed bulk transfer.
type TransferRecord struct {
	ID        int64  `json:"id"`
	Op        string `json:"op"`
	Path      string `json:"path"`
	PeerID    string `json:"peer_id,omitempty"`
	Bytes     int64  `json:"bytes"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// SecurityEvent is one audit entry.
type SecurityEvent struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	PeerID    string `json:"peer_id,omitempty"`
	Details   string `json:"details"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

// Journal is a thin wrapper around a SQLite connection.
type Journal struct {
	db        *sql.DB
	retention time.Duration
	closeOnce sync.Once
}

// Open opens (or creates) journal.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	journal := &Journal{
		db:        db,
		retention: DefaultEventRetention,
	}
	if err := journal.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := journal.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return journal, nil
}

// Close closes the SQLite connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	var closeErr error
	j.closeOnce.Do(func() {
		closeErr = j.db.Close()
	})
	return closeErr
}

func (j *Journal) applyMigrations() error {
	var version int
	if err := j.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (j *Journal) enableWALMode() error {
	var journalMode string
	if err := j.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// RecordTransfer inserts one completed transfer.
func (j *Journal) RecordTransfer(op, path, peerID string, bytes int64, status string) error {
	_, err := j.db.Exec(
		`INSERT INTO transfer_history (op, path, peer_id, bytes, status, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op, path, nullable(peerID), bytes, status, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer record: %w", err)
	}
	return nil
}

// RecentTransfers returns the most recent transfers, newest first.
func (j *Journal) RecentTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := j.db.Query(
		`SELECT id, op, path, COALESCE(peer_id, ''), bytes, status, timestamp
		 FROM transfer_history ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfer history: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(&record.ID, &record.Op, &record.Path, &record.PeerID,
			&record.Bytes, &record.Status, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// RecordEvent inserts a security event and applies retention pruning.
func (j *Journal) RecordEvent(eventType, peerID, details, severity string) error {
	if severity == "" {
		severity = SeverityInfo
	}

	_, err := j.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, details, severity, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		eventType, nullable(peerID), details, severity, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", eventType, err)
	}

	if j.retention > 0 {
		cutoff := time.Now().Add(-j.retention).UnixMilli()
		if _, err := j.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// RecordAuthFailure satisfies the auth gate's Recorder interface.
func (j *Journal) RecordAuthFailure(scheme, remote, reason string) {
	_ = j.RecordEvent("auth_failure", "", fmt.Sprintf("scheme=%s remote=%s reason=%s", scheme, remote, reason), SeverityWarning)
}

// RecentEvents returns the most recent security events, newest first.
func (j *Journal) RecentEvents(limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := j.db.Query(
		`SELECT id, event_type, COALESCE(peer_id, ''), details, severity, timestamp
		 FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.PeerID,
			&event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
