// Package auditstore is the decision-audit store (SPEC_FULL.md §C.1): a
// SQLite-backed history of every resolved PendingRequest, kept purely for
// postmortem/observability purposes — it is never consulted to make a
// routing decision. Grounded on the teacher's `internal/store/sqlite.go`:
// same WAL/busy-timeout open string, the same `initSchema` idiom, and the
// same `IsSQLiteConflictError`-gated exponential-backoff retry the teacher
// wraps around its SQLITE_BUSY-prone writes.
package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/afkd/internal/shared"
)

// Record is one resolved decision.
type Record struct {
	SessionID      string
	ShortToken     string
	ToolName       string
	Verdict        string // "approved" | "denied" | "continue" | "stop" | "local_followup" | "socket_closed" | "session_expired" | "timeout_retry" | "timeout_final"
	ResolutionPath string // "remote_reply" | "transcript" | "socket_closed" | "timeout" | "session_expired" | "retry_collapsed"
	ResolvedAt     time.Time
}

// Store is the decision-audit store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath, enabling WAL mode
// and a 5s busy-timeout exactly as the teacher's NewSQLite does.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("auditstore: create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("auditstore: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("auditstore: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		short_token TEXT NOT NULL,
		tool_name TEXT,
		verdict TEXT NOT NULL,
		resolution_path TEXT NOT NULL,
		resolved_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("auditstore: close database: %w", err)
	}
	return nil
}

// Record inserts one decision row, making up to 3 attempts (waiting 100ms,
// then 200ms) on SQLITE_BUSY/"database is locked" via the
// shared retry helper (itself grounded on the teacher's
// DeleteAgentSession retry loop).
func (s *Store) Record(ctx context.Context, rec Record) error {
	return shared.RetryOnBusy(ctx, 3, 100*time.Millisecond, func() error {
		return s.recordOnce(ctx, rec)
	})
}

func (s *Store) recordOnce(ctx context.Context, rec Record) error {
	query := `
	INSERT INTO decisions (session_id, short_token, tool_name, verdict, resolution_path, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.ShortToken, rec.ToolName, rec.Verdict, rec.ResolutionPath, rec.ResolvedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ForSession returns every recorded decision for sessionID, most recent
// first, for operator inspection (status/debugging tooling).
func (s *Store) ForSession(ctx context.Context, sessionID string) ([]Record, error) {
	query := `
	SELECT session_id, short_token, tool_name, verdict, resolution_path, resolved_at
	FROM decisions WHERE session_id = ? ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var toolName sql.NullString
		var resolvedAt int64
		if err := rows.Scan(&rec.SessionID, &rec.ShortToken, &toolName, &rec.Verdict, &rec.ResolutionPath, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		rec.ToolName = toolName.String
		rec.ResolvedAt = time.Unix(resolvedAt, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}
