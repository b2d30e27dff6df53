package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"ibkrmcp/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ CallJournal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tool        TEXT    NOT NULL,
	arguments   TEXT    NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	kind        TEXT    NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_us INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_started ON tool_calls(started_at);
`

// SQLiteStore implements CallJournal backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer avoids SQLITE_BUSY and keeps :memory: databases on a single
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CallJournal implementation
// ---------------------------------------------------------------------------

// RecordCall inserts one invocation into the journal.
func (s *SQLiteStore) RecordCall(ctx context.Context, call domain.ToolCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (tool, arguments, success, error, kind, started_at, duration_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.Tool,
		string(call.Arguments),
		call.Success,
		call.Error,
		string(call.Kind),
		call.Started.UnixMicro(),
		call.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording call to %s: %w", call.Tool, err)
	}
	return nil
}

// RecentCalls returns up to limit invocations, newest first.
func (s *SQLiteStore) RecentCalls(ctx context.Context, limit int) ([]domain.ToolCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, arguments, success, error, kind, started_at, duration_us
		 FROM tool_calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var (
			c         domain.ToolCall
			args      string
			kind      string
			started   int64
			durationU int64
		)
		if err := rows.Scan(&c.Tool, &args, &c.Success, &c.Error, &kind, &started, &durationU); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		if args != "" {
			c.Arguments = []byte(args)
		}
		c.Kind = domain.ErrorKind(kind)
		c.Started = time.UnixMicro(started)
		c.Duration = time.Duration(durationU) * time.Microsecond
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ObserveToolCall journals every call made through the tool registry.
// Failures are logged, never surfaced to the caller.
func (s *SQLiteStore) ObserveToolCall(ctx context.Context, call domain.ToolCall) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.RecordCall(ctx, call); err != nil {
		slog.Warn("journaling tool call", "tool", call.Tool, "error", err)
	}
}
