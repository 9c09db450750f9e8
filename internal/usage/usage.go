// Package usage records per-turn token consumption in a local SQLite
// ledger, queryable by session and day.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	session_key TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	profile_id TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	aborted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, at);
CREATE INDEX IF NOT EXISTS idx_turns_at ON turns(at);
`

// Turn is one recorded agent turn.
type Turn struct {
	At           int64
	SessionKey   string
	AgentID      string
	Provider     string
	Model        string
	ProfileID    string
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
	Aborted      bool
}

// Ledger is the SQLite-backed usage store.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens <agentDir>/usage.db.
func Open(agentDir string) (*Ledger, error) {
	path := filepath.Join(agentDir, "usage.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one turn.
func (l *Ledger) Record(ctx context.Context, t Turn) error {
	if t.At == 0 {
		t.At = time.Now().UnixMilli()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (at, session_key, agent_id, provider, model, profile_id,
			input_tokens, output_tokens, duration_ms, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.At, t.SessionKey, t.AgentID, t.Provider, t.Model, t.ProfileID,
		t.InputTokens, t.OutputTokens, t.DurationMs, boolInt(t.Aborted))
	return err
}

// Totals is an aggregate over a queried window.
type Totals struct {
	Turns        int64 `json:"turns"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// SessionTotals aggregates a session's usage since a cutoff (0 = all time).
func (l *Ledger) SessionTotals(ctx context.Context, sessionKey string, since int64) (Totals, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM turns WHERE session_key = ? AND at >= ?`, sessionKey, since)
	var t Totals
	err := row.Scan(&t.Turns, &t.InputTokens, &t.OutputTokens)
	return t, err
}

// DailyTotals aggregates all turns for the UTC day containing at.
func (l *Ledger) DailyTotals(ctx context.Context, at time.Time) (Totals, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	start, end := day.UnixMilli(), day.Add(24*time.Hour).UnixMilli()
	row := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM turns WHERE at >= ? AND at < ?`, start, end)
	var t Totals
	err := row.Scan(&t.Turns, &t.InputTokens, &t.OutputTokens)
	return t, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
