// ABOUTME: SQLite decision ledger using modernc.org/sqlite
// ABOUTME: Persists turn outcomes and approval decisions with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/bridge"
)

// Ledger is the append-only audit store for turn outcomes and approval
// decisions. It implements bridge.TurnRecorder and approval.Recorder.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger opens (or creates) the ledger database at path. The schema is
// created automatically, and parent directories are created if needed.
func NewLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger initialized", "path", path)
	return l, nil
}

// createSchema creates the ledger tables if they don't exist.
func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			frontend TEXT NOT NULL,
			author TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(conversation_id, finished_at);

		CREATE INDEX IF NOT EXISTS idx_turns_finished
			ON turns(finished_at);

		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			token TEXT NOT NULL,
			description TEXT NOT NULL,
			outcome TEXT NOT NULL,
			requested_at TEXT NOT NULL,
			decided_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_conversation
			ON approvals(conversation_id, decided_at);

		CREATE INDEX IF NOT EXISTS idx_approvals_decided
			ON approvals(decided_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// TurnRecord is one persisted turn outcome.
type TurnRecord struct {
	ID             string
	ConversationID string
	Frontend       string
	Author         string
	Outcome        string
	Detail         string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// DecisionRecord is one persisted approval decision.
type DecisionRecord struct {
	ID             string
	ConversationID string
	Token          string
	Description    string
	Outcome        string
	RequestedAt    time.Time
	DecidedAt      time.Time
}

// RecordTurn persists one completed turn.
func (l *Ledger) RecordTurn(ctx context.Context, t bridge.Turn) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, frontend, author, outcome, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		string(t.ConversationID),
		t.Frontend,
		t.Author,
		string(t.Outcome),
		t.Detail,
		t.StartedAt.UTC().Format(time.RFC3339Nano),
		t.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	l.logger.Debug("recorded turn", "conversation", t.ConversationID, "outcome", t.Outcome)
	return nil
}

// RecordDecision persists one settled approval decision.
func (l *Ledger) RecordDecision(ctx context.Context, d approval.Decision) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO approvals (id, conversation_id, token, description, outcome, requested_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		d.ConversationID,
		string(d.Token),
		d.Description,
		string(d.Outcome),
		d.RequestedAt.UTC().Format(time.RFC3339Nano),
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting approval decision: %w", err)
	}
	l.logger.Debug("recorded approval decision", "conversation", d.ConversationID, "outcome", d.Outcome)
	return nil
}

// normalizeLimit applies default (50) and cap (500) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// RecentTurns returns the most recent turn records, newest first.
func (l *Ledger) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, frontend, author, outcome, detail, started_at, finished_at
		FROM turns
		ORDER BY finished_at DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []TurnRecord{}
	for rows.Next() {
		var r TurnRecord
		var detail sql.NullString
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Frontend, &r.Author,
			&r.Outcome, &detail, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		r.Detail = detail.String
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return records, nil
}

// RecentDecisions returns the most recent approval decisions, newest first.
func (l *Ledger) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, token, description, outcome, requested_at, decided_at
		FROM approvals
		ORDER BY decided_at DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []DecisionRecord{}
	for rows.Next() {
		var r DecisionRecord
		var requestedAt, decidedAt string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Token, &r.Description,
			&r.Outcome, &requestedAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		if r.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAt); err != nil {
			return nil, fmt.Errorf("parsing requested_at: %w", err)
		}
		if r.DecidedAt, err = time.Parse(time.RFC3339Nano, decidedAt); err != nil {
			return nil, fmt.Errorf("parsing decided_at: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approvals: %w", err)
	}
	return records, nil
}

// Totals reports the row counts of both tables, for the status endpoint.
func (l *Ledger) Totals(ctx context.Context) (turns, decisions int64, err error) {
	if err = l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns").Scan(&turns); err != nil {
		return 0, 0, fmt.Errorf("counting turns: %w", err)
	}
	if err = l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM approvals").Scan(&decisions); err != nil {
		return 0, 0, fmt.Errorf("counting approvals: %w", err)
	}
	return turns, decisions, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
