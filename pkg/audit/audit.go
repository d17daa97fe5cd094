// Package audit implements the fabric's persistence sink: the Step-4
// durable write of a finalized LogicalTurn record. Idempotent on
// turn_id, per spec.md §6's audit.save_turn_record contract.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQL drivers: one per supported dialect.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/acme/acf/pkg/sessionkey"
	"github.com/acme/acf/pkg/turn"
)

// TurnRecord is the audit sink's wire shape for a completed or
// superseded turn (spec.md §6's audit.save_turn_record payload).
type TurnRecord struct {
	TurnID       string
	TurnGroupID  string
	SessionKey   sessionkey.Key
	Messages     []string
	SideEffects  []turn.SideEffect
	Status       turn.Status
	Response     []string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Sink is the persistence-layer contract Step 4 depends on.
type Sink interface {
	SaveTurnRecord(ctx context.Context, rec TurnRecord) error
	LoadTurnRecord(ctx context.Context, turnID string) (*TurnRecord, error)
	Close() error
}

const createTurnsSchemaSQL = `
CREATE TABLE IF NOT EXISTS fabric_turns (
    turn_id VARCHAR(64) PRIMARY KEY,
    turn_group_id VARCHAR(64) NOT NULL,
    session_key VARCHAR(512) NOT NULL,
    status VARCHAR(32) NOT NULL,
    messages_json TEXT NOT NULL,
    side_effects_json TEXT NOT NULL,
    response_json TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL
)`

const createTurnsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_fabric_turns_session ON fabric_turns(session_key)`

// SQLSink is a SQL-backed Sink supporting the postgres, mysql, and
// sqlite dialects -- the same three the teacher's session store
// carries, kept here for the same reason: a single-node deployment
// defaults to sqlite, a clustered one to postgres or mysql.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// NewSQLSink wraps an already-open *sql.DB. dialect is one of
// "postgres", "mysql", "sqlite"/"sqlite3".
func NewSQLSink(db *sql.DB, dialect string) (*SQLSink, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database connection is required")
	}
	switch dialect {
	case "postgres", "mysql":
	case "sqlite", "sqlite3":
		dialect = "sqlite"
	default:
		return nil, fmt.Errorf("audit: unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLSink{db: db, dialect: dialect}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createTurnsSchemaSQL, createTurnsIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) upsertQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO fabric_turns
			(turn_id, turn_group_id, session_key, status, messages_json, side_effects_json, response_json, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (turn_id) DO UPDATE SET
				status = $4, messages_json = $5, side_effects_json = $6, response_json = $7, completed_at = $9`
	case "mysql":
		return `INSERT INTO fabric_turns
			(turn_id, turn_group_id, session_key, status, messages_json, side_effects_json, response_json, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status), messages_json = VALUES(messages_json),
				side_effects_json = VALUES(side_effects_json), response_json = VALUES(response_json),
				completed_at = VALUES(completed_at)`
	default: // sqlite
		return `INSERT INTO fabric_turns
			(turn_id, turn_group_id, session_key, status, messages_json, side_effects_json, response_json, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (turn_id) DO UPDATE SET
				status = excluded.status, messages_json = excluded.messages_json,
				side_effects_json = excluded.side_effects_json, response_json = excluded.response_json,
				completed_at = excluded.completed_at`
	}
}

// SaveTurnRecord persists rec, idempotent on TurnID (L1): a replayed
// Step 4 after a crash produces the same stored row, not a duplicate.
func (s *SQLSink) SaveTurnRecord(ctx context.Context, rec TurnRecord) error {
	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("audit: marshal messages: %w", err)
	}
	sideEffectsJSON, err := json.Marshal(rec.SideEffects)
	if err != nil {
		return fmt.Errorf("audit: marshal side effects: %w", err)
	}
	responseJSON, err := json.Marshal(rec.Response)
	if err != nil {
		return fmt.Errorf("audit: marshal response: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.upsertQuery(),
		rec.TurnID, rec.TurnGroupID, rec.SessionKey.String(), string(rec.Status),
		string(messagesJSON), string(sideEffectsJSON), string(responseJSON),
		rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: save turn record %s: %w", rec.TurnID, err)
	}
	return nil
}

func (s *SQLSink) selectQuery() string {
	if s.dialect == "postgres" {
		return `SELECT turn_id, turn_group_id, session_key, status, messages_json, side_effects_json, response_json, started_at, completed_at
			FROM fabric_turns WHERE turn_id = $1`
	}
	return `SELECT turn_id, turn_group_id, session_key, status, messages_json, side_effects_json, response_json, started_at, completed_at
		FROM fabric_turns WHERE turn_id = ?`
}

// LoadTurnRecord retrieves a previously saved record by turn id, or
// (nil, sql.ErrNoRows) if none exists -- used by the workflow engine to
// resume a step replay after a process crash.
func (s *SQLSink) LoadTurnRecord(ctx context.Context, turnID string) (*TurnRecord, error) {
	var rec TurnRecord
	var sessionKey, status, messagesJSON, sideEffectsJSON, responseJSON string

	row := s.db.QueryRowContext(ctx, s.selectQuery(), turnID)
	if err := row.Scan(&rec.TurnID, &rec.TurnGroupID, &sessionKey, &status, &messagesJSON, &sideEffectsJSON, &responseJSON, &rec.StartedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}

	rec.SessionKey = sessionkey.Key(sessionKey)
	rec.Status = turn.Status(status)
	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return nil, fmt.Errorf("audit: unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(sideEffectsJSON), &rec.SideEffects); err != nil {
		return nil, fmt.Errorf("audit: unmarshal side effects: %w", err)
	}
	if err := json.Unmarshal([]byte(responseJSON), &rec.Response); err != nil {
		return nil, fmt.Errorf("audit: unmarshal response: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database connection.
func (s *SQLSink) Close() error { return s.db.Close() }
