package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"VentureChat/internal/session"
)

// ErrUnknownSession is returned for session ids the store has never issued
var ErrUnknownSession = errors.New("unknown session")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	text TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS agent_status (
	session_id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	status TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);`

// Store persists sessions, their transcripts and the latest agent status
// in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and applies the schema
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records a new session and its initial agent status
func (s *Store) CreateSession(ctx context.Context, id string, status session.AgentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (id, created_at) VALUES (?, ?)",
		id, session.Now(),
	); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO agent_status (session_id, agent, status) VALUES (?, ?, ?)",
		id, status.Agent, string(status.Status),
	); err != nil {
		return fmt.Errorf("failed to save agent status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SessionExists reports whether id was issued by CreateSession
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sessions WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return n > 0, nil
}

// AppendMessages adds msgs to the session transcript in order
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs ...session.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (id, session_id, sender, text, timestamp) VALUES (?, ?, ?, ?, ?)",
			m.ID, sessionID, string(m.Sender), m.Text, m.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// History returns the session transcript oldest first
func (s *Store) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, sender, text, timestamp FROM messages WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := []session.Message{}
	for rows.Next() {
		var m session.Message
		var sender string
		if err := rows.Scan(&m.ID, &sender, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = session.Sender(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}

// SetStatus replaces the session's agent status
func (s *Store) SetStatus(ctx context.Context, sessionID string, status session.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO agent_status (session_id, agent, status) VALUES (?, ?, ?)",
		sessionID, status.Agent, string(status.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to save agent status: %w", err)
	}
	return nil
}

// Status returns the session's latest agent status
func (s *Store) Status(ctx context.Context, sessionID string) (session.AgentStatus, error) {
	var agent, status string
	err := s.db.QueryRowContext(ctx,
		"SELECT agent, status FROM agent_status WHERE session_id = ?", sessionID,
	).Scan(&agent, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return session.AgentStatus{}, ErrUnknownSession
	}
	if err != nil {
		return session.AgentStatus{}, fmt.Errorf("failed to query agent status: %w", err)
	}
	return session.AgentStatus{Agent: agent, Status: session.Status(status)}, nil
}
