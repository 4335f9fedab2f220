// Package transcript persists conversation history, including background
// task announcements, in SQLite.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Kind classifies a transcript entry.
type Kind string

const (
	KindUser         Kind = "user"
	KindAssistant    Kind = "assistant"
	KindAnnouncement Kind = "announcement"
	KindSystem       Kind = "system"
)

// Session is one conversation.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is one persisted transcript entry.
type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// Store is a SQLite-backed transcript log.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("transcript path required")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// modernc sqlite is a single-writer engine; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=3000`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	// Future migrations branch on version here.
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version=%d`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// EnsureSession creates the session if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, id string, title string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("session id required")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, strings.TrimSpace(title), now, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// GetSession returns the named session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`,
		strings.TrimSpace(id)).Scan(&out.ID, &out.Title, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(id))
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

// ListSessions returns sessions newest-first. A limit of zero means
// everything.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := `SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendMessage logs one entry and bumps the session's updated_at in the
// same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (int64, error) {
	sessionID := strings.TrimSpace(msg.SessionID)
	if sessionID == "" {
		return 0, errors.New("session id required")
	}
	if msg.Kind == "" {
		return 0, errors.New("message kind required")
	}
	now := msg.CreatedAt
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, kind, task_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(msg.Kind), strings.TrimSpace(msg.TaskID), msg.Text, now)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListMessages returns a session's entries in insertion order. A limit of
// zero means everything.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := `SELECT id, session_id, kind, task_id, text, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`
	args := []any{strings.TrimSpace(sessionID)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Kind, &m.TaskID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
