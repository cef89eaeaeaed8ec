package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"
)

// SQLiteStore persists messages and session records into one sqlite file.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

var _ MessageStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the sqlite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  parent_id TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL,
  sender_name TEXT NOT NULL DEFAULT '',
  reasoning INTEGER NOT NULL DEFAULT 0,
  text TEXT NOT NULL,
  meta TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  head_id TEXT NOT NULL DEFAULT '',
  resume_token TEXT NOT NULL DEFAULT '',
  engine TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  account TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append persists the message, linking it under the session head when no
// explicit parent is given, and advances the head.
func (s *SQLiteStore) Append(ctx context.Context, req AppendRequest) (*Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := req.ParentID
	if parentID == "" {
		head, err := s.getHeadLocked(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		parentID = head
	}

	meta := ""
	if len(req.Meta) > 0 {
		raw, err := json.Marshal(req.Meta)
		if err != nil {
			return nil, fmt.Errorf("marshal meta: %w", err)
		}
		meta = string(raw)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	id := uuid.New().String()
	reasoning := 0
	if req.Reasoning {
		reasoning = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, parent_id, role, sender_name, reasoning, text, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.SessionID, parentID, req.Sender.Role, req.Sender.Name, reasoning, req.Text, meta, ts.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := s.setHeadLocked(ctx, req.SessionID, id, ts); err != nil {
		return nil, err
	}

	return &Persisted{ID: id, ParentID: parentID}, nil
}

// GetHead returns the head message id for a session.
func (s *SQLiteStore) GetHead(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHeadLocked(ctx, sessionID)
}

func (s *SQLiteStore) getHeadLocked(ctx context.Context, sessionID string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, `SELECT head_id FROM sessions WHERE id = ?`, sessionID).Scan(&head)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query head: %w", err)
	}
	return head, nil
}

// SetHead moves the session head pointer.
func (s *SQLiteStore) SetHead(ctx context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setHeadLocked(ctx, sessionID, messageID, time.Now())
}

func (s *SQLiteStore) setHeadLocked(ctx context.Context, sessionID, messageID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, head_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET head_id = excluded.head_id, updated_at = excluded.updated_at`,
		sessionID, messageID, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	return nil
}

// GetSession returns the session record.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &SessionRecord{ID: sessionID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT head_id, resume_token, engine, model, account, updated_at FROM sessions WHERE id = ?`,
		sessionID).Scan(&rec.HeadID, &rec.ResumeToken, &rec.Engine, &rec.Model, &rec.Account, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

// SetResumeToken records the last upstream resume token for a session.
func (s *SQLiteStore) SetResumeToken(ctx context.Context, sessionID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, resume_token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET resume_token = excluded.resume_token, updated_at = excluded.updated_at`,
		sessionID, token, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set resume token: %w", err)
	}
	return nil
}

// UpdateSessionAgent records the engine selection for a session.
func (s *SQLiteStore) UpdateSessionAgent(ctx context.Context, sessionID, engine, model, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, engine, model, account, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET engine = excluded.engine, model = excluded.model,
		   account = excluded.account, updated_at = excluded.updated_at`,
		sessionID, engine, model, account, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("update session agent: %w", err)
	}
	return nil
}
