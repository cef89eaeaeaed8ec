// Package store persists conversation messages and per-session records.
// The orchestrator depends on the MessageStore interface only; the bundled
// implementation is sqlite-backed.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session record does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SenderInfo identifies the producer of a message.
type SenderInfo struct {
	Role string `json:"role"`
	// Name carries the engine identifier for assistant messages, empty for
	// user messages.
	Name string `json:"name,omitempty"`
}

// AppendRequest describes one message to persist.
type AppendRequest struct {
	SessionID string
	Text      string
	Reasoning bool
	Sender    SenderInfo
	Timestamp time.Time
	// ParentID links the message into the conversation. When empty the
	// session head is used and the head advances to the new message.
	ParentID string
	// Meta carries message decorations: usage/cost for assistant messages,
	// the resolved resume token for prompts.
	Meta map[string]interface{}
}

// Persisted is the outcome of an append.
type Persisted struct {
	ID       string
	ParentID string
}

// SessionRecord is the per-session state the orchestrator reads and writes.
type SessionRecord struct {
	ID          string
	HeadID      string
	ResumeToken string
	Engine      string
	Model       string
	Account     string
	UpdatedAt   time.Time
}

// MessageStore is the persistence collaborator. All methods take a context;
// implementations may block on IO.
type MessageStore interface {
	// Append persists a message and returns its assigned ids.
	Append(ctx context.Context, req AppendRequest) (*Persisted, error)
	// GetHead returns the session's head message id, empty when none.
	GetHead(ctx context.Context, sessionID string) (string, error)
	// SetHead moves the session's head pointer.
	SetHead(ctx context.Context, sessionID, messageID string) error
	// GetSession returns the session record or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// SetResumeToken records the session's last upstream resume token.
	SetResumeToken(ctx context.Context, sessionID, token string) error
	// UpdateSessionAgent records the engine/model/account chosen for the
	// session.
	UpdateSessionAgent(ctx context.Context, sessionID, engine, model, account string) error
}
