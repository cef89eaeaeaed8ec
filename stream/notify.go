package stream

import (
	"sync"
	"time"

	"github.com/myrialabs/agentstream/internal/logger"
	"go.uber.org/zap"
)

// Notification is the exactly-once terminal broadcast for a stream. It
// fires whether or not anyone is subscribed, so cross-cutting concerns
// (presence, push) still learn about turns that ended after the client
// navigated away.
type Notification struct {
	StreamID  string
	ProcessID string
	ProjectID string
	SessionID string
	Status    Status
}

// NotifyFunc receives lifecycle notifications.
type NotifyFunc func(Notification)

// notifier deduplicates lifecycle notifications per stream id. Membership
// entries expire after a fixed window: long enough to absorb the
// completion/cancellation race both firing, short enough not to leak.
type notifier struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	sink   NotifyFunc
}

func newNotifier(window time.Duration, sink NotifyFunc) *notifier {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &notifier{
		seen:   make(map[string]time.Time),
		window: window,
		sink:   sink,
	}
}

// fire delivers the notification unless one already fired for the stream id
// within the window. Returns whether it was delivered.
func (n *notifier) fire(note Notification) bool {
	n.mu.Lock()
	now := time.Now()
	for id, expiry := range n.seen {
		if now.After(expiry) {
			delete(n.seen, id)
		}
	}
	if _, dup := n.seen[note.StreamID]; dup {
		n.mu.Unlock()
		return false
	}
	n.seen[note.StreamID] = now.Add(n.window)
	sink := n.sink
	n.mu.Unlock()

	logger.Debug("Stream lifecycle notification",
		zap.String("stream_id", note.StreamID),
		zap.String("session_id", note.SessionID),
		zap.String("status", string(note.Status)))

	if sink != nil {
		sink(note)
	}
	return true
}
