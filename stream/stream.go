// Package stream is the turn orchestrator: it owns a stream's lifecycle from
// start to terminal state, normalizes upstream engine messages into the
// canonical event stream, coordinates cancellation races and guarantees
// exactly-once terminal side effects.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/myrialabs/agentstream/events"
)

// Status is a stream's lifecycle state. Transitions are monotonic: active
// moves to exactly one terminal state and never back.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// CancelToken is a level-triggered cooperative cancellation signal. The
// processing loop checks it at every suspension point; signalling never
// force-kills anything.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unsignalled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Signal fires the token. Safe to call more than once.
func (t *CancelToken) Signal() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether the token has fired.
func (t *CancelToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the token as a channel for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Context derives a context that is cancelled when the token fires.
func (t *CancelToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Stream is one turn's state. Fields are guarded by mu; writers are the
// stream's own processing loop and the cancellation coordinator, which
// flips status first so the loop can detect it at its next check point.
type Stream struct {
	mu sync.Mutex
	// pubMu serializes emitters through publish. It is never held while
	// waiting on mu or the registry lock, so subscriber handlers are free
	// to read the stream or the registry during delivery.
	pubMu sync.Mutex

	id          string
	processID   string
	projectID   string
	projectPath string
	sessionID   string
	engine      string
	model       string

	status      Status
	startedAt   time.Time
	completedAt time.Time
	lastError   string

	seq        int64
	eventLog   []events.Event
	sealed     bool
	answerBuf  strings.Builder
	reasonBuf  strings.Builder
	resume     string
	hasCompact bool

	promptMessageID  string
	currentMessageID string
	lastAnswerText   string

	cancel  *CancelToken
	channel *events.Channel
}

// Snapshot is a read-only copy of a stream's externally visible state.
type Snapshot struct {
	ID          string    `json:"streamId"`
	ProcessID   string    `json:"processId"`
	ProjectID   string    `json:"projectId,omitempty"`
	SessionID   string    `json:"sessionId"`
	Engine      string    `json:"engine"`
	Model       string    `json:"model,omitempty"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	ResumeToken string    `json:"resumeToken,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Seq         int64     `json:"seq"`
	HasCompact  bool      `json:"hasCompactBoundary,omitempty"`
}

// Snapshot returns a copy of the stream's current state.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.id,
		ProcessID:   s.processID,
		ProjectID:   s.projectID,
		SessionID:   s.sessionID,
		Engine:      s.engine,
		Model:       s.model,
		Status:      s.status,
		StartedAt:   s.startedAt,
		CompletedAt: s.completedAt,
		ResumeToken: s.resume,
		LastError:   s.lastError,
		Seq:         s.seq,
		HasCompact:  s.hasCompact,
	}
}

// Events returns a copy of the buffered event list. This is the catch-up
// path for late subscribers; the live channel never replays.
func (s *Stream) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.eventLog))
	copy(out, s.eventLog)
	return out
}

// Status returns the current lifecycle state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transition moves the stream to a terminal status. It returns false when
// the stream is already terminal, which is how the loop's error path
// detects that cancellation won the race.
func (s *Stream) transition(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = to
	s.completedAt = time.Now()
	return true
}

// emit assigns the next sequence number, buffers the event and publishes
// it. The terminal event seals the stream: anything still in flight after
// it is dropped, so the terminal event is always the last one a subscriber
// sees. Sequencing happens under mu; the publish happens after mu is
// released, still inside pubMu, so concurrent emitters deliver in seq
// order while handlers can read the stream and the registry freely.
func (s *Stream) emit(typ events.Type, data interface{}) (events.Event, bool) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return events.Event{}, false
	}
	if typ.Terminal() {
		s.sealed = true
	}

	s.seq++
	event := events.Event{
		Type:      typ,
		StreamID:  s.id,
		ProcessID: s.processID,
		Data:      data,
		Timestamp: time.Now(),
		Seq:       s.seq,
	}
	s.eventLog = append(s.eventLog, event)
	s.mu.Unlock()

	s.channel.Publish(event)
	return event, true
}

// answerText returns the visible answer accumulated so far.
func (s *Stream) answerText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answerBuf.String()
}

// setResume records the upstream resume token the first time it is seen and
// reports whether it was newly captured.
func (s *Stream) setResume(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || s.resume != "" {
		return false
	}
	s.resume = token
	return true
}
