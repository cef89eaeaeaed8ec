package stream

import (
	"context"
	"testing"
	"time"

	"github.com/myrialabs/agentstream/events"
)

func TestStatusTerminal(t *testing.T) {
	if StatusActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, st := range []Status{StatusCompleted, StatusError, StatusCancelled} {
		if !st.Terminal() {
			t.Errorf("%s must be terminal", st)
		}
	}
}

func TestCancelTokenSignal(t *testing.T) {
	tok := NewCancelToken()
	if tok.IsCancelled() {
		t.Fatal("fresh token must not be cancelled")
	}

	tok.Signal()
	tok.Signal() // idempotent

	if !tok.IsCancelled() {
		t.Fatal("signalled token must report cancelled")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done channel must be closed after Signal")
	}
}

func TestCancelTokenContext(t *testing.T) {
	tok := NewCancelToken()
	ctx, stop := tok.Context(context.Background())
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("context must not be done before Signal")
	default:
	}

	tok.Signal()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context must end after Signal")
	}
}

func TestStreamTransitionOnce(t *testing.T) {
	s := &Stream{id: "s1", status: StatusActive, channel: events.NewChannel()}

	if !s.transition(StatusCompleted) {
		t.Fatal("first transition must succeed")
	}
	if s.transition(StatusError) {
		t.Fatal("second transition must fail")
	}
	if got := s.Status(); got != StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if s.Snapshot().CompletedAt.IsZero() {
		t.Error("transition must stamp completion time")
	}
}

func TestStreamEmitSequence(t *testing.T) {
	s := &Stream{id: "s1", status: StatusActive, channel: events.NewChannel()}

	for i := int64(1); i <= 3; i++ {
		ev, ok := s.emit(events.TypePartial, nil)
		if !ok {
			t.Fatalf("emit %d refused", i)
		}
		if ev.Seq != i {
			t.Fatalf("seq = %d, want %d", ev.Seq, i)
		}
	}
	if got := len(s.Events()); got != 3 {
		t.Fatalf("event log length = %d, want 3", got)
	}
}

func TestStreamEmitSealedByTerminalEvent(t *testing.T) {
	s := &Stream{id: "s1", status: StatusActive, channel: events.NewChannel()}

	s.emit(events.TypePartial, nil)
	s.transition(StatusError)

	// The terminal path that won the transition still announces itself.
	if _, ok := s.emit(events.TypeMessage, events.MessageData{Role: "assistant", Text: "boom"}); !ok {
		t.Fatal("the winning terminal path must still emit its message")
	}
	ev, ok := s.emit(events.TypeError, events.ErrorData{Message: "boom"})
	if !ok {
		t.Fatal("terminal emit must pass")
	}
	if ev.Seq != 3 {
		t.Fatalf("seq = %d, want 3", ev.Seq)
	}

	// The terminal event seals the stream: nothing appears after it.
	if _, ok := s.emit(events.TypePartial, nil); ok {
		t.Fatal("emit after the terminal event must be refused")
	}
	if _, ok := s.emit(events.TypeComplete, nil); ok {
		t.Fatal("a second terminal event must be refused")
	}
	if got := len(s.Events()); got != 3 {
		t.Fatalf("event log length = %d, want 3", got)
	}
}

func TestSetResumeFirstWins(t *testing.T) {
	s := &Stream{id: "s1", status: StatusActive, channel: events.NewChannel()}

	if s.setResume("") {
		t.Error("empty token must not be captured")
	}
	if !s.setResume("tok-1") {
		t.Error("first token must be captured")
	}
	if s.setResume("tok-2") {
		t.Error("second token must be ignored")
	}
	if got := s.Snapshot().ResumeToken; got != "tok-1" {
		t.Fatalf("resume token = %q, want tok-1", got)
	}
}

func TestNotifierDedup(t *testing.T) {
	var got []Notification
	n := newNotifier(time.Minute, func(note Notification) { got = append(got, note) })

	note := Notification{StreamID: "s1", Status: StatusCompleted}
	if !n.fire(note) {
		t.Fatal("first fire must deliver")
	}
	if n.fire(Notification{StreamID: "s1", Status: StatusCancelled}) {
		t.Fatal("second fire for same stream must be suppressed")
	}
	if n.fire(Notification{StreamID: "s2", Status: StatusCompleted}) == false {
		t.Fatal("different stream must deliver")
	}
	if len(got) != 2 {
		t.Fatalf("delivered = %d, want 2", len(got))
	}
}

func TestNotifierWindowExpiry(t *testing.T) {
	n := newNotifier(10*time.Millisecond, nil)

	note := Notification{StreamID: "s1", Status: StatusCompleted}
	if !n.fire(note) {
		t.Fatal("first fire must deliver")
	}
	time.Sleep(30 * time.Millisecond)
	if !n.fire(note) {
		t.Fatal("fire after window expiry must deliver again")
	}
}
