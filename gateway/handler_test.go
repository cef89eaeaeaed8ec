package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/myrialabs/agentstream/engine"
	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/store"
	"github.com/myrialabs/agentstream/stream"
)

type memStore struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*store.SessionRecord
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*store.SessionRecord)}
}

func (m *memStore) Append(ctx context.Context, req store.AppendRequest) (*store.Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return &store.Persisted{ID: fmt.Sprintf("m%d", m.nextID)}, nil
}

func (m *memStore) GetHead(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

func (m *memStore) SetHead(ctx context.Context, sessionID, messageID string) error {
	return nil
}

func (m *memStore) GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) SetResumeToken(ctx context.Context, sessionID, token string) error {
	return nil
}

func (m *memStore) UpdateSessionAgent(ctx context.Context, sessionID, eng, model, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &store.SessionRecord{ID: sessionID, Engine: eng, Model: model}
	return nil
}

// idleTurn blocks until the context ends.
type idleTurn struct{}

func (idleTurn) Next(ctx context.Context) (*engine.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type idleEngine struct{}

func (idleEngine) Start(ctx context.Context, req engine.TurnRequest) (engine.Turn, error) {
	return idleTurn{}, nil
}

func (idleEngine) Interrupt(projectPath string) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []events.Event
}

func (n *recordingNotifier) Notify(connID string, method string, params interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ev, ok := params.(events.Event); ok {
		n.notes = append(n.notes, ev)
	}
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *recordingNotifier, string) {
	t.Helper()
	reg := stream.NewRegistry(stream.Options{
		Channel:    events.NewChannel(),
		Store:      newMemStore(),
		Engine:     idleEngine{},
		EngineName: "claude",
		GCDelay:    time.Hour,
	})
	h := NewHandler(reg)
	n := &recordingNotifier{}
	h.SetNotifier(n)
	return h, n, t.TempDir()
}

func request(method string, params map[string]interface{}) *Request {
	return &Request{JSONRPC: "2.0", ID: "1", Method: method, Params: params}
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.HandleRequest("c1", request("no.such.method", nil))
	if resp.Error == nil || resp.Error.Code != ErrorMethodNotFound {
		t.Fatalf("response = %+v, want method not found", resp)
	}
}

func TestHandleRequestNil(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.HandleRequest("c1", nil)
	if resp.Error == nil || resp.Error.Code != ErrorInvalidRequest {
		t.Fatalf("response = %+v, want invalid request", resp)
	}
}

func TestStreamStartRequiresParams(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.HandleRequest("c1", request("stream.start", map[string]interface{}{
		"prompt": "hi",
	}))
	if resp.Error == nil || resp.Error.Code != ErrorInvalidParams {
		t.Fatalf("response = %+v, want invalid params for missing sessionId", resp)
	}
}

func TestStreamStartCancelRoundTrip(t *testing.T) {
	h, _, dir := newTestHandler(t)

	resp := h.HandleRequest("c1", request("stream.start", map[string]interface{}{
		"sessionId":   "sess-1",
		"projectId":   "p1",
		"projectPath": dir,
		"prompt":      "hello",
	}))
	if resp.Error != nil {
		t.Fatalf("start error: %+v", resp.Error)
	}
	id := resp.Result.(map[string]interface{})["streamId"].(string)
	if id == "" {
		t.Fatal("start must return a stream id")
	}

	get := h.HandleRequest("c1", request("stream.get", map[string]interface{}{"streamId": id}))
	if get.Error != nil {
		t.Fatalf("get error: %+v", get.Error)
	}
	snap := get.Result.(stream.Snapshot)
	if snap.Status != stream.StatusActive {
		t.Fatalf("status = %s, want active", snap.Status)
	}

	cancel := h.HandleRequest("c1", request("stream.cancel", map[string]interface{}{"streamId": id}))
	if cancel.Error != nil {
		t.Fatalf("cancel error: %+v", cancel.Error)
	}
	if cancel.Result.(map[string]interface{})["cancelled"] != true {
		t.Fatal("cancel must report true for an active stream")
	}

	again := h.HandleRequest("c1", request("stream.cancel", map[string]interface{}{"streamId": id}))
	if again.Result.(map[string]interface{})["cancelled"] != false {
		t.Fatal("second cancel must report false")
	}
}

func TestStreamGetUnknown(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.HandleRequest("c1", request("stream.get", map[string]interface{}{"streamId": "nope"}))
	if resp.Error == nil || resp.Error.Code != ErrorInvalidParams {
		t.Fatalf("response = %+v, want invalid params", resp)
	}
}

func TestSubscribeRelaysEvents(t *testing.T) {
	h, n, dir := newTestHandler(t)

	resp := h.HandleRequest("c1", request("stream.start", map[string]interface{}{
		"sessionId":   "sess-1",
		"projectPath": dir,
		"prompt":      "hello",
	}))
	id := resp.Result.(map[string]interface{})["streamId"].(string)

	sub := h.HandleRequest("c1", request("stream.subscribe", map[string]interface{}{"streamId": id}))
	if sub.Error != nil {
		t.Fatalf("subscribe error: %+v", sub.Error)
	}
	catchup := sub.Result.(map[string]interface{})["events"].([]events.Event)
	if len(catchup) == 0 || catchup[0].Type != events.TypeConnection {
		t.Fatalf("catchup = %v, want the connection event", catchup)
	}

	h.HandleRequest("c1", request("stream.cancel", map[string]interface{}{"streamId": id}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		var done bool
		for _, ev := range n.notes {
			if ev.Type == events.TypeCancelled {
				done = true
			}
		}
		n.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never received the cancelled event")
}

func TestDropConnectionReleasesSubscriptions(t *testing.T) {
	h, n, dir := newTestHandler(t)

	resp := h.HandleRequest("c1", request("stream.start", map[string]interface{}{
		"sessionId":   "sess-1",
		"projectPath": dir,
		"prompt":      "hello",
	}))
	id := resp.Result.(map[string]interface{})["streamId"].(string)

	h.HandleRequest("c1", request("stream.subscribe", map[string]interface{}{"streamId": id}))
	h.DropConnection("c1")

	h.HandleRequest("c2", request("stream.cancel", map[string]interface{}{"streamId": id}))

	time.Sleep(20 * time.Millisecond)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.notes {
		if ev.Type == events.TypeCancelled {
			t.Fatal("dropped connection must not receive events")
		}
	}
}

func TestStreamListFilters(t *testing.T) {
	h, _, dir := newTestHandler(t)

	for i := 0; i < 2; i++ {
		resp := h.HandleRequest("c1", request("stream.start", map[string]interface{}{
			"sessionId":   fmt.Sprintf("sess-%d", i),
			"projectId":   "p1",
			"projectPath": dir,
			"prompt":      "hello",
		}))
		if resp.Error != nil {
			t.Fatalf("start error: %+v", resp.Error)
		}
	}

	list := h.HandleRequest("c1", request("stream.list", map[string]interface{}{"projectId": "p1"}))
	streams := list.Result.(map[string]interface{})["streams"].([]stream.Snapshot)
	if len(streams) != 2 {
		t.Fatalf("list = %d, want 2", len(streams))
	}

	active := h.HandleRequest("c1", request("stream.list", map[string]interface{}{"active": true}))
	if got := len(active.Result.(map[string]interface{})["streams"].([]stream.Snapshot)); got != 2 {
		t.Fatalf("active list = %d, want 2", got)
	}
}
