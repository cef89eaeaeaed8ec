package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/myrialabs/agentstream/engine"
	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/internal/logger"
	"github.com/myrialabs/agentstream/store"
	"go.uber.org/zap"
)

// StartRequest describes one turn to run.
type StartRequest struct {
	ProjectID   string
	ProjectPath string
	SessionID   string
	Prompt      string
	Model       string
	Account     string
	Sampling    map[string]interface{}
}

// Options wires the registry's collaborators. Channel, Store and Engine are
// required; the rest are optional and best-effort.
type Options struct {
	Channel *events.Channel
	Store   store.MessageStore
	Engine  engine.Source
	// EngineName identifies the engine backend in session records and
	// sender info.
	EngineName string

	ExecContext ExecContext
	Snapshots   Snapshotter
	Lock        AutomationLock
	Lifecycle   NotifyFunc

	// GCDelay is how long after start the deferred registry check runs.
	GCDelay time.Duration
	// NotifyWindow is the lifecycle dedup expiry.
	NotifyWindow time.Duration
}

// Registry is the in-memory stream directory. It enforces at most one
// active stream per (project, session) key and owns start, cancellation
// and garbage collection.
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	bySession map[string]string

	channel    *events.Channel
	store      store.MessageStore
	engine     engine.Source
	engineName string

	execCtx   ExecContext
	snapshots Snapshotter
	lock      AutomationLock
	notifier  *notifier

	gcDelay time.Duration
}

// NewRegistry creates a registry from options.
func NewRegistry(opts Options) *Registry {
	gcDelay := opts.GCDelay
	if gcDelay <= 0 {
		gcDelay = 5 * time.Minute
	}
	engineName := opts.EngineName
	if engineName == "" {
		engineName = "engine"
	}
	return &Registry{
		streams:    make(map[string]*Stream),
		bySession:  make(map[string]string),
		channel:    opts.Channel,
		store:      opts.Store,
		engine:     opts.Engine,
		engineName: engineName,
		execCtx:    opts.ExecContext,
		snapshots:  opts.Snapshots,
		lock:       opts.Lock,
		notifier:   newNotifier(opts.NotifyWindow, opts.Lifecycle),
		gcDelay:    gcDelay,
	}
}

// compositeKey identifies at most one active stream per conversation.
func compositeKey(projectID, sessionID string) string {
	if projectID == "" {
		return sessionID
	}
	return projectID + "/" + sessionID
}

// Start begins a turn and returns its stream id without waiting for the
// turn to finish. A duplicate start for an active (project, session) pair
// joins the running stream and returns its id unchanged. A start for a
// session that is active under a different project is rejected: one
// conversation never runs two concurrent turns.
func (r *Registry) Start(req StartRequest) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	key := compositeKey(req.ProjectID, req.SessionID)

	r.mu.Lock()
	if id, ok := r.bySession[key]; ok {
		if existing, ok := r.streams[id]; ok && existing.Status() == StatusActive {
			if existing.projectID == req.ProjectID {
				r.mu.Unlock()
				logger.Info("Joining active stream",
					zap.String("stream_id", id),
					zap.String("session_id", req.SessionID))
				return id, nil
			}
		}
	}
	for _, existing := range r.streams {
		if existing.sessionID == req.SessionID &&
			existing.projectID != req.ProjectID &&
			existing.Status() == StatusActive {
			r.mu.Unlock()
			return "", fmt.Errorf("session %s already has an active stream under another project", req.SessionID)
		}
	}

	s := &Stream{
		id:          uuid.New().String(),
		processID:   uuid.New().String(),
		projectID:   req.ProjectID,
		projectPath: req.ProjectPath,
		sessionID:   req.SessionID,
		engine:      r.engineName,
		model:       req.Model,
		status:      StatusActive,
		startedAt:   time.Now(),
		cancel:      NewCancelToken(),
		channel:     r.channel,
	}
	r.streams[s.id] = s
	r.bySession[key] = s.id
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.store.UpdateSessionAgent(ctx, req.SessionID, r.engineName, req.Model, req.Account); err != nil {
		logger.Warn("Failed to record session agent",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	}
	if r.execCtx != nil {
		if err := r.execCtx.Register(s.id, req.ProjectID, req.SessionID); err != nil {
			logger.Warn("Failed to register execution context",
				zap.String("stream_id", s.id),
				zap.Error(err))
		}
	}

	// Published before Start returns so an immediately attaching
	// subscriber cannot miss it.
	s.emit(events.TypeConnection, map[string]interface{}{
		"sessionId": req.SessionID,
		"projectId": req.ProjectID,
	})

	go r.runLoop(s, req)

	time.AfterFunc(r.gcDelay, func() { r.gcCheck(s.id) })

	logger.Info("Stream started",
		zap.String("stream_id", s.id),
		zap.String("session_id", req.SessionID),
		zap.String("project_id", req.ProjectID))

	return s.id, nil
}

// Cancel stops an active stream. It returns false for unknown or already
// terminal streams and emits nothing in that case.
func (r *Registry) Cancel(streamID string) bool {
	r.mu.RLock()
	s, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	// Status flips first: it shrinks the window in which the loop can act
	// on stale state, and makes the loop's own error path a no-op.
	if !s.transition(StatusCancelled) {
		return false
	}

	// Persist the in-flight partial answer before anything else so a
	// cancel never loses text the user already saw.
	if partial := s.answerText(); partial != "" {
		if _, err := r.store.Append(context.Background(), store.AppendRequest{
			SessionID: s.sessionID,
			Text:      partial,
			Sender:    store.SenderInfo{Role: "assistant", Name: r.engineName},
			Timestamp: time.Now(),
		}); err != nil {
			logger.Warn("Failed to persist partial answer on cancel",
				zap.String("stream_id", streamID),
				zap.Error(err))
		}
	}

	s.cancel.Signal()

	if err := r.engine.Interrupt(s.projectPath); err != nil {
		logger.Warn("Engine interrupt failed",
			zap.String("stream_id", streamID),
			zap.Error(err))
	}

	s.emit(events.TypeCancelled, nil)
	r.notifier.fire(Notification{
		StreamID:  s.id,
		ProcessID: s.processID,
		ProjectID: s.projectID,
		SessionID: s.sessionID,
		Status:    StatusCancelled,
	})

	r.releaseLock()

	logger.Info("Stream cancelled", zap.String("stream_id", streamID))
	return true
}

func (r *Registry) releaseLock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Release(); err != nil {
		logger.Warn("Automation lock release failed", zap.Error(err))
	}
}

// Subscribe attaches a handler to a stream's live events.
func (r *Registry) Subscribe(streamID string, handler events.Handler) func() {
	return r.channel.Subscribe(streamID, handler)
}

// Get returns a snapshot of the stream.
func (r *Registry) Get(streamID string) (Snapshot, bool) {
	r.mu.RLock()
	s, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Events returns the buffered event list for catch-up.
func (r *Registry) Events(streamID string) ([]events.Event, bool) {
	r.mu.RLock()
	s, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Events(), true
}

// GetBySession returns the stream registered for a (project, session) key.
func (r *Registry) GetBySession(sessionID, projectID string) (Snapshot, bool) {
	key := compositeKey(projectID, sessionID)
	r.mu.RLock()
	id, ok := r.bySession[key]
	var s *Stream
	if ok {
		s = r.streams[id]
	}
	r.mu.RUnlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// ListActive returns snapshots of all active streams.
func (r *Registry) ListActive() []Snapshot {
	return r.list(func(s Snapshot) bool { return s.Status == StatusActive })
}

// ListByProject returns snapshots of all streams for one project.
func (r *Registry) ListByProject(projectID string) []Snapshot {
	return r.list(func(s Snapshot) bool { return s.ProjectID == projectID })
}

// ListAll returns snapshots of every registered stream.
func (r *Registry) ListAll() []Snapshot {
	return r.list(func(Snapshot) bool { return true })
}

func (r *Registry) list(keep func(Snapshot) bool) []Snapshot {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(streams))
	for _, s := range streams {
		if snap := s.Snapshot(); keep(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Remove drops a terminal stream from the registry on explicit request.
// Active streams are never removed.
func (r *Registry) Remove(streamID string) bool {
	r.mu.RLock()
	s, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok || s.Status() == StatusActive {
		return false
	}
	r.remove(s)
	return true
}

// gcCheck is the deferred per-start sweep: once the stream is no longer
// active, both registry indices and the subscriber channel go away.
func (r *Registry) gcCheck(streamID string) {
	r.mu.RLock()
	s, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok || s.Status() == StatusActive {
		return
	}
	r.remove(s)
	logger.Debug("Stream garbage collected", zap.String("stream_id", streamID))
}

func (r *Registry) remove(s *Stream) {
	key := compositeKey(s.projectID, s.sessionID)
	r.mu.Lock()
	delete(r.streams, s.id)
	if r.bySession[key] == s.id {
		delete(r.bySession, key)
	}
	r.mu.Unlock()

	r.channel.DropStream(s.id)
	if r.execCtx != nil {
		if err := r.execCtx.Unregister(s.id); err != nil {
			logger.Debug("Execution context unregister failed",
				zap.String("stream_id", s.id),
				zap.Error(err))
		}
	}
}

// CleanupProject removes every terminal stream of a project and returns
// how many were removed.
func (r *Registry) CleanupProject(projectID string) int {
	return r.cleanup(func(s *Stream) bool { return s.projectID == projectID })
}

// CleanupAllTerminal removes every terminal stream.
func (r *Registry) CleanupAllTerminal() int {
	return r.cleanup(func(*Stream) bool { return true })
}

func (r *Registry) cleanup(match func(*Stream) bool) int {
	r.mu.RLock()
	victims := make([]*Stream, 0)
	for _, s := range r.streams {
		if match(s) && s.Status() != StatusActive {
			victims = append(victims, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range victims {
		r.remove(s)
	}
	return len(victims)
}
