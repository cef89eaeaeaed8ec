package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/myrialabs/agentstream/engine"
	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/internal/logger"
	"github.com/myrialabs/agentstream/store"
	"github.com/myrialabs/agentstream/types"
	"go.uber.org/zap"
)

// runLoop drives one turn from prompt to terminal status. It owns all
// status transitions except the one Cancel performs.
func (r *Registry) runLoop(s *Stream, req StartRequest) {
	defer r.releaseLock()
	defer r.captureSnapshot(s, req)

	if req.ProjectPath == "" {
		r.loopError(s, errors.New("project path does not exist"))
		return
	}
	if _, err := os.Stat(req.ProjectPath); err != nil {
		r.loopError(s, fmt.Errorf("project path %s does not exist", req.ProjectPath))
		return
	}

	// Cancelled before any work happened: nothing to finalize, Cancel
	// already emitted the terminal event.
	if s.cancel.IsCancelled() {
		return
	}

	ctx, stop := s.cancel.Context(context.Background())
	defer stop()

	resume := r.lookupResume(ctx, s)

	r.persistPrompt(ctx, s, req, resume)

	if s.cancel.IsCancelled() {
		return
	}

	turn, err := r.engine.Start(ctx, engine.TurnRequest{
		ProjectPath:     req.ProjectPath,
		Prompt:          req.Prompt,
		ResumeToken:     resume,
		Model:           req.Model,
		SamplingOptions: req.Sampling,
	})
	if err != nil {
		r.loopError(s, err)
		return
	}
	if s.cancel.IsCancelled() {
		return
	}

	for {
		msg, err := turn.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if types.IsCancellation(err) || s.cancel.IsCancelled() {
				break
			}
			r.loopError(s, err)
			return
		}
		if msg == nil {
			continue
		}
		r.consume(ctx, s, msg)
	}

	r.finalize(s)
}

// lookupResume fetches the session's stored resume token. A missing
// session or store error just means a fresh turn.
func (r *Registry) lookupResume(ctx context.Context, s *Stream) string {
	rec, err := r.store.GetSession(ctx, s.sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			logger.Warn("Session lookup failed",
				zap.String("session_id", s.sessionID),
				zap.Error(err))
		}
		return ""
	}
	return rec.ResumeToken
}

// persistPrompt stores the user prompt and announces it. Store failures
// degrade to an un-threaded message event rather than failing the turn.
func (r *Registry) persistPrompt(ctx context.Context, s *Stream, req StartRequest, resume string) {
	var meta map[string]interface{}
	if resume != "" {
		meta = map[string]interface{}{"resume_token": resume}
	}
	persisted, err := r.store.Append(ctx, store.AppendRequest{
		SessionID: s.sessionID,
		Text:      req.Prompt,
		Sender:    store.SenderInfo{Role: "user"},
		Timestamp: time.Now(),
		Meta:      meta,
	})
	if err != nil {
		logger.Warn("Failed to persist prompt",
			zap.String("stream_id", s.id),
			zap.Error(err))
		s.emit(events.TypeMessage, events.MessageData{
			Role: "user",
			Text: req.Prompt,
		})
		return
	}

	s.mu.Lock()
	s.promptMessageID = persisted.ID
	s.mu.Unlock()

	s.emit(events.TypeMessage, events.MessageData{
		MessageID: persisted.ID,
		ParentID:  persisted.ParentID,
		Role:      "user",
		Text:      req.Prompt,
	})
}

// finalize runs after the engine stream drains. If Cancel beat us to a
// terminal status there is nothing left to announce.
func (r *Registry) finalize(s *Stream) {
	if !s.transition(StatusCompleted) {
		return
	}

	s.emit(events.TypeComplete, nil)
	r.notifier.fire(Notification{
		StreamID:  s.id,
		ProcessID: s.processID,
		ProjectID: s.projectID,
		SessionID: s.sessionID,
		Status:    StatusCompleted,
	})

	logger.Info("Stream completed", zap.String("stream_id", s.id))
}

// captureSnapshot requests one turn snapshot keyed to the prompt message,
// whatever the terminal outcome was. Runs on every loop exit; a turn that
// never persisted its prompt has nothing to snapshot.
func (r *Registry) captureSnapshot(s *Stream, req StartRequest) {
	if r.snapshots == nil {
		return
	}
	s.mu.Lock()
	promptID := s.promptMessageID
	s.mu.Unlock()
	if promptID == "" {
		return
	}
	go func() {
		if err := r.snapshots.CaptureTurnSnapshot(context.Background(),
			req.ProjectPath, s.projectID, s.sessionID, promptID); err != nil {
			logger.Warn("Turn snapshot capture failed",
				zap.String("stream_id", s.id),
				zap.Error(err))
		}
	}()
}

// loopError moves the stream to the error status unless cancellation got
// there first, in which case the failure is expected fallout and stays
// silent.
func (r *Registry) loopError(s *Stream, err error) {
	if types.IsCancellation(err) || s.cancel.IsCancelled() {
		return
	}
	if !s.transition(StatusError) {
		return
	}

	text := types.NormalizeErrorText(types.ExtractErrorDetail(err))

	s.mu.Lock()
	s.lastError = text
	s.mu.Unlock()

	persisted, perr := r.store.Append(context.Background(), store.AppendRequest{
		SessionID: s.sessionID,
		Text:      text,
		Sender:    store.SenderInfo{Role: "assistant", Name: r.engineName},
		Timestamp: time.Now(),
	})
	if perr != nil {
		logger.Warn("Failed to persist error message",
			zap.String("stream_id", s.id),
			zap.Error(perr))
	}

	msg := events.MessageData{Role: "assistant", Text: text}
	if perr == nil {
		msg.MessageID = persisted.ID
		msg.ParentID = persisted.ParentID
	}
	s.emit(events.TypeMessage, msg)
	s.emit(events.TypeError, events.ErrorData{Message: text})

	r.notifier.fire(Notification{
		StreamID:  s.id,
		ProcessID: s.processID,
		ProjectID: s.projectID,
		SessionID: s.sessionID,
		Status:    StatusError,
	})

	logger.Error("Stream failed",
		zap.String("stream_id", s.id),
		zap.String("error", text))
}
