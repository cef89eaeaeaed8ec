package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/myrialabs/agentstream/engine"
	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/internal/logger"
	"github.com/myrialabs/agentstream/store"
	"go.uber.org/zap"
)

// consume translates one upstream engine message into canonical events and
// persistence calls. It runs on the loop goroutine only; buffer state is
// still mu-guarded because Cancel reads the answer buffer concurrently.
func (r *Registry) consume(ctx context.Context, s *Stream, msg *engine.Message) {
	if token := msg.ResumeToken; token != "" && s.setResume(token) {
		if err := r.store.SetResumeToken(ctx, s.sessionID, token); err != nil {
			logger.Warn("Failed to persist resume token",
				zap.String("session_id", s.sessionID),
				zap.Error(err))
		}
	}

	switch msg.Kind {
	case engine.KindInit:
		r.consumeInit(s, msg.Connections)
	case engine.KindCompactBoundary:
		r.consumeCompaction(s, msg.Compaction)
	case engine.KindDelta:
		r.consumeDelta(s, msg.Delta)
	case engine.KindChat:
		r.consumeChat(ctx, s, msg.Chat)
	case engine.KindResult:
		// Terminal bookkeeping only; the resume token was captured above.
	}
}

// consumeInit surfaces unhealthy sub-connections as warnings. Healthy ones
// stay silent.
func (r *Registry) consumeInit(s *Stream, conns []engine.ConnectionHealth) {
	for _, conn := range conns {
		if conn.Healthy() {
			continue
		}
		s.emit(events.TypeNotification, events.NotificationData{
			Severity: "warning",
			Message:  fmt.Sprintf("connection %s failed: %s", conn.Name, conn.Status),
			Detail: map[string]interface{}{
				"connection": conn.Name,
				"status":     conn.Status,
			},
		})
	}
}

func (r *Registry) consumeCompaction(s *Stream, info *engine.CompactionInfo) {
	if info == nil {
		return
	}
	s.mu.Lock()
	s.hasCompact = true
	s.mu.Unlock()

	s.emit(events.TypeNotification, events.NotificationData{
		Severity: "info",
		Message:  "conversation context was compacted",
		Detail: map[string]interface{}{
			"trigger":    info.Trigger,
			"pre_tokens": info.PreTokens,
		},
	})
}

// consumeDelta accumulates streaming fragments and emits partial events.
// Fragments route by the Reasoning flag into separate buffers; partial
// events always carry the full buffer so a consumer can render from any
// single event.
func (r *Registry) consumeDelta(s *Stream, d *engine.Delta) {
	if d == nil {
		return
	}
	switch d.Phase {
	case engine.DeltaTurnStart:
		s.mu.Lock()
		if d.Reasoning {
			s.reasonBuf.Reset()
		} else {
			s.answerBuf.Reset()
		}
		s.mu.Unlock()
		s.emit(events.TypePartial, events.PartialData{
			Phase:     "start",
			Reasoning: d.Reasoning,
		})

	case engine.DeltaBlockStart:
		if d.Reasoning {
			s.mu.Lock()
			s.reasonBuf.Reset()
			s.mu.Unlock()
			s.emit(events.TypePartial, events.PartialData{
				Phase:     "start",
				Reasoning: true,
			})
			return
		}
		// A text block starts a fresh visible run but stays silent: the
		// first delta event already carries the full text, and emitting
		// here would double it.
		s.mu.Lock()
		s.answerBuf.Reset()
		s.mu.Unlock()

	case engine.DeltaBlockDelta:
		s.mu.Lock()
		var full string
		if d.Reasoning {
			s.reasonBuf.WriteString(d.Text)
			full = s.reasonBuf.String()
		} else {
			s.answerBuf.WriteString(d.Text)
			full = s.answerBuf.String()
		}
		s.mu.Unlock()
		s.emit(events.TypePartial, events.PartialData{
			Phase:     "update",
			Reasoning: d.Reasoning,
			Text:      full,
			Delta:     d.Text,
		})

	case engine.DeltaBlockStop:
		s.mu.Lock()
		reasoning := s.reasonBuf.String()
		s.reasonBuf.Reset()
		s.mu.Unlock()
		if reasoning != "" {
			s.emit(events.TypePartial, events.PartialData{
				Phase:     "end",
				Reasoning: true,
				Text:      reasoning,
			})
		}

	case engine.DeltaTurnStop:
		s.mu.Lock()
		reasoning := s.reasonBuf.String()
		answer := s.answerBuf.String()
		s.mu.Unlock()
		// A reasoning block still open at turn stop takes precedence: the
		// complete chat message carries the visible answer anyway.
		if reasoning != "" {
			s.emit(events.TypePartial, events.PartialData{
				Phase:     "end",
				Reasoning: true,
				Text:      reasoning,
			})
			return
		}
		s.emit(events.TypePartial, events.PartialData{
			Phase: "end",
			Text:  answer,
		})
	}
}

// consumeChat persists a complete conversation message and announces it.
// Assistant messages that mix reasoning and text segments split into a
// reasoning message followed by the stripped original, and an assistant
// text identical to the previous one is dropped: engines replay the final
// answer at turn end.
func (r *Registry) consumeChat(ctx context.Context, s *Stream, chat *engine.ChatMessage) {
	if chat == nil {
		return
	}

	if chat.Role != "assistant" {
		s.mu.Lock()
		s.lastAnswerText = ""
		s.mu.Unlock()
		r.persistChat(ctx, s, chat.Role, chat.Text(), false, chat.Usage)
		return
	}

	reasoning, stripped := splitReasoning(chat.Segments)
	if reasoning != "" {
		r.persistChat(ctx, s, "assistant", reasoning, true, nil)
	}

	text := segmentText(stripped)

	s.mu.Lock()
	duplicate := text != "" && text == s.lastAnswerText
	if !duplicate {
		s.lastAnswerText = text
	}
	s.mu.Unlock()
	if duplicate {
		logger.Debug("Dropping duplicate assistant message",
			zap.String("stream_id", s.id))
		return
	}

	r.persistChat(ctx, s, "assistant", text, false, chat.Usage)
}

// splitReasoning separates reasoning segments from the rest. When the
// message was reasoning-only the remainder is a single empty text segment
// so downstream consumers still see a message body.
func splitReasoning(segments []engine.Segment) (string, []engine.Segment) {
	reasoning := ""
	rest := make([]engine.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Type == "reasoning" {
			reasoning += seg.Text
			continue
		}
		rest = append(rest, seg)
	}
	if len(rest) == 0 {
		rest = []engine.Segment{{Type: "text", Text: ""}}
	}
	return reasoning, rest
}

func segmentText(segments []engine.Segment) string {
	out := ""
	for _, seg := range segments {
		if seg.Type == "text" {
			out += seg.Text
		}
	}
	return out
}

// persistChat appends one message and emits its message event. Persistence
// failure degrades to an event without ids so the consumer still sees the
// content.
func (r *Registry) persistChat(ctx context.Context, s *Stream, role, text string, reasoning bool, usage map[string]interface{}) {
	sender := store.SenderInfo{Role: role}
	if role == "assistant" {
		sender.Name = r.engineName
	}
	var meta map[string]interface{}
	if len(usage) > 0 {
		meta = map[string]interface{}{"usage": usage}
	}

	data := events.MessageData{
		Role:      role,
		Text:      text,
		Reasoning: reasoning,
		Usage:     usage,
	}

	persisted, err := r.store.Append(ctx, store.AppendRequest{
		SessionID: s.sessionID,
		Text:      text,
		Reasoning: reasoning,
		Sender:    sender,
		Timestamp: time.Now(),
		Meta:      meta,
	})
	if err != nil {
		logger.Warn("Failed to persist message",
			zap.String("stream_id", s.id),
			zap.String("role", role),
			zap.Error(err))
	} else {
		data.MessageID = persisted.ID
		data.ParentID = persisted.ParentID
		if role == "assistant" && !reasoning {
			s.mu.Lock()
			s.currentMessageID = persisted.ID
			s.mu.Unlock()
		}
	}

	s.emit(events.TypeMessage, data)
}
