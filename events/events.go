// Package events defines the canonical event emitted by the stream
// orchestrator and the in-process pub/sub channel that fans events out to
// subscribers. Events are normalized: consumers never see engine-specific
// message shapes, only this envelope.
package events

import "time"

// Type enumerates canonical event kinds.
type Type string

const (
	// TypeConnection is published synchronously when a stream starts, so a
	// subscriber attaching right after start returns cannot miss it.
	TypeConnection Type = "connection"
	// TypeMessage carries a persisted conversation message.
	TypeMessage Type = "message"
	// TypePartial carries incremental text output; never persisted.
	TypePartial Type = "partial"
	// TypeNotification carries advisory information (sub-connection health,
	// compaction boundaries).
	TypeNotification Type = "notification"
	// TypeComplete marks normal turn completion.
	TypeComplete Type = "complete"
	// TypeError marks a terminal failure.
	TypeError Type = "error"
	// TypeCancelled marks a terminal cancellation.
	TypeCancelled Type = "cancelled"
)

// Terminal reports whether the event kind ends a stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Event is the canonical wire shape. Seq is per-stream monotonic starting at
// 1; consumers must tolerate gaps across streams but never within one.
type Event struct {
	Type      Type        `json:"type"`
	StreamID  string      `json:"streamId"`
	ProcessID string      `json:"processId"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// PartialData is the Data payload of partial events.
type PartialData struct {
	// Phase is "start", "update" or "end".
	Phase string `json:"phase"`
	// Reasoning marks deltas accumulated into the reasoning buffer rather
	// than the visible answer.
	Reasoning bool `json:"reasoning,omitempty"`
	// Text is the full accumulated buffer content so far.
	Text string `json:"text"`
	// Delta is the increment carried by this event alone.
	Delta string `json:"delta,omitempty"`
}

// NotificationData is the Data payload of notification events.
type NotificationData struct {
	// Severity is "info" or "warning".
	Severity string `json:"severity"`
	Message  string `json:"message"`
	// Detail carries structured extras (trigger, token counts, connection
	// names) when the notification has them.
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// MessageData is the Data payload of message events.
type MessageData struct {
	MessageID string                 `json:"messageId,omitempty"`
	ParentID  string                 `json:"parentId,omitempty"`
	Role      string                 `json:"role"`
	Text      string                 `json:"text"`
	Reasoning bool                   `json:"reasoning,omitempty"`
	Usage     map[string]interface{} `json:"usage,omitempty"`
}

// ErrorData is the Data payload of error events.
type ErrorData struct {
	Message string `json:"message"`
}
