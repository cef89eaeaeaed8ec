// Package engine defines the upstream message model shared by engine
// adapters and the contract the orchestrator consumes them through.
// Adapters translate a backend's native output into these typed messages,
// usually via DecodeLine; SubprocessSource is the bundled CLI adapter.
package engine

import "context"

// Kind classifies an upstream message.
type Kind string

const (
	// KindInit is the engine's initialization message, carrying the resume
	// token and sub-connection health.
	KindInit Kind = "init"
	// KindCompactBoundary marks a context compaction point.
	KindCompactBoundary Kind = "compact_boundary"
	// KindDelta is an incremental streaming fragment.
	KindDelta Kind = "delta"
	// KindChat is a complete conversation message.
	KindChat Kind = "chat"
	// KindResult is the engine's final turn summary.
	KindResult Kind = "result"
)

// DeltaPhase positions a delta within a streamed turn.
type DeltaPhase string

const (
	DeltaTurnStart  DeltaPhase = "turn_start"
	DeltaBlockStart DeltaPhase = "block_start"
	DeltaBlockDelta DeltaPhase = "block_delta"
	DeltaBlockStop  DeltaPhase = "block_stop"
	DeltaTurnStop   DeltaPhase = "turn_stop"
)

// ConnectionHealth reports one sub-connection from the init message.
type ConnectionHealth struct {
	Name   string
	Status string
}

// Healthy reports whether the sub-connection came up.
func (c ConnectionHealth) Healthy() bool {
	return c.Status == "connected"
}

// CompactionInfo describes a compaction boundary.
type CompactionInfo struct {
	Trigger   string
	PreTokens int64
}

// Delta is one incremental streaming fragment.
type Delta struct {
	Phase DeltaPhase
	// Reasoning routes the fragment to the reasoning buffer instead of the
	// visible answer buffer.
	Reasoning bool
	Text      string
}

// Segment is one content piece of a chat message.
type Segment struct {
	// Type is "text" or "reasoning".
	Type string
	Text string
}

// ChatMessage is a complete conversation message from the engine.
type ChatMessage struct {
	Role     string
	Segments []Segment
	Usage    map[string]interface{}
}

// Text flattens the message's text segments into one string.
func (m *ChatMessage) Text() string {
	out := ""
	for _, seg := range m.Segments {
		if seg.Type == "text" {
			out += seg.Text
		}
	}
	return out
}

// Message is one typed upstream message. Exactly one payload field matching
// Kind is set.
type Message struct {
	Kind        Kind
	ResumeToken string
	Connections []ConnectionHealth
	Compaction  *CompactionInfo
	Delta       *Delta
	Chat        *ChatMessage
}

// TurnRequest describes one turn handed to an engine.
type TurnRequest struct {
	ProjectPath     string
	Prompt          string
	ResumeToken     string
	Model           string
	SamplingOptions map[string]interface{}
}

// Turn is a sequential source of upstream messages for one running turn.
type Turn interface {
	// Next blocks for the next message. It returns io.EOF once the engine
	// is done and the context error when ctx ends first.
	Next(ctx context.Context) (*Message, error)
}

// Source starts turns against one engine backend. Implementations own
// process or connection management; Start must respect ctx and not begin
// work on an already-cancelled context.
type Source interface {
	Start(ctx context.Context, req TurnRequest) (Turn, error)
	// Interrupt requests an engine-level stop for whatever instance serves
	// the given project. Best effort.
	Interrupt(projectPath string) error
}
