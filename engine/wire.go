package engine

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// DecodeLine parses one stream-json line emitted by a CLI-style engine into
// a typed Message. Lines the orchestrator has no use for (user echoes,
// unknown block types) decode to nil without error so adapters can skip
// them in place.
func DecodeLine(line []byte) (*Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid stream line: %q", truncate(string(line), 120))
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "system":
		return decodeSystem(root), nil
	case "stream_event":
		return decodeStreamEvent(root), nil
	case "assistant", "user":
		return decodeChat(root), nil
	case "result":
		return &Message{
			Kind:        KindResult,
			ResumeToken: root.Get("session_id").String(),
		}, nil
	default:
		return nil, nil
	}
}

func decodeSystem(root gjson.Result) *Message {
	switch root.Get("subtype").String() {
	case "init":
		msg := &Message{
			Kind:        KindInit,
			ResumeToken: root.Get("session_id").String(),
		}
		root.Get("mcp_servers").ForEach(func(_, server gjson.Result) bool {
			msg.Connections = append(msg.Connections, ConnectionHealth{
				Name:   server.Get("name").String(),
				Status: server.Get("status").String(),
			})
			return true
		})
		return msg
	case "compact_boundary":
		return &Message{
			Kind: KindCompactBoundary,
			Compaction: &CompactionInfo{
				Trigger:   root.Get("compact_metadata.trigger").String(),
				PreTokens: root.Get("compact_metadata.pre_tokens").Int(),
			},
		}
	default:
		return nil
	}
}

func decodeStreamEvent(root gjson.Result) *Message {
	event := root.Get("event")
	switch event.Get("type").String() {
	case "message_start":
		return &Message{Kind: KindDelta, Delta: &Delta{Phase: DeltaTurnStart}}
	case "message_stop":
		return &Message{Kind: KindDelta, Delta: &Delta{Phase: DeltaTurnStop}}
	case "content_block_start":
		reasoning := event.Get("content_block.type").String() == "thinking"
		return &Message{Kind: KindDelta, Delta: &Delta{Phase: DeltaBlockStart, Reasoning: reasoning}}
	case "content_block_stop":
		return &Message{Kind: KindDelta, Delta: &Delta{Phase: DeltaBlockStop}}
	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return &Message{Kind: KindDelta, Delta: &Delta{Phase: DeltaBlockDelta, Text: delta.Get("text").String()}}
		case "thinking_delta":
			return &Message{Kind: KindDelta, Delta: &Delta{
				Phase:     DeltaBlockDelta,
				Reasoning: true,
				Text:      delta.Get("thinking").String(),
			}}
		default:
			return nil
		}
	default:
		return nil
	}
}

func decodeChat(root gjson.Result) *Message {
	message := root.Get("message")
	chat := &ChatMessage{Role: message.Get("role").String()}

	message.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			chat.Segments = append(chat.Segments, Segment{Type: "text", Text: block.Get("text").String()})
		case "thinking":
			chat.Segments = append(chat.Segments, Segment{Type: "reasoning", Text: block.Get("thinking").String()})
		}
		return true
	})

	if usage := message.Get("usage"); usage.IsObject() {
		chat.Usage = map[string]interface{}{}
		usage.ForEach(func(key, value gjson.Result) bool {
			chat.Usage[key.String()] = value.Value()
			return true
		})
	}

	return &Message{
		Kind:        KindChat,
		ResumeToken: root.Get("session_id").String(),
		Chat:        chat,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
