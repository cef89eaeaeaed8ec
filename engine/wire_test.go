package engine

import "testing"

func TestDecodeInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-1","mcp_servers":[{"name":"files","status":"connected"},{"name":"browser","status":"failed"}]}`
	msg, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("Failed to decode init: %v", err)
	}
	if msg.Kind != KindInit {
		t.Fatalf("Expected init kind, got %s", msg.Kind)
	}
	if msg.ResumeToken != "sess-1" {
		t.Errorf("Expected resume token sess-1, got %s", msg.ResumeToken)
	}
	if len(msg.Connections) != 2 {
		t.Fatalf("Expected 2 connections, got %d", len(msg.Connections))
	}
	if !msg.Connections[0].Healthy() {
		t.Errorf("Expected files connection healthy")
	}
	if msg.Connections[1].Healthy() {
		t.Errorf("Expected browser connection unhealthy")
	}
}

func TestDecodeCompactBoundary(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary","compact_metadata":{"trigger":"auto","pre_tokens":154000}}`
	msg, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("Failed to decode compact boundary: %v", err)
	}
	if msg.Kind != KindCompactBoundary {
		t.Fatalf("Expected compact boundary kind, got %s", msg.Kind)
	}
	if msg.Compaction.Trigger != "auto" {
		t.Errorf("Expected trigger auto, got %s", msg.Compaction.Trigger)
	}
	if msg.Compaction.PreTokens != 154000 {
		t.Errorf("Expected 154000 pre tokens, got %d", msg.Compaction.PreTokens)
	}
}

func TestDecodeDeltas(t *testing.T) {
	cases := []struct {
		line      string
		phase     DeltaPhase
		reasoning bool
		text      string
	}{
		{`{"type":"stream_event","event":{"type":"message_start"}}`, DeltaTurnStart, false, ""},
		{`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"thinking"}}}`, DeltaBlockStart, true, ""},
		{`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"text"}}}`, DeltaBlockStart, false, ""},
		{`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`, DeltaBlockDelta, false, "Hel"},
		{`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`, DeltaBlockDelta, true, "hmm"},
		{`{"type":"stream_event","event":{"type":"content_block_stop"}}`, DeltaBlockStop, false, ""},
		{`{"type":"stream_event","event":{"type":"message_stop"}}`, DeltaTurnStop, false, ""},
	}
	for _, tc := range cases {
		msg, err := DecodeLine([]byte(tc.line))
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", tc.line, err)
		}
		if msg == nil || msg.Kind != KindDelta {
			t.Fatalf("Expected delta for %s", tc.line)
		}
		if msg.Delta.Phase != tc.phase {
			t.Errorf("Expected phase %s, got %s", tc.phase, msg.Delta.Phase)
		}
		if msg.Delta.Reasoning != tc.reasoning {
			t.Errorf("Expected reasoning=%v for %s", tc.reasoning, tc.line)
		}
		if msg.Delta.Text != tc.text {
			t.Errorf("Expected text %q, got %q", tc.text, msg.Delta.Text)
		}
	}
}

func TestDecodeAssistantMessage(t *testing.T) {
	line := `{"type":"assistant","session_id":"sess-2","message":{"role":"assistant","content":[{"type":"thinking","thinking":"let me check"},{"type":"text","text":"Hello"}],"usage":{"input_tokens":12,"output_tokens":3}}}`
	msg, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("Failed to decode assistant message: %v", err)
	}
	if msg.Kind != KindChat {
		t.Fatalf("Expected chat kind, got %s", msg.Kind)
	}
	if msg.Chat.Role != "assistant" {
		t.Errorf("Expected assistant role, got %s", msg.Chat.Role)
	}
	if len(msg.Chat.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(msg.Chat.Segments))
	}
	if msg.Chat.Segments[0].Type != "reasoning" || msg.Chat.Segments[0].Text != "let me check" {
		t.Errorf("Unexpected reasoning segment: %+v", msg.Chat.Segments[0])
	}
	if msg.Chat.Text() != "Hello" {
		t.Errorf("Expected flattened text Hello, got %q", msg.Chat.Text())
	}
	if msg.Chat.Usage["input_tokens"].(float64) != 12 {
		t.Errorf("Expected input_tokens 12, got %v", msg.Chat.Usage["input_tokens"])
	}
}

func TestDecodeResult(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"type":"result","subtype":"success","session_id":"sess-3"}`))
	if err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if msg.Kind != KindResult || msg.ResumeToken != "sess-3" {
		t.Errorf("Unexpected result: %+v", msg)
	}
}

func TestDecodeUnknownAndInvalid(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"type":"future_thing"}`))
	if err != nil {
		t.Fatalf("Unknown type should not error: %v", err)
	}
	if msg != nil {
		t.Errorf("Expected nil message for unknown type")
	}

	if _, err := DecodeLine([]byte(`{not json`)); err == nil {
		t.Errorf("Expected error for invalid json")
	}
}
