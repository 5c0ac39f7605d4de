package openai

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nvkh/llmbridge/internal/canonical"
)

const baseChunk = `{"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-x","choices":[{"index":0,"delta":{},"finish_reason":null}]}`

// chunk derives a test record from the base chunk via path edits.
func chunk(t *testing.T, edits map[string]any) string {
	t.Helper()
	out := baseChunk
	var err error
	for path, v := range edits {
		out, err = sjson.Set(out, path, v)
		if err != nil {
			t.Fatal(err)
		}
	}
	return "data: " + out + "\n\n"
}

func TestChunkDecoderTextAndReasoning(t *testing.T) {
	d := NewChunkDecoder()
	var events []canonical.BackendEvent
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.reasoning_content": "think"})))...)
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.content": "hel"})))...)
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.content": "lo", "choices.0.finish_reason": "stop"})))...)
	events = append(events, d.Feed([]byte("data: [DONE]\n\n"))...)

	if events[0].Type != canonical.BackendThinking || events[0].Thinking != "think" {
		t.Fatalf("reasoning event: %+v", events[0])
	}
	var text string
	for _, ev := range events {
		if ev.Type == canonical.BackendText {
			text += ev.Text
		}
	}
	if text != "hello" {
		t.Fatalf("text = %q", text)
	}
	last := events[len(events)-1]
	if last.Type != canonical.BackendFinish || last.Finish != canonical.FinishStop {
		t.Fatalf("finish: %+v", last)
	}
}

func TestChunkDecoderToolCallFragments(t *testing.T) {
	d := NewChunkDecoder()
	var events []canonical.BackendEvent
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{
		"choices.0.delta.tool_calls.0.index":              0,
		"choices.0.delta.tool_calls.0.id":                 "call_1",
		"choices.0.delta.tool_calls.0.function.name":      "get_weather",
		"choices.0.delta.tool_calls.0.function.arguments": `{"ci`,
	})))...)
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{
		"choices.0.delta.tool_calls.0.index":              0,
		"choices.0.delta.tool_calls.0.function.arguments": `ty":"Oslo"}`,
	})))...)
	events = append(events, d.Feed([]byte(chunk(t, map[string]any{"choices.0.finish_reason": "tool_calls"})))...)
	events = append(events, d.Feed([]byte("data: [DONE]\n\n"))...)

	if events[0].ToolRef != "0" || events[0].ToolID != "call_1" || events[0].ToolName != "get_weather" {
		t.Fatalf("first fragment: %+v", events[0])
	}
	var args string
	for _, ev := range events {
		if ev.Type == canonical.BackendToolCall {
			args += ev.ArgsFragment
		}
	}
	if args != `{"city":"Oslo"}` {
		t.Fatalf("args = %q", args)
	}
	if last := events[len(events)-1]; last.Finish != canonical.FinishToolUse {
		t.Fatalf("finish = %+v", last)
	}
}

func TestChunkDecoderUsageChunk(t *testing.T) {
	d := NewChunkDecoder()
	d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.content": "x", "choices.0.finish_reason": "stop"})))
	d.Feed([]byte(`data: {"id":"cmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}` + "\n\n"))
	events := d.Feed([]byte("data: [DONE]\n\n"))

	if len(events) != 1 || events[0].Usage == nil {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Usage.InputTokens != 7 || events[0].Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", events[0].Usage)
	}
}

func TestChunkDecoderEOFWithoutDone(t *testing.T) {
	d := NewChunkDecoder()
	d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.content": "x", "choices.0.finish_reason": "length"})))
	events := d.Finish()
	if len(events) != 1 || events[0].Finish != canonical.FinishLength {
		t.Fatalf("events = %+v", events)
	}
}

func TestChunkDecoderSkipsBadRecords(t *testing.T) {
	d := NewChunkDecoder()
	events := d.Feed([]byte("data: {oops\n\n"))
	if events != nil {
		t.Fatalf("bad record produced events: %+v", events)
	}
	events = d.Feed([]byte(chunk(t, map[string]any{"choices.0.delta.content": "fine"})))
	if len(events) != 1 || events[0].Text != "fine" {
		t.Fatalf("recovery failed: %+v", events)
	}
}

func TestStreamEncoderRoleAndDone(t *testing.T) {
	enc := NewStreamEncoder("cmpl-9", "gpt-x")
	first, err := enc.Encode(canonical.StreamEvent{Type: canonical.EventTextDelta, Index: 0, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	payload := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(first)), "data: ")))
	if payload.Get("choices.0.delta.role").String() != "assistant" {
		t.Fatalf("first chunk must announce the role: %s", payload.Raw)
	}

	second, _ := enc.Encode(canonical.StreamEvent{Type: canonical.EventTextDelta, Index: 0, Text: "!"})
	payload = gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(second)), "data: ")))
	if payload.Get("choices.0.delta.role").Exists() {
		t.Fatal("role must appear only once")
	}

	fin, _ := enc.Encode(canonical.StreamEvent{
		Type:   canonical.EventMessageFinish,
		Finish: canonical.FinishStop,
		Usage:  &canonical.Usage{InputTokens: 1, OutputTokens: 2},
	})
	s := string(fin)
	if !strings.Contains(s, `"finish_reason":"stop"`) || !strings.HasSuffix(s, "data: [DONE]\n\n") {
		t.Fatalf("finish frames:\n%s", s)
	}
}

func TestStreamEncoderToolIndexMapping(t *testing.T) {
	enc := NewStreamEncoder("cmpl-10", "gpt-x")

	// Canonical blocks 2 and 5 must map to wire positions 0 and 1.
	frame, _ := enc.Encode(canonical.StreamEvent{
		Type: canonical.EventBlockStart, Index: 2, Kind: canonical.BlockToolUse,
		ToolCall: &canonical.ToolCall{ID: "call_a", Name: "f"},
	})
	p := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Fatalf("first tool position: %s", p.Raw)
	}

	frame, _ = enc.Encode(canonical.StreamEvent{
		Type: canonical.EventBlockStart, Index: 5, Kind: canonical.BlockToolUse,
		ToolCall: &canonical.ToolCall{ID: "call_b", Name: "g"},
	})
	p = gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("choices.0.delta.tool_calls.0.index").Int() != 1 {
		t.Fatalf("second tool position: %s", p.Raw)
	}

	frame, _ = enc.Encode(canonical.StreamEvent{Type: canonical.EventToolArgumentDelta, Index: 2, Fragment: `{"x":1}`})
	p = gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Fatalf("argument fragment position: %s", p.Raw)
	}
}

func TestStreamEncoderReusesPositionForSameCall(t *testing.T) {
	enc := NewStreamEncoder("cmpl-13", "gpt-x")

	frame, _ := enc.Encode(canonical.StreamEvent{
		Type: canonical.EventBlockStart, Index: 1, Kind: canonical.BlockToolUse,
		ToolCall: &canonical.ToolCall{ID: "call_a", Name: "f"},
	})
	p := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Fatalf("first block position: %s", p.Raw)
	}

	// The same call re-emitted under a later block keeps array position 0
	// and announces no second entry.
	frame, err := enc.Encode(canonical.StreamEvent{
		Type: canonical.EventBlockStart, Index: 3, Kind: canonical.BlockToolUse,
		ToolCall: &canonical.ToolCall{ID: "call_a", Name: "f"},
	})
	if err != nil || frame != nil {
		t.Fatalf("repeat block start must be silent, got %q err %v", frame, err)
	}

	frame, _ = enc.Encode(canonical.StreamEvent{Type: canonical.EventToolArgumentDelta, Index: 3, Fragment: `,"y":2`})
	p = gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Fatalf("late fragment position: %s", p.Raw)
	}
}

func TestStreamEncoderSilentEvents(t *testing.T) {
	enc := NewStreamEncoder("cmpl-11", "gpt-x")
	for _, ev := range []canonical.StreamEvent{
		{Type: canonical.EventBlockStart, Index: 0, Kind: canonical.BlockText},
		{Type: canonical.EventThinkingSignature, Index: 0, Signature: "s"},
		{Type: canonical.EventBlockStop, Index: 0},
	} {
		frame, err := enc.Encode(ev)
		if err != nil || frame != nil {
			t.Fatalf("event %s must have no frame, got %q err %v", ev.Type, frame, err)
		}
	}
}

func TestStreamEncoderErrorFinish(t *testing.T) {
	enc := NewStreamEncoder("cmpl-12", "gpt-x")
	frame, err := enc.Encode(canonical.StreamEvent{Type: canonical.EventMessageFinish, Finish: canonical.FinishError})
	if err != nil {
		t.Fatal(err)
	}
	s := string(frame)
	if !strings.Contains(s, `"error"`) || !strings.HasSuffix(s, "data: [DONE]\n\n") {
		t.Fatalf("error finish:\n%s", s)
	}
}
