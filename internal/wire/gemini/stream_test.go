package gemini

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
)

const sseStream = `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"planning","thought":true}]}}]}` + "\n\n" +
	`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]}` + "\n\n" +
	`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":9}}` + "\n\n"

const arrayStream = `[{"candidates":[{"content":{"role":"model","parts":[{"text":"planning","thought":true}]}}]},
{"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]},
{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":9}}]`

func verifyStream(t *testing.T, events []canonical.BackendEvent) {
	t.Helper()
	var thinking, text string
	var finish *canonical.BackendEvent
	for i := range events {
		switch events[i].Type {
		case canonical.BackendThinking:
			thinking += events[i].Thinking
		case canonical.BackendText:
			text += events[i].Text
		case canonical.BackendFinish:
			finish = &events[i]
		}
	}
	if thinking != "planning" || text != "hello" {
		t.Fatalf("thinking=%q text=%q", thinking, text)
	}
	if finish == nil || finish.Finish != canonical.FinishStop {
		t.Fatalf("finish = %+v", finish)
	}
	if finish.Usage == nil || finish.Usage.InputTokens != 4 || finish.Usage.OutputTokens != 9 {
		t.Fatalf("usage = %+v", finish.Usage)
	}
}

func TestChunkDecoderSSEFraming(t *testing.T) {
	for _, chunkSize := range []int{len(sseStream), 1, 11} {
		d := NewChunkDecoder()
		var events []canonical.BackendEvent
		for i := 0; i < len(sseStream); i += chunkSize {
			end := i + chunkSize
			if end > len(sseStream) {
				end = len(sseStream)
			}
			events = append(events, d.Feed([]byte(sseStream[i:end]))...)
		}
		events = append(events, d.Finish()...)
		verifyStream(t, events)
	}
}

func TestChunkDecoderArrayFraming(t *testing.T) {
	for _, chunkSize := range []int{len(arrayStream), 1, 13} {
		d := NewChunkDecoder()
		var events []canonical.BackendEvent
		for i := 0; i < len(arrayStream); i += chunkSize {
			end := i + chunkSize
			if end > len(arrayStream) {
				end = len(arrayStream)
			}
			events = append(events, d.Feed([]byte(arrayStream[i:end]))...)
		}
		events = append(events, d.Finish()...)
		verifyStream(t, events)
	}
}

func TestChunkDecoderFunctionCalls(t *testing.T) {
	d := NewChunkDecoder()
	events := d.Feed([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}},` +
		`{"functionCall":{"name":"get_weather","args":{"city":"Bergen"}}}]},"finishReason":"STOP"}]}` + "\n\n"))

	var calls []canonical.BackendEvent
	for _, ev := range events {
		if ev.Type == canonical.BackendToolCall {
			calls = append(calls, ev)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("want 2 calls, got %d", len(calls))
	}
	// Same function name twice must still yield distinct accumulator refs.
	if calls[0].ToolRef == calls[1].ToolRef {
		t.Fatalf("refs collide: %q", calls[0].ToolRef)
	}
	if !strings.Contains(calls[0].ArgsFragment, "Oslo") || !strings.Contains(calls[1].ArgsFragment, "Bergen") {
		t.Fatalf("args: %q / %q", calls[0].ArgsFragment, calls[1].ArgsFragment)
	}
}

func TestChunkDecoderThoughtSignature(t *testing.T) {
	d := NewChunkDecoder()
	events := d.Feed([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"deep","thought":true,"thoughtSignature":"sig9"}]}}]}` + "\n\n"))
	var sawSig bool
	for _, ev := range events {
		if ev.Type == canonical.BackendSignature && ev.Signature == "sig9" {
			sawSig = true
		}
	}
	if !sawSig {
		t.Fatalf("signature not extracted: %+v", events)
	}
}

func TestChunkDecoderSafetyFinish(t *testing.T) {
	d := NewChunkDecoder()
	events := d.Feed([]byte(`data: {"candidates":[{"finishReason":"SAFETY"}]}` + "\n\n"))
	if len(events) != 1 || events[0].Finish != canonical.FinishContentFilter {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamEncoderTextAndThinking(t *testing.T) {
	enc := NewStreamEncoder("id", "gemini-x")

	frame, err := enc.Encode(canonical.StreamEvent{Type: canonical.EventThinkingDelta, Index: 0, Text: "mull"})
	if err != nil {
		t.Fatal(err)
	}
	p := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	part := p.Get("candidates.0.content.parts.0")
	if part.Get("text").String() != "mull" || !part.Get("thought").Bool() {
		t.Fatalf("thought part: %s", part.Raw)
	}

	frame, _ = enc.Encode(canonical.StreamEvent{Type: canonical.EventTextDelta, Index: 1, Text: "hi"})
	p = gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	part = p.Get("candidates.0.content.parts.0")
	if part.Get("text").String() != "hi" || part.Get("thought").Exists() {
		t.Fatalf("text part: %s", part.Raw)
	}
}

func TestStreamEncoderFunctionCallAtBlockStop(t *testing.T) {
	enc := NewStreamEncoder("id", "gemini-x")

	frame, _ := enc.Encode(canonical.StreamEvent{
		Type: canonical.EventBlockStart, Index: 0, Kind: canonical.BlockToolUse,
		ToolCall: &canonical.ToolCall{ID: "call_1", Name: "get_weather"},
	})
	if frame != nil {
		t.Fatalf("block start must buffer, got %q", frame)
	}
	frame, _ = enc.Encode(canonical.StreamEvent{Type: canonical.EventToolArgumentDelta, Index: 0, Fragment: `{"city":`})
	if frame != nil {
		t.Fatalf("fragment must buffer, got %q", frame)
	}
	frame, err := enc.Encode(canonical.StreamEvent{Type: canonical.EventToolArgumentDelta, Index: 0, Fragment: `"Oslo"}`})
	if err != nil || frame != nil {
		t.Fatalf("fragment must buffer, got %q err %v", frame, err)
	}

	frame, err = enc.Encode(canonical.StreamEvent{Type: canonical.EventBlockStop, Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	p := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	fc := p.Get("candidates.0.content.parts.0.functionCall")
	if fc.Get("name").String() != "get_weather" || fc.Get("args.city").String() != "Oslo" {
		t.Fatalf("functionCall: %s", fc.Raw)
	}
}

func TestArrayStreamEncoderFraming(t *testing.T) {
	enc := NewArrayStreamEncoder("id", "gemini-x")

	var out []byte
	for _, ev := range []canonical.StreamEvent{
		{Type: canonical.EventBlockStart, Index: 0, Kind: canonical.BlockText},
		{Type: canonical.EventTextDelta, Index: 0, Text: "hel"},
		{Type: canonical.EventTextDelta, Index: 0, Text: "lo"},
		{Type: canonical.EventBlockStop, Index: 0},
		{Type: canonical.EventMessageFinish, Finish: canonical.FinishStop, Usage: &canonical.Usage{InputTokens: 4, OutputTokens: 9}},
	} {
		frame, err := enc.Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, frame...)
	}

	s := strings.TrimSpace(string(out))
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		t.Fatalf("not a JSON array:\n%s", s)
	}
	if strings.Contains(s, "data:") {
		t.Fatalf("array framing must carry no SSE decoration:\n%s", s)
	}
	if !gjson.Valid(s) {
		t.Fatalf("output is not valid JSON:\n%s", s)
	}

	// The decoder sniffs the framing; its reading of the array must match
	// what the records said.
	d := NewChunkDecoder()
	var events []canonical.BackendEvent
	for i := 0; i < len(out); i += 7 {
		end := i + 7
		if end > len(out) {
			end = len(out)
		}
		events = append(events, d.Feed(out[i:end])...)
	}
	events = append(events, d.Finish()...)

	var text string
	var finish *canonical.BackendEvent
	for i := range events {
		switch events[i].Type {
		case canonical.BackendText:
			text += events[i].Text
		case canonical.BackendFinish:
			finish = &events[i]
		}
	}
	if text != "hello" {
		t.Fatalf("text = %q", text)
	}
	if finish == nil || finish.Finish != canonical.FinishStop {
		t.Fatalf("finish = %+v", finish)
	}
	if finish.Usage == nil || finish.Usage.InputTokens != 4 || finish.Usage.OutputTokens != 9 {
		t.Fatalf("usage = %+v", finish.Usage)
	}
}

func TestStreamEncoderFinishRecord(t *testing.T) {
	enc := NewStreamEncoder("id", "gemini-x")
	frame, err := enc.Encode(canonical.StreamEvent{
		Type:   canonical.EventMessageFinish,
		Finish: canonical.FinishLength,
		Usage:  &canonical.Usage{InputTokens: 2, OutputTokens: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := gjson.ParseBytes([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")))
	if p.Get("candidates.0.finishReason").String() != "MAX_TOKENS" {
		t.Fatalf("finishReason: %s", p.Raw)
	}
	if p.Get("usageMetadata.totalTokenCount").Int() != 7 {
		t.Fatalf("usage: %s", p.Get("usageMetadata").Raw)
	}
}
