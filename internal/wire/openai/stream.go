package openai

import (
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/sseutil"
)

// ChunkDecoder consumes a Chat Completions SSE chunk stream. Tool-call
// fragments arrive keyed by array position, so the position is the
// accumulator ref; the finish reason is held until [DONE] so the trailing
// usage-only chunk can still land.
type ChunkDecoder struct {
	records sseutil.RecordBuffer

	finishReason canonical.FinishReason
	sawReason    bool
	usage        canonical.Usage
	sawUsage     bool
	emittedDone  bool
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{}
}

func (d *ChunkDecoder) Feed(p []byte) []canonical.BackendEvent {
	var out []canonical.BackendEvent
	for _, rec := range d.records.Feed(p) {
		out = append(out, d.record(rec)...)
	}
	return out
}

// Finish flushes at end of stream. A stream cut before [DONE] still yields
// the finish reason seen so far.
func (d *ChunkDecoder) Finish() []canonical.BackendEvent {
	var out []canonical.BackendEvent
	if rest := d.records.Flush(); rest != nil {
		out = append(out, d.record(rest)...)
	}
	if d.sawReason && !d.emittedDone {
		out = append(out, d.finishEvent()...)
	}
	return out
}

func (d *ChunkDecoder) record(rec []byte) []canonical.BackendEvent {
	data := sseutil.ExtractData(rec)
	if len(data) == 0 {
		return nil
	}
	if sseutil.IsDone(data) {
		return d.finishEvent()
	}
	if !gjson.ValidBytes(data) {
		log.Warnf("openai stream: unparseable record skipped: %.120s", data)
		return nil
	}
	root := gjson.ParseBytes(data)

	if u := root.Get("usage"); u.Exists() && u.Type != gjson.Null {
		d.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		d.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		d.sawUsage = true
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil
	}
	var out []canonical.BackendEvent
	delta := choice.Get("delta")
	if rc := delta.Get("reasoning_content").String(); rc != "" {
		out = append(out, canonical.BackendEvent{Type: canonical.BackendThinking, Thinking: rc})
	}
	if text := delta.Get("content").String(); text != "" {
		out = append(out, canonical.BackendEvent{Type: canonical.BackendText, Text: text})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		ev := canonical.BackendEvent{
			Type:         canonical.BackendToolCall,
			ToolRef:      tc.Get("index").String(),
			ToolID:       tc.Get("id").String(),
			ToolName:     tc.Get("function.name").String(),
			ArgsFragment: tc.Get("function.arguments").String(),
		}
		if ev.ToolRef == "" && ev.ToolID != "" {
			ev.ToolRef = ev.ToolID
		}
		out = append(out, ev)
		return true
	})

	if fr := choice.Get("finish_reason").String(); fr != "" {
		d.finishReason = parseFinish(fr)
		d.sawReason = true
	}
	return out
}

func (d *ChunkDecoder) finishEvent() []canonical.BackendEvent {
	if d.emittedDone {
		return nil
	}
	d.emittedDone = true
	reason := d.finishReason
	if !d.sawReason {
		reason = canonical.FinishStop
	}
	ev := canonical.BackendEvent{Type: canonical.BackendFinish, Finish: reason}
	if d.sawUsage {
		u := d.usage
		ev.Usage = &u
	}
	return []canonical.BackendEvent{ev}
}

func parseFinish(fr string) canonical.FinishReason {
	switch fr {
	case "length":
		return canonical.FinishLength
	case "tool_calls", "function_call":
		return canonical.FinishToolUse
	case "content_filter":
		return canonical.FinishContentFilter
	default:
		return canonical.FinishStop
	}
}

// StreamEncoder renders canonical events as Chat Completions chunks. Block
// boundaries have no frame in this protocol; tool blocks map to consecutive
// tool_calls array positions in first-seen order.
type StreamEncoder struct {
	id      string
	model   string
	created int64
	started bool

	// canonical block index -> tool_calls array position
	toolIndex map[int]int
	// call id -> tool_calls array position; a call re-emitted under a new
	// block keeps its original position so fragments merge client-side
	callPos map[string]int
}

func NewStreamEncoder(id, model string) *StreamEncoder {
	return &StreamEncoder{
		id:        id,
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
		callPos:   make(map[string]int),
	}
}

func (e *StreamEncoder) Encode(ev canonical.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case canonical.EventBlockStart:
		if ev.Kind != canonical.BlockToolUse {
			return nil, nil
		}
		pos := len(e.callPos)
		seen := false
		if ev.ToolCall != nil {
			if prev, ok := e.callPos[ev.ToolCall.ID]; ok {
				pos, seen = prev, true
			} else {
				e.callPos[ev.ToolCall.ID] = pos
			}
		}
		e.toolIndex[ev.Index] = pos
		if seen {
			// Continuation of a call already announced; no new array entry.
			return nil, nil
		}
		call := map[string]any{
			"index":    pos,
			"type":     "function",
			"function": map[string]any{"name": "", "arguments": ""},
		}
		if ev.ToolCall != nil {
			call["id"] = ev.ToolCall.ID
			call["function"] = map[string]any{"name": ev.ToolCall.Name, "arguments": ""}
		}
		return e.chunk(map[string]any{"tool_calls": []any{call}}, nil)
	case canonical.EventTextDelta:
		return e.chunk(map[string]any{"content": ev.Text}, nil)
	case canonical.EventThinkingDelta:
		return e.chunk(map[string]any{"reasoning_content": ev.Text}, nil)
	case canonical.EventToolArgumentDelta:
		pos, ok := e.toolIndex[ev.Index]
		if !ok {
			return nil, nil
		}
		return e.chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    pos,
			"function": map[string]any{"arguments": ev.Fragment},
		}}}, nil)
	case canonical.EventMessageFinish:
		return e.encodeFinish(ev)
	default:
		// thinking signatures and block stops have no chunk shape
		return nil, nil
	}
}

// chunk wraps a delta in the chat.completion.chunk envelope. The first chunk
// of the stream announces the assistant role.
func (e *StreamEncoder) chunk(delta map[string]any, finish any) ([]byte, error) {
	if !e.started {
		e.started = true
		delta["role"] = "assistant"
	}
	payload, err := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
	if err != nil {
		return nil, err
	}
	return sseutil.BuildSSEChunk(payload), nil
}

func (e *StreamEncoder) encodeFinish(ev canonical.StreamEvent) ([]byte, error) {
	var out []byte
	if ev.Finish == canonical.FinishError {
		errPayload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": "upstream stream ended abnormally",
				"type":    "upstream_error",
				"code":    strconv.Itoa(502),
			},
		})
		out = append(out, sseutil.BuildSSEChunk(errPayload)...)
		out = append(out, sseutil.DoneChunk...)
		return out, nil
	}

	final := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishString(ev.Finish),
		}},
	}
	if ev.Usage != nil {
		final["usage"] = map[string]any{
			"prompt_tokens":     ev.Usage.InputTokens,
			"completion_tokens": ev.Usage.OutputTokens,
			"total_tokens":      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
	}
	payload, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}
	out = append(out, sseutil.BuildSSEChunk(payload)...)
	out = append(out, sseutil.DoneChunk...)
	return out, nil
}
