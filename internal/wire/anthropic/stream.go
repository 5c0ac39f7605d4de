package anthropic

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/sseutil"
)

// ChunkDecoder consumes a Messages-protocol SSE stream from a backend.
// Records are keyed by event name; tool blocks are tracked by content-block
// index so input_json_delta fragments can carry a stable accumulator ref.
type ChunkDecoder struct {
	records sseutil.RecordBuffer

	// index -> tool_use id for blocks currently streaming arguments.
	toolRefs map[int]string

	finishReason canonical.FinishReason
	usage        canonical.Usage
	sawUsage     bool
	emittedDone  bool
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{toolRefs: make(map[int]string)}
}

// Feed accepts raw transport bytes at arbitrary split points.
func (d *ChunkDecoder) Feed(p []byte) []canonical.BackendEvent {
	var out []canonical.BackendEvent
	for _, rec := range d.records.Feed(p) {
		out = append(out, d.record(rec)...)
	}
	return out
}

// Finish flushes a trailing unterminated record at end of stream.
func (d *ChunkDecoder) Finish() []canonical.BackendEvent {
	if rest := d.records.Flush(); rest != nil {
		return d.record(rest)
	}
	return nil
}

func (d *ChunkDecoder) record(rec []byte) []canonical.BackendEvent {
	data := sseutil.ExtractData(rec)
	if len(data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		log.Warnf("anthropic stream: unparseable record skipped: %.120s", data)
		return nil
	}
	root := gjson.ParseBytes(data)
	event := sseutil.EventName(rec)
	if event == "" {
		event = root.Get("type").String()
	}

	switch event {
	case "message_start":
		if u := root.Get("message.usage"); u.Exists() {
			d.usage.InputTokens = int(u.Get("input_tokens").Int())
			d.sawUsage = true
		}
	case "content_block_start":
		return d.blockStart(root)
	case "content_block_delta":
		return d.blockDelta(root)
	case "content_block_stop":
		delete(d.toolRefs, int(root.Get("index").Int()))
	case "message_delta":
		if sr := root.Get("delta.stop_reason").String(); sr != "" {
			d.finishReason = finishReason(sr)
		}
		if u := root.Get("usage"); u.Exists() {
			d.usage.OutputTokens = int(u.Get("output_tokens").Int())
			d.sawUsage = true
		}
	case "message_stop":
		return d.finishEvent(d.finishReason)
	case "error":
		log.Errorf("anthropic stream: backend error: %s", root.Get("error.message").String())
		return d.finishEvent(canonical.FinishError)
	case "ping":
	default:
		log.Debugf("anthropic stream: unknown event %q skipped", event)
	}
	return nil
}

func (d *ChunkDecoder) blockStart(root gjson.Result) []canonical.BackendEvent {
	block := root.Get("content_block")
	if block.Get("type").String() != "tool_use" {
		return nil
	}
	index := int(root.Get("index").Int())
	id := block.Get("id").String()
	if id == "" {
		id = "toolu_idx_" + strconv.Itoa(index)
	}
	d.toolRefs[index] = id
	return []canonical.BackendEvent{{
		Type:     canonical.BackendToolCall,
		ToolRef:  id,
		ToolID:   id,
		ToolName: block.Get("name").String(),
	}}
}

func (d *ChunkDecoder) blockDelta(root gjson.Result) []canonical.BackendEvent {
	delta := root.Get("delta")
	switch delta.Get("type").String() {
	case "text_delta":
		return []canonical.BackendEvent{{
			Type: canonical.BackendText,
			Text: delta.Get("text").String(),
		}}
	case "thinking_delta":
		return []canonical.BackendEvent{{
			Type:     canonical.BackendThinking,
			Thinking: delta.Get("thinking").String(),
		}}
	case "signature_delta":
		return []canonical.BackendEvent{{
			Type:      canonical.BackendSignature,
			Signature: delta.Get("signature").String(),
		}}
	case "input_json_delta":
		index := int(root.Get("index").Int())
		ref, ok := d.toolRefs[index]
		if !ok {
			log.Warnf("anthropic stream: input_json_delta for unknown block %d skipped", index)
			return nil
		}
		return []canonical.BackendEvent{{
			Type:         canonical.BackendToolCall,
			ToolRef:      ref,
			ArgsFragment: delta.Get("partial_json").String(),
		}}
	}
	return nil
}

func (d *ChunkDecoder) finishEvent(reason canonical.FinishReason) []canonical.BackendEvent {
	if d.emittedDone {
		return nil
	}
	d.emittedDone = true
	ev := canonical.BackendEvent{Type: canonical.BackendFinish, Finish: reason}
	if d.sawUsage {
		u := d.usage
		ev.Usage = &u
	}
	return []canonical.BackendEvent{ev}
}

func finishReason(stop string) canonical.FinishReason {
	switch stop {
	case "max_tokens":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolUse
	case "refusal":
		return canonical.FinishContentFilter
	default:
		return canonical.FinishStop
	}
}

// StreamEncoder renders canonical events as Messages-protocol SSE. The
// message_start envelope is emitted lazily ahead of the first event.
type StreamEncoder struct {
	id      string
	model   string
	started bool
}

func NewStreamEncoder(id, model string) *StreamEncoder {
	return &StreamEncoder{id: id, model: model}
}

func (e *StreamEncoder) Encode(ev canonical.StreamEvent) ([]byte, error) {
	var out []byte
	if !e.started {
		e.started = true
		start, err := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, sseutil.BuildSSEEvent("message_start", start)...)
	}

	var payload map[string]any
	event := ""
	switch ev.Type {
	case canonical.EventBlockStart:
		event = "content_block_start"
		payload = map[string]any{
			"type":          event,
			"index":         ev.Index,
			"content_block": startBlock(ev),
		}
	case canonical.EventTextDelta:
		event = "content_block_delta"
		payload = map[string]any{
			"type":  event,
			"index": ev.Index,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}
	case canonical.EventThinkingDelta:
		event = "content_block_delta"
		payload = map[string]any{
			"type":  event,
			"index": ev.Index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		}
	case canonical.EventThinkingSignature:
		event = "content_block_delta"
		payload = map[string]any{
			"type":  event,
			"index": ev.Index,
			"delta": map[string]any{"type": "signature_delta", "signature": ev.Signature},
		}
	case canonical.EventToolArgumentDelta:
		event = "content_block_delta"
		payload = map[string]any{
			"type":  event,
			"index": ev.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Fragment},
		}
	case canonical.EventBlockStop:
		event = "content_block_stop"
		payload = map[string]any{"type": event, "index": ev.Index}
	case canonical.EventMessageFinish:
		return append(out, e.encodeFinish(ev)...), nil
	default:
		return out, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append(out, sseutil.BuildSSEEvent(event, raw)...), nil
}

func startBlock(ev canonical.StreamEvent) map[string]any {
	switch ev.Kind {
	case canonical.BlockThinking:
		return map[string]any{"type": "thinking", "thinking": "", "signature": ""}
	case canonical.BlockToolUse:
		block := map[string]any{"type": "tool_use", "id": "", "name": "", "input": map[string]any{}}
		if ev.ToolCall != nil {
			block["id"] = ev.ToolCall.ID
			block["name"] = ev.ToolCall.Name
		}
		return block
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

// encodeFinish emits the terminal triplet: an error event when the session
// failed, then message_delta carrying the stop reason and usage, then
// message_stop.
func (e *StreamEncoder) encodeFinish(ev canonical.StreamEvent) []byte {
	var out []byte
	reason := ev.Finish
	if reason == canonical.FinishError {
		errPayload, _ := json.Marshal(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": "upstream stream ended abnormally"},
		})
		out = append(out, sseutil.BuildSSEEvent("error", errPayload)...)
		reason = canonical.FinishStop
	}
	usage := map[string]any{"output_tokens": 0}
	if ev.Usage != nil {
		usage["input_tokens"] = ev.Usage.InputTokens
		usage["output_tokens"] = ev.Usage.OutputTokens
	}
	deltaPayload, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason(reason), "stop_sequence": nil},
		"usage": usage,
	})
	out = append(out, sseutil.BuildSSEEvent("message_delta", deltaPayload)...)
	stopPayload, _ := json.Marshal(map[string]any{"type": "message_stop"})
	return append(out, sseutil.BuildSSEEvent("message_stop", stopPayload)...)
}
