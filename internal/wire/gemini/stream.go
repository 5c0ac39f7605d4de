package gemini

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/sseutil"
)

type framing int

const (
	framingUnknown framing = iota
	framingSSE
	framingArray
)

// ChunkDecoder consumes a streamGenerateContent response. The backend frames
// either as SSE (alt=sse) or as one JSON array of objects; the mode is
// sniffed from the first non-whitespace byte.
type ChunkDecoder struct {
	mode    framing
	sniff   []byte
	records sseutil.RecordBuffer
	framer  sseutil.ArrayFramer

	calls       int
	finishRsn   canonical.FinishReason
	sawFinish   bool
	usage       canonical.Usage
	sawUsage    bool
	emittedDone bool
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{}
}

func (d *ChunkDecoder) Feed(p []byte) []canonical.BackendEvent {
	if d.mode == framingUnknown {
		d.sniff = append(d.sniff, p...)
		trimmed := bytes.TrimLeft(d.sniff, " \t\r\n")
		if len(trimmed) == 0 {
			return nil
		}
		if trimmed[0] == '[' || trimmed[0] == '{' {
			d.mode = framingArray
		} else {
			d.mode = framingSSE
		}
		p = d.sniff
		d.sniff = nil
	}

	var out []canonical.BackendEvent
	switch d.mode {
	case framingArray:
		for _, obj := range d.framer.Feed(p) {
			out = append(out, d.object(obj)...)
		}
	default:
		for _, rec := range d.records.Feed(p) {
			data := sseutil.ExtractData(rec)
			if len(data) == 0 {
				continue
			}
			out = append(out, d.object(data)...)
		}
	}
	return out
}

// Finish flushes trailing data and emits the finish event when the stream
// carried a finishReason but the transport ended first.
func (d *ChunkDecoder) Finish() []canonical.BackendEvent {
	var out []canonical.BackendEvent
	if d.mode == framingSSE {
		if rest := d.records.Flush(); rest != nil {
			if data := sseutil.ExtractData(rest); len(data) > 0 {
				out = append(out, d.object(data)...)
			}
		}
	}
	if d.sawFinish && !d.emittedDone {
		out = append(out, d.finishEvent()...)
	}
	return out
}

func (d *ChunkDecoder) object(data []byte) []canonical.BackendEvent {
	if !gjson.ValidBytes(data) {
		log.Warnf("gemini stream: unparseable record skipped: %.120s", data)
		return nil
	}
	root := gjson.ParseBytes(data)

	if u := root.Get("usageMetadata"); u.Exists() {
		d.usage.InputTokens = int(u.Get("promptTokenCount").Int())
		d.usage.OutputTokens = int(u.Get("candidatesTokenCount").Int())
		d.sawUsage = true
	}

	var out []canonical.BackendEvent
	candidate := root.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			// Complete call in one part; a fresh ref per part keeps repeated
			// calls to the same function distinct.
			d.calls++
			out = append(out, canonical.BackendEvent{
				Type:         canonical.BackendToolCall,
				ToolRef:      "fc_" + strconv.Itoa(d.calls),
				ToolName:     fc.Get("name").String(),
				ArgsFragment: args,
			})
		case part.Get("thought").Bool():
			out = append(out, canonical.BackendEvent{
				Type:     canonical.BackendThinking,
				Thinking: part.Get("text").String(),
			})
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				out = append(out, canonical.BackendEvent{
					Type:      canonical.BackendSignature,
					Signature: sig,
				})
			}
		case part.Get("text").Exists():
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				out = append(out, canonical.BackendEvent{
					Type:      canonical.BackendSignature,
					Signature: sig,
				})
			}
			if text := part.Get("text").String(); text != "" {
				out = append(out, canonical.BackendEvent{
					Type: canonical.BackendText,
					Text: text,
				})
			}
		}
		return true
	})

	if fr := candidate.Get("finishReason").String(); fr != "" {
		d.finishRsn = parseFinish(fr)
		d.sawFinish = true
		out = append(out, d.finishEvent()...)
	}
	return out
}

func (d *ChunkDecoder) finishEvent() []canonical.BackendEvent {
	if d.emittedDone {
		return nil
	}
	d.emittedDone = true
	ev := canonical.BackendEvent{Type: canonical.BackendFinish, Finish: d.finishRsn}
	if d.sawUsage {
		u := d.usage
		ev.Usage = &u
	}
	return []canonical.BackendEvent{ev}
}

func parseFinish(fr string) canonical.FinishReason {
	switch fr {
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return canonical.FinishContentFilter
	case "MALFORMED_FUNCTION_CALL", "OTHER":
		return canonical.FinishError
	default:
		return canonical.FinishStop
	}
}

// StreamEncoder renders canonical events as generateContent stream records,
// framed either as SSE (alt=sse) or as one JSON array of objects, the
// protocol's default. The wire shape carries complete functionCall parts, so
// tool argument fragments accumulate per block and the call is emitted when
// its block stops.
type StreamEncoder struct {
	model  string
	array  bool
	opened bool

	// pending tool call for the open tool block, keyed by block index
	toolBlocks map[int]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

func NewStreamEncoder(_, model string) *StreamEncoder {
	return &StreamEncoder{model: model, toolBlocks: make(map[int]*pendingCall)}
}

// NewArrayStreamEncoder frames records as one JSON array instead of SSE.
func NewArrayStreamEncoder(_, model string) *StreamEncoder {
	return &StreamEncoder{model: model, array: true, toolBlocks: make(map[int]*pendingCall)}
}

func (e *StreamEncoder) Encode(ev canonical.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case canonical.EventBlockStart:
		if ev.Kind != canonical.BlockToolUse {
			return nil, nil
		}
		pc := &pendingCall{}
		if ev.ToolCall != nil {
			pc.name = ev.ToolCall.Name
		}
		e.toolBlocks[ev.Index] = pc
		return nil, nil
	case canonical.EventTextDelta:
		return e.partRecord(map[string]any{"text": ev.Text}, "")
	case canonical.EventThinkingDelta:
		return e.partRecord(map[string]any{"text": ev.Text, "thought": true}, "")
	case canonical.EventThinkingSignature:
		return e.partRecord(map[string]any{"text": "", "thought": true, "thoughtSignature": ev.Signature}, "")
	case canonical.EventToolArgumentDelta:
		if pc, ok := e.toolBlocks[ev.Index]; ok {
			pc.args.WriteString(ev.Fragment)
		}
		return nil, nil
	case canonical.EventBlockStop:
		pc, ok := e.toolBlocks[ev.Index]
		if !ok {
			return nil, nil
		}
		delete(e.toolBlocks, ev.Index)
		return e.partRecord(map[string]any{
			"functionCall": map[string]any{
				"name": pc.name,
				"args": argumentsValue(pc.args.String()),
			},
		}, "")
	case canonical.EventMessageFinish:
		return e.finishRecord(ev)
	}
	return nil, nil
}

func (e *StreamEncoder) partRecord(part map[string]any, finish string) ([]byte, error) {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{part},
		},
		"index": 0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	payload, err := json.Marshal(map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": e.model,
	})
	if err != nil {
		return nil, err
	}
	return e.frame(payload), nil
}

// frame wraps one record payload in the stream's outer framing.
func (e *StreamEncoder) frame(payload []byte) []byte {
	if !e.array {
		return sseutil.BuildSSEChunk(payload)
	}
	prefix := ",\r\n"
	if !e.opened {
		prefix = "["
		e.opened = true
	}
	buf := make([]byte, 0, len(prefix)+len(payload))
	buf = append(buf, prefix...)
	buf = append(buf, payload...)
	return buf
}

func (e *StreamEncoder) finishRecord(ev canonical.StreamEvent) ([]byte, error) {
	record := map[string]any{
		"candidates": []map[string]any{{
			"finishReason": finishString(ev.Finish),
			"index":        0,
		}},
		"modelVersion": e.model,
	}
	if ev.Usage != nil {
		record["usageMetadata"] = map[string]any{
			"promptTokenCount":     ev.Usage.InputTokens,
			"candidatesTokenCount": ev.Usage.OutputTokens,
			"totalTokenCount":      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	out := e.frame(payload)
	if e.array {
		out = append(out, ']', '\n')
	}
	return out, nil
}
