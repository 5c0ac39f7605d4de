// Package sseutil provides shared byte-framing helpers for the wire codecs:
// SSE record splitting, data-line extraction, and the bracket-balanced
// JSON-array framing Gemini uses when a stream is requested without SSE.
// It knows nothing about any chat protocol's semantics.
package sseutil

import (
	"bytes"
)

var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
)

// BuildSSEChunk frames data as an anonymous SSE record: "data: ...\n\n".
func BuildSSEChunk(data []byte) []byte {
	buf := make([]byte, 0, 8+len(data))
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}

// BuildSSEEvent frames data as a named SSE record: "event: name\ndata: ...\n\n".
func BuildSSEEvent(event string, data []byte) []byte {
	buf := make([]byte, 0, 16+len(event)+len(data))
	buf = append(buf, "event: "...)
	buf = append(buf, event...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}

// DoneChunk is the OpenAI stream terminator record.
var DoneChunk = []byte("data: [DONE]\n\n")

// ExtractData joins the data: lines of one SSE record. Comment lines
// (keep-alive pings) and event: lines are ignored here; use EventName for
// the record's event field.
func ExtractData(record []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, payload...)
	}
	return bytes.TrimSpace(out)
}

// EventName returns the event: field of an SSE record, or "".
func EventName(record []byte) string {
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, eventPrefix) {
			return string(bytes.TrimSpace(line[len(eventPrefix):]))
		}
	}
	return ""
}

// IsDone reports whether the payload is the [DONE] sentinel.
func IsDone(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), doneMarker)
}

// JSONPayload strips SSE decoration from a line and returns the JSON body,
// or nil for keep-alive noise, [DONE], event lines and anything that cannot
// start a JSON object.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) || trimmed[0] == ':' {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

// ArrayFramer extracts complete top-level JSON objects from a byte stream
// shaped like a JSON array ("[{...},\n{...}]") with no record delimiter at
// all. Feed may be called with arbitrary split points; objects are emitted
// only once their closing brace arrives, so multi-byte text is never cut.
type ArrayFramer struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
}

// Feed appends p and returns every object completed by it, in order.
func (f *ArrayFramer) Feed(p []byte) [][]byte {
	var objects [][]byte
	for _, c := range p {
		if f.depth == 0 {
			// Between objects: only an opening brace matters, the array
			// punctuation and whitespace are framing noise.
			if c == '{' {
				f.buf = append(f.buf[:0], c)
				f.depth = 1
			}
			continue
		}
		f.buf = append(f.buf, c)
		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			continue
		}
		switch c {
		case '"':
			f.inString = true
		case '{':
			f.depth++
		case '}':
			f.depth--
			if f.depth == 0 {
				obj := make([]byte, len(f.buf))
				copy(obj, f.buf)
				objects = append(objects, obj)
				f.buf = f.buf[:0]
			}
		}
	}
	return objects
}

// Pending reports whether a partial object is still buffered.
func (f *ArrayFramer) Pending() bool { return f.depth > 0 }

// RecordBuffer assembles blank-line-terminated SSE records from arbitrarily
// split transport chunks. Partial records (including multi-byte text split
// across chunks) stay buffered until their terminator arrives.
type RecordBuffer struct {
	buf []byte
}

// Feed appends p and returns every record completed by it.
func (b *RecordBuffer) Feed(p []byte) [][]byte {
	b.buf = append(b.buf, p...)
	var records [][]byte
	for {
		adv, token := nextRecord(b.buf)
		if adv == 0 {
			break
		}
		rec := make([]byte, len(token))
		copy(rec, token)
		records = append(records, rec)
		b.buf = b.buf[adv:]
	}
	return records
}

// Flush returns a trailing unterminated record, if any.
func (b *RecordBuffer) Flush() []byte {
	rest := bytes.TrimSpace(b.buf)
	b.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

func nextRecord(data []byte) (advance int, token []byte) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i]
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i]
	}
	return 0, nil
}
