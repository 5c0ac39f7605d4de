package sseutil

import (
	"bytes"
	"testing"
)

func TestRecordBufferArbitrarySplits(t *testing.T) {
	full := "event: delta\ndata: {\"text\":\"héllo\"}\n\nevent: stop\ndata: {}\n\n"

	// Split the byte stream at every possible point, including inside the
	// multi-byte rune, and expect identical records.
	for cut := 0; cut <= len(full); cut++ {
		var rb RecordBuffer
		var records [][]byte
		records = append(records, rb.Feed([]byte(full[:cut]))...)
		records = append(records, rb.Feed([]byte(full[cut:]))...)
		if len(records) != 2 {
			t.Fatalf("cut %d: got %d records, want 2", cut, len(records))
		}
		if got := string(ExtractData(records[0])); got != `{"text":"héllo"}` {
			t.Fatalf("cut %d: first record data = %q", cut, got)
		}
		if rb.Flush() != nil {
			t.Fatalf("cut %d: unexpected trailing data", cut)
		}
	}
}

func TestRecordBufferCRLF(t *testing.T) {
	var rb RecordBuffer
	records := rb.Feed([]byte("data: {\"a\":1}\r\n\r\n"))
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	if got := string(ExtractData(records[0])); got != `{"a":1}` {
		t.Fatalf("data = %q", got)
	}
}

func TestRecordBufferFlushTrailing(t *testing.T) {
	var rb RecordBuffer
	if got := rb.Feed([]byte("data: {\"a\":1}")); got != nil {
		t.Fatalf("unterminated record yielded early: %q", got)
	}
	rest := rb.Flush()
	if got := string(ExtractData(rest)); got != `{"a":1}` {
		t.Fatalf("flush = %q", got)
	}
}

func TestExtractDataMultiLine(t *testing.T) {
	rec := []byte("event: x\ndata: line1\ndata: line2\n: comment")
	if got := string(ExtractData(rec)); got != "line1\nline2" {
		t.Fatalf("data = %q", got)
	}
}

func TestEventName(t *testing.T) {
	if got := EventName([]byte("event: message_stop\ndata: {}")); got != "message_stop" {
		t.Fatalf("event = %q", got)
	}
	if got := EventName([]byte("data: {}")); got != "" {
		t.Fatalf("event = %q, want empty", got)
	}
}

func TestIsDone(t *testing.T) {
	if !IsDone([]byte(" [DONE] ")) || IsDone([]byte(`{"x":1}`)) {
		t.Fatal("done detection wrong")
	}
}

func TestArrayFramerSplitInsideString(t *testing.T) {
	stream := `[{"text":"a}b{c"},` + "\n" + `{"n":{"m":1}}]`

	for cut := 0; cut <= len(stream); cut++ {
		var f ArrayFramer
		var objects [][]byte
		objects = append(objects, f.Feed([]byte(stream[:cut]))...)
		objects = append(objects, f.Feed([]byte(stream[cut:]))...)
		if len(objects) != 2 {
			t.Fatalf("cut %d: got %d objects, want 2", cut, len(objects))
		}
		if !bytes.Equal(objects[0], []byte(`{"text":"a}b{c"}`)) {
			t.Fatalf("cut %d: first object = %s", cut, objects[0])
		}
		if !bytes.Equal(objects[1], []byte(`{"n":{"m":1}}`)) {
			t.Fatalf("cut %d: second object = %s", cut, objects[1])
		}
		if f.Pending() {
			t.Fatalf("cut %d: framer still pending", cut)
		}
	}
}

func TestArrayFramerEscapedQuote(t *testing.T) {
	var f ArrayFramer
	objects := f.Feed([]byte(`[{"s":"quote \" brace }"}]`))
	if len(objects) != 1 {
		t.Fatalf("got %d objects", len(objects))
	}
	if string(objects[0]) != `{"s":"quote \" brace }"}` {
		t.Fatalf("object = %s", objects[0])
	}
}

func TestBuildSSEFrames(t *testing.T) {
	if got := string(BuildSSEChunk([]byte(`{"a":1}`))); got != "data: {\"a\":1}\n\n" {
		t.Fatalf("chunk = %q", got)
	}
	if got := string(BuildSSEEvent("ping", []byte("{}"))); got != "event: ping\ndata: {}\n\n" {
		t.Fatalf("event = %q", got)
	}
}

func TestJSONPayload(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`data: {"a":1}`, `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"data: [DONE]", ""},
		{": keep-alive", ""},
		{"event: delta", ""},
		{"", ""},
	}
	for _, tc := range cases {
		got := string(JSONPayload([]byte(tc.in)))
		if got != tc.want {
			t.Errorf("JSONPayload(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
