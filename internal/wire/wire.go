// Package wire defines the contracts every protocol codec implements and the
// backend wire-request shape the dispatch layer consumes. The per-protocol
// packages (anthropic, openai, gemini) provide the implementations.
package wire

import (
	"github.com/nvkh/llmbridge/internal/canonical"
)

// Request is a fully encoded backend HTTP request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// ChunkDecoder turns raw transport bytes into backend-native events. Feed
// accepts arbitrary split points; partial records stay buffered until
// complete. Finish flushes whatever a well-behaved backend would have
// terminated explicitly. A decoder is consumed exactly once.
type ChunkDecoder interface {
	Feed(p []byte) []canonical.BackendEvent
	Finish() []canonical.BackendEvent
}

// StreamEncoder turns canonical events into the client protocol's framing.
// A nil, nil return means the event needs no frame in this protocol.
type StreamEncoder interface {
	Encode(ev canonical.StreamEvent) ([]byte, error)
}
