// Package canonical defines the provider-agnostic chat vocabulary every wire
// codec and the stream reconciler speak. Requests, messages, content parts
// and stream events all pass through these types; no protocol-specific shape
// leaks past this package.
package canonical

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeThinking   ContentType = "thinking"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentPart is a tagged variant over the content kinds a message may carry.
// A message's part sequence preserves the author's original ordering and is
// never reordered downstream.
type ContentPart struct {
	Type       ContentType
	Text       string
	Thinking   string
	Signature  string
	ToolUse    *ToolCall
	ToolResult *ToolResult
}

// ToolCall is a structured invocation of a named function. During streaming
// Arguments is built by concatenating arrival-ordered fragments and is only
// valid JSON once the call is complete.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolResult struct {
	ToolCallID string
	Content    string
}

// ToolDefinition describes a tool exposed to the model. Parameters is a
// JSON-schema-like tree; see SanitizeSchema for the per-backend subset.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Message struct {
	Role       Role
	Content    []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
}

// ThinkingConfig requests reasoning traces from the backend. Budget is a
// token ceiling; zero means the backend's default.
type ThinkingConfig struct {
	Enabled bool
	Budget  int
}

// Request is the canonical chat request produced by a request decoder and
// consumed read-only by encoders.
type Request struct {
	Model         string
	Messages      []Message
	Tools         []ToolDefinition
	ToolChoice    string
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Thinking      *ThinkingConfig
	Stream        bool
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

type EventType string

const (
	EventBlockStart        EventType = "block_start"
	EventTextDelta         EventType = "text_delta"
	EventThinkingDelta     EventType = "thinking_delta"
	EventThinkingSignature EventType = "thinking_signature"
	EventToolArgumentDelta EventType = "tool_argument_delta"
	EventBlockStop         EventType = "block_stop"
	EventMessageFinish     EventType = "message_finish"
)

// StreamEvent is one canonical incremental event. Index is the content-block
// index the event belongs to; indices are assigned once, strictly increasing
// and never reused within a session.
type StreamEvent struct {
	Type      EventType
	Index     int
	Kind      BlockKind // block_start only
	Text      string    // text_delta / thinking_delta payload
	Signature string    // thinking_signature payload
	ToolCall  *ToolCall // block_start of a tool_use block (id + name)
	Fragment  string    // tool_argument_delta payload
	Finish    FinishReason
	Usage     *Usage
}

type BackendEventType string

const (
	BackendText      BackendEventType = "text"
	BackendThinking  BackendEventType = "thinking"
	BackendSignature BackendEventType = "signature"
	BackendToolCall  BackendEventType = "tool_call"
	BackendFinish    BackendEventType = "finish"
)

// BackendEvent is one backend-native record, normalized just enough for the
// reconciler: the fragment payloads keep arrival order, nothing is
// re-assembled here.
type BackendEvent struct {
	Type      BackendEventType
	Text      string
	Thinking  string
	Signature string

	// Tool call fragments. ToolRef keys the accumulator: backends that
	// stream by call id use the id, backends that stream by array position
	// use the position. ToolID/ToolName are set on the first fragment of a
	// call; ArgsFragment carries incremental argument JSON text.
	ToolRef      string
	ToolID       string
	ToolName     string
	ArgsFragment string

	Finish FinishReason
	Usage  *Usage
}

// Response is the canonical non-streaming result: a single assistant
// message plus the finish metadata.
type Response struct {
	ID      string
	Model   string
	Message Message
	Finish  FinishReason
	Usage   Usage
}
