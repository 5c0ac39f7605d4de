// Package reconcile holds the per-request state machine that turns
// backend-native stream events into a strictly ordered, protocol-legal
// sequence of canonical events. One Session exists per inbound request and
// is owned exclusively by that request's pipeline.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/nvkh/llmbridge/internal/canonical"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/tokencount"
)

// Limits bound per-session accumulation so a misbehaving backend cannot
// grow memory without end.
type Limits struct {
	MaxThinkingBytes int
	MaxBlocks        int
}

// DefaultLimits are applied when config leaves a limit unset.
var DefaultLimits = Limits{
	MaxThinkingBytes: 4 * 1024 * 1024,
	MaxBlocks:        256,
}

type openBlock struct {
	index int
	kind  canonical.BlockKind
	ref   string // tool accumulator key for tool_use blocks
}

type toolState struct {
	ref     string
	seq     int // first-seen order, for deterministic flushing
	index   int
	call    canonical.ToolCall
	started bool
	closed  bool

	// Argument fragments held while another call's block is open. They are
	// emitted under this call's own block once the stream allows it, so one
	// call's JSON is never split across indices.
	pending strings.Builder
}

// Session tracks one stream's reconciliation state. Block indices are
// assigned once and strictly increase; at most one block is open at a time;
// exactly one message_finish terminates the sequence.
type Session struct {
	id     string
	limits Limits

	nextIndex int
	open      *openBlock

	thinking         strings.Builder
	thinkingSig      string
	thinkingClosed   bool
	pendingText      strings.Builder
	hasPendingText   bool
	tools            map[string]*toolState
	toolSeq          int
	outputText       strings.Builder
	producedContent  bool
	finished         bool
	err              error
	sawBackendFinish bool
	finishReason     canonical.FinishReason
	usage            *canonical.Usage
}

func NewSession(id string, limits Limits) *Session {
	if limits.MaxThinkingBytes <= 0 {
		limits.MaxThinkingBytes = DefaultLimits.MaxThinkingBytes
	}
	if limits.MaxBlocks <= 0 {
		limits.MaxBlocks = DefaultLimits.MaxBlocks
	}
	return &Session{
		id:           id,
		limits:       limits,
		finishReason: canonical.FinishStop,
		tools:        make(map[string]*toolState, 2),
	}
}

// Err returns the session-level error, if the session ended abnormally.
func (s *Session) Err() error { return s.err }

// Finished reports whether the terminal event has been emitted.
func (s *Session) Finished() bool { return s.finished }

// Push feeds one backend event and returns the canonical events it unlocks.
// Events arriving after the terminal event are discarded.
func (s *Session) Push(ev canonical.BackendEvent) []canonical.StreamEvent {
	if s.finished {
		log.Debugf("reconcile %s: event %s after finish, discarded", s.id, ev.Type)
		return nil
	}

	var out []canonical.StreamEvent
	switch ev.Type {
	case canonical.BackendThinking:
		out = s.onThinking(ev.Thinking)
	case canonical.BackendSignature:
		s.onSignature(ev.Signature)
	case canonical.BackendText:
		out = s.onText(ev.Text)
	case canonical.BackendToolCall:
		out = s.onToolCall(ev)
	case canonical.BackendFinish:
		out = s.onFinish(ev)
	}
	if s.err != nil && !s.finished {
		out = append(out, s.terminate(canonical.FinishError)...)
	}
	return out
}

func (s *Session) onThinking(text string) []canonical.StreamEvent {
	if text == "" {
		return nil
	}
	if s.thinkingClosed {
		// Backend quirk: reasoning after answer content already started.
		// Reopening the closed thinking block would violate the single-open-
		// block ordering, so the fragment folds into the current block kind.
		log.Warnf("reconcile %s: late thinking fragment after thinking closed, folding", s.id)
		return s.foldLateThinking(text)
	}
	if s.thinking.Len()+len(text) > s.limits.MaxThinkingBytes {
		s.err = canonical.ErrSafetyLimitExceeded
		log.Errorf("reconcile %s: thinking accumulator exceeded %d bytes", s.id, s.limits.MaxThinkingBytes)
		return nil
	}
	s.thinking.WriteString(text)

	var out []canonical.StreamEvent
	if s.open == nil || s.open.kind != canonical.BlockThinking {
		out = append(out, s.closeOpen()...)
		out = append(out, s.flushPendingTools()...)
		start, ok := s.startBlock(canonical.BlockThinking, "")
		if !ok {
			return out
		}
		out = append(out, start...)
	}
	out = append(out, canonical.StreamEvent{
		Type:  canonical.EventThinkingDelta,
		Index: s.open.index,
		Text:  text,
	})
	return out
}

func (s *Session) onSignature(sig string) {
	// A backend-supplied signature is kept only while its thinking block can
	// still use it; the closing path prefers it over the synthesized one.
	if sig != "" && !s.thinkingClosed {
		s.thinkingSig = sig
	}
}

func (s *Session) onText(text string) []canonical.StreamEvent {
	if text == "" {
		return nil
	}
	// Thinking precedes answer content: while a thinking block is open the
	// text is buffered, and flushes in order once thinking closes.
	if s.open != nil && s.open.kind == canonical.BlockThinking {
		s.pendingText.WriteString(text)
		s.hasPendingText = true
		return s.drainPending()
	}
	s.outputText.WriteString(text)

	var out []canonical.StreamEvent
	if s.open == nil || s.open.kind != canonical.BlockText {
		out = append(out, s.closeOpen()...)
		out = append(out, s.flushPendingTools()...)
		start, ok := s.startBlock(canonical.BlockText, "")
		if !ok {
			return out
		}
		out = append(out, start...)
	}
	out = append(out, canonical.StreamEvent{
		Type:  canonical.EventTextDelta,
		Index: s.open.index,
		Text:  text,
	})
	return out
}

// drainPending closes the open thinking block and replays buffered text.
func (s *Session) drainPending() []canonical.StreamEvent {
	out := s.closeOpen()
	if !s.hasPendingText {
		return out
	}
	text := s.pendingText.String()
	s.pendingText.Reset()
	s.hasPendingText = false
	return append(out, s.onText(text)...)
}

func (s *Session) onToolCall(ev canonical.BackendEvent) []canonical.StreamEvent {
	ref := ev.ToolRef
	if ref == "" {
		ref = ev.ToolID
	}
	if ref == "" {
		log.Warnf("reconcile %s: tool fragment without ref, skipped", s.id)
		return nil
	}

	var out []canonical.StreamEvent
	// Tool fragments interrupt thinking the same way text does.
	if s.open != nil && s.open.kind == canonical.BlockThinking {
		out = append(out, s.drainPending()...)
		if s.finished || s.err != nil {
			return out
		}
	}

	ts, known := s.tools[ref]
	if !known {
		ts = &toolState{ref: ref, seq: s.toolSeq, call: canonical.ToolCall{ID: ev.ToolID, Name: ev.ToolName}}
		s.toolSeq++
		if ts.call.ID == "" {
			ts.call.ID = "call_" + s.id + "_" + ref
		}
		s.tools[ref] = ts
	} else {
		if ev.ToolID != "" && ts.call.ID == "" {
			ts.call.ID = ev.ToolID
		}
		if ev.ToolName != "" && ts.call.Name == "" {
			ts.call.Name = ev.ToolName
		}
	}

	if ev.ArgsFragment != "" {
		ts.call.Arguments += ev.ArgsFragment
	}

	// A stopped index cannot reopen, so fragments arriving after this call's
	// block closed stay buffered until the flush path re-emits them.
	if ts.closed {
		if ev.ArgsFragment != "" {
			log.Warnf("reconcile %s: tool %s fragment after its block closed, buffered", s.id, ref)
			ts.pending.WriteString(ev.ArgsFragment)
		}
		return out
	}

	// Interleaved calls each keep exactly one block. While another call's
	// block is open this call's fragments accumulate, and stream later under
	// its own index once the open block closes.
	if s.open != nil && s.open.kind == canonical.BlockToolUse && s.open.ref != ref {
		if ev.ArgsFragment != "" {
			ts.pending.WriteString(ev.ArgsFragment)
		}
		return out
	}

	if s.open == nil || s.open.kind != canonical.BlockToolUse {
		out = append(out, s.closeOpen()...)
		started, ok := s.openToolBlock(ts)
		if !ok {
			return out
		}
		out = append(out, started...)
	}

	if ts.pending.Len() > 0 {
		out = append(out, s.toolDelta(ts, ts.pending.String()))
		ts.pending.Reset()
	}
	if ev.ArgsFragment != "" {
		out = append(out, s.toolDelta(ts, ev.ArgsFragment))
	}
	return out
}

func (s *Session) openToolBlock(ts *toolState) ([]canonical.StreamEvent, bool) {
	start, ok := s.startBlock(canonical.BlockToolUse, ts.ref)
	if !ok {
		return nil, false
	}
	ts.index = s.open.index
	ts.started = true
	ts.closed = false
	start[0].ToolCall = &canonical.ToolCall{ID: ts.call.ID, Name: ts.call.Name}
	return start, true
}

func (s *Session) toolDelta(ts *toolState, fragment string) canonical.StreamEvent {
	return canonical.StreamEvent{
		Type:     canonical.EventToolArgumentDelta,
		Index:    ts.index,
		ToolCall: &canonical.ToolCall{ID: ts.call.ID, Name: ts.call.Name},
		Fragment: fragment,
	}
}

// flushPendingTools streams calls whose fragments were buffered while another
// block was open. Each flushes in first-seen order under one fresh block.
func (s *Session) flushPendingTools() []canonical.StreamEvent {
	var waiting []*toolState
	for _, ts := range s.tools {
		if !ts.started || ts.pending.Len() > 0 {
			waiting = append(waiting, ts)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].seq < waiting[j].seq })
	var out []canonical.StreamEvent
	for _, ts := range waiting {
		if ts.closed {
			log.Warnf("reconcile %s: tool %s late fragments re-emitted under a new block", s.id, ts.ref)
		}
		started, ok := s.openToolBlock(ts)
		if !ok {
			return out
		}
		out = append(out, started...)
		if ts.pending.Len() > 0 {
			out = append(out, s.toolDelta(ts, ts.pending.String()))
			ts.pending.Reset()
		}
		out = append(out, s.closeOpen()...)
	}
	return out
}

func (s *Session) onFinish(ev canonical.BackendEvent) []canonical.StreamEvent {
	s.sawBackendFinish = true
	if ev.Finish != "" {
		s.finishReason = ev.Finish
	}
	if ev.Usage != nil {
		s.usage = ev.Usage
	}
	return s.terminate(s.finishReason)
}

// End finalizes the session at transport end-of-stream. Streams that never
// sent an explicit finish signal still terminate with exactly one finish.
func (s *Session) End() []canonical.StreamEvent {
	if s.finished {
		return nil
	}
	reason := s.finishReason
	if !s.sawBackendFinish && len(s.tools) > 0 {
		reason = canonical.FinishToolUse
	}
	return s.terminate(reason)
}

// Fail finalizes the session after a transport-level error. The client gets
// a flushed, protocol-valid sequence ending in an error finish instead of a
// silently truncated stream.
func (s *Session) Fail(err error) []canonical.StreamEvent {
	if s.finished {
		return nil
	}
	s.err = err
	log.WithError(err).Errorf("reconcile %s: backend transport failure", s.id)
	return s.terminate(canonical.FinishError)
}

func (s *Session) terminate(reason canonical.FinishReason) []canonical.StreamEvent {
	out := s.drainPending()
	out = append(out, s.closeOpen()...)
	out = append(out, s.flushPendingTools()...)

	// Never hand the client a contentless assistant message.
	if !s.producedContent {
		out = append(out,
			canonical.StreamEvent{Type: canonical.EventBlockStart, Index: s.nextIndex, Kind: canonical.BlockText},
			canonical.StreamEvent{Type: canonical.EventBlockStop, Index: s.nextIndex},
		)
		s.nextIndex++
	}

	if len(s.tools) > 0 && reason == canonical.FinishStop {
		reason = canonical.FinishToolUse
	}
	usage := s.usage
	if usage == nil {
		usage = &canonical.Usage{
			OutputTokens: tokencount.Estimate(s.outputText.String() + s.thinking.String()),
		}
	}
	out = append(out, canonical.StreamEvent{
		Type:   canonical.EventMessageFinish,
		Finish: reason,
		Usage:  usage,
	})
	s.finished = true
	return out
}

// Tools returns the fully reconstructed calls in first-seen order.
func (s *Session) Tools() []canonical.ToolCall {
	if len(s.tools) == 0 {
		return nil
	}
	states := make([]*toolState, 0, len(s.tools))
	for _, ts := range s.tools {
		states = append(states, ts)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	out := make([]canonical.ToolCall, len(states))
	for i, ts := range states {
		out[i] = ts.call
	}
	return out
}

func (s *Session) startBlock(kind canonical.BlockKind, ref string) ([]canonical.StreamEvent, bool) {
	if s.nextIndex >= s.limits.MaxBlocks {
		s.err = canonical.ErrSafetyLimitExceeded
		log.Errorf("reconcile %s: block count exceeded %d", s.id, s.limits.MaxBlocks)
		return nil, false
	}
	s.open = &openBlock{index: s.nextIndex, kind: kind, ref: ref}
	s.nextIndex++
	s.producedContent = true
	return []canonical.StreamEvent{{
		Type:  canonical.EventBlockStart,
		Index: s.open.index,
		Kind:  kind,
	}}, true
}

// closeOpen stops the open block, emitting the thinking signature first when
// a thinking block closes. Destination protocols that require a signature to
// mark thinking complete get a deterministic one even when the backend never
// supplied it.
func (s *Session) closeOpen() []canonical.StreamEvent {
	if s.open == nil {
		return nil
	}
	var out []canonical.StreamEvent
	if s.open.kind == canonical.BlockThinking {
		sig := s.thinkingSig
		if sig == "" {
			sig = s.synthesizeSignature()
		}
		out = append(out, canonical.StreamEvent{
			Type:      canonical.EventThinkingSignature,
			Index:     s.open.index,
			Signature: sig,
		})
		s.thinkingClosed = true
	}
	if s.open.kind == canonical.BlockToolUse {
		if ts, ok := s.tools[s.open.ref]; ok {
			ts.closed = true
		}
	}
	out = append(out, canonical.StreamEvent{
		Type:  canonical.EventBlockStop,
		Index: s.open.index,
	})
	s.open = nil
	return out
}

func (s *Session) foldLateThinking(text string) []canonical.StreamEvent {
	if s.open != nil {
		switch s.open.kind {
		case canonical.BlockText:
			return s.onText(text)
		case canonical.BlockToolUse:
			// Folding free text into argument JSON would corrupt the call;
			// the fragment is dropped, matching ordering over fidelity.
			log.Warnf("reconcile %s: late thinking during tool block dropped", s.id)
			return nil
		}
	}
	return s.onText(text)
}

func (s *Session) synthesizeSignature() string {
	sum := sha256.Sum256([]byte(s.id + s.thinking.String()))
	return hex.EncodeToString(sum[:])
}
