package canonical

// ResponseBuilder accumulates canonical stream events into one final
// Response for non-streaming clients. The same event sequence drives both
// paths, so the builder relies on the reconciler's ordering invariants and
// keeps no defensive state of its own.
type ResponseBuilder struct {
	resp     Response
	finished bool
}

func NewResponseBuilder(id, model string) *ResponseBuilder {
	return &ResponseBuilder{resp: Response{
		ID:      id,
		Model:   model,
		Message: Message{Role: RoleAssistant},
		Finish:  FinishStop,
	}}
}

// Add consumes one event. Events after message_finish are ignored.
func (b *ResponseBuilder) Add(ev StreamEvent) {
	if b.finished {
		return
	}
	msg := &b.resp.Message
	switch ev.Type {
	case EventBlockStart:
		switch ev.Kind {
		case BlockText:
			msg.Content = append(msg.Content, ContentPart{Type: ContentTypeText})
		case BlockThinking:
			msg.Content = append(msg.Content, ContentPart{Type: ContentTypeThinking})
		case BlockToolUse:
			tc := ToolCall{}
			if ev.ToolCall != nil {
				tc.ID, tc.Name = ev.ToolCall.ID, ev.ToolCall.Name
			}
			msg.Content = append(msg.Content, ContentPart{Type: ContentTypeToolUse, ToolUse: &tc})
		}
	case EventTextDelta:
		if p := b.last(ContentTypeText); p != nil {
			p.Text += ev.Text
		}
	case EventThinkingDelta:
		if p := b.last(ContentTypeThinking); p != nil {
			p.Thinking += ev.Text
		}
	case EventThinkingSignature:
		if p := b.last(ContentTypeThinking); p != nil {
			p.Signature = ev.Signature
		}
	case EventToolArgumentDelta:
		if p := b.last(ContentTypeToolUse); p != nil {
			p.ToolUse.Arguments += ev.Fragment
		}
	case EventMessageFinish:
		b.resp.Finish = ev.Finish
		if ev.Usage != nil {
			b.resp.Usage = *ev.Usage
		}
		b.finished = true
	}
}

func (b *ResponseBuilder) last(t ContentType) *ContentPart {
	for i := len(b.resp.Message.Content) - 1; i >= 0; i-- {
		if b.resp.Message.Content[i].Type == t {
			return &b.resp.Message.Content[i]
		}
	}
	return nil
}

// Response returns the accumulated result. Tool calls are mirrored into the
// message's ToolCalls for encoders that want them separate from content.
func (b *ResponseBuilder) Response() *Response {
	msg := &b.resp.Message
	msg.ToolCalls = msg.ToolCalls[:0]
	for _, p := range msg.Content {
		if p.Type == ContentTypeToolUse && p.ToolUse != nil {
			msg.ToolCalls = append(msg.ToolCalls, *p.ToolUse)
		}
	}
	return &b.resp
}
