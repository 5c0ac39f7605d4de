// Package openai implements the Chat Completions codec: request decoding and
// encoding, chunk stream decoding and encoding, and the non-streaming
// response shape.
package openai

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	"github.com/nvkh/llmbridge/internal/wire"
)

// Reasoning-effort token budgets. The effort names are coarse; the budget is
// what the canonical form carries.
const (
	budgetLow    = 1024
	budgetMedium = 8192
	budgetHigh   = 24576
)

// DecodeRequest parses a Chat Completions request body into the canonical
// form.
func DecodeRequest(body []byte) (*canonical.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, canonical.InvalidRequestf("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	model := root.Get("model").String()
	if model == "" {
		return nil, canonical.InvalidRequestf("model is required")
	}

	req := &canonical.Request{
		Model:  model,
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	} else if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				req.StopSequences = append(req.StopSequences, s.String())
			}
		} else {
			req.StopSequences = append(req.StopSequences, stop.String())
		}
	}
	if effort := root.Get("reasoning_effort").String(); effort != "" && effort != "none" {
		req.Thinking = &canonical.ThinkingConfig{Enabled: true, Budget: effortBudget(effort)}
	}

	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return nil, canonical.InvalidRequestf("messages must be an array")
	}
	var decodeErr error
	msgs.ForEach(func(_, m gjson.Result) bool {
		msg, err := decodeMessage(m)
		if err != nil {
			decodeErr = err
			return false
		}
		req.Messages = append(req.Messages, msg)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		def := canonical.ToolDefinition{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			def.Parameters = toMap(params)
		}
		req.Tools = append(req.Tools, def)
		return true
	})

	if tc := root.Get("tool_choice"); tc.Exists() {
		if tc.Type == gjson.String {
			req.ToolChoice = tc.String() // auto, none, required
		} else if name := tc.Get("function.name").String(); name != "" {
			req.ToolChoice = name
		}
	}
	return req, nil
}

func decodeMessage(m gjson.Result) (canonical.Message, error) {
	msg := canonical.Message{}
	switch m.Get("role").String() {
	case "system", "developer":
		msg.Role = canonical.RoleSystem
	case "user":
		msg.Role = canonical.RoleUser
	case "assistant":
		msg.Role = canonical.RoleAssistant
	case "tool":
		msg.Role = canonical.RoleTool
		msg.ToolCallID = m.Get("tool_call_id").String()
	default:
		return msg, canonical.InvalidRequestf("unknown message role %q", m.Get("role").String())
	}

	content := m.Get("content")
	switch {
	case content.Type == gjson.String:
		if content.String() != "" || msg.Role != canonical.RoleAssistant {
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type: canonical.ContentTypeText,
				Text: content.String(),
			})
		}
	case content.IsArray():
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				msg.Content = append(msg.Content, canonical.ContentPart{
					Type: canonical.ContentTypeText,
					Text: part.Get("text").String(),
				})
			}
			return true
		})
	}

	if rc := m.Get("reasoning_content").String(); rc != "" {
		// Prior-turn reasoning precedes the answer text.
		msg.Content = append([]canonical.ContentPart{{
			Type:     canonical.ContentTypeThinking,
			Thinking: rc,
		}}, msg.Content...)
	}

	m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		call := canonical.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
		msg.Content = append(msg.Content, canonical.ContentPart{
			Type:    canonical.ContentTypeToolUse,
			ToolUse: &call,
		})
		return true
	})
	return msg, nil
}

func toMap(v gjson.Result) map[string]any {
	m := map[string]any{}
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func effortBudget(effort string) int {
	switch effort {
	case "low", "minimal":
		return budgetLow
	case "high":
		return budgetHigh
	default:
		return budgetMedium
	}
}

func budgetEffort(budget int) string {
	switch {
	case budget <= 0:
		return "medium"
	case budget <= budgetLow:
		return "low"
	case budget <= budgetMedium:
		return "medium"
	default:
		return "high"
	}
}

// EncodeRequest renders a canonical request as a Chat Completions backend
// call.
func EncodeRequest(req *canonical.Request, baseURL, apiKey string, caps canonical.Capabilities) (*wire.Request, error) {
	if req.Thinking != nil && req.Thinking.Enabled && !caps.Thinking {
		return nil, canonical.UnsupportedCapabilityf("backend does not support thinking")
	}

	body := map[string]any{
		"model":          req.Model,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens != nil {
		body["max_completion_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		body["reasoning_effort"] = budgetEffort(req.Thinking.Budget)
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		messages = append(messages, encodeMessages(msg)...)
	}
	body["messages"] = messages

	if tools := canonical.SanitizeTools(req.Tools, caps); len(tools) > 0 {
		encoded := make([]map[string]any, len(tools))
		for i, t := range tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if t.Parameters != nil {
				fn["parameters"] = t.Parameters
			}
			encoded[i] = map[string]any{"type": "function", "function": fn}
		}
		body["tools"] = encoded

		if choice, err := encodeToolChoice(req.ToolChoice, caps); err != nil {
			return nil, err
		} else if choice != nil {
			body["tool_choice"] = choice
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &wire.Request{
		Method: "POST",
		URL:    strings.TrimSuffix(baseURL, "/") + "/v1/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + apiKey,
		},
		Body: raw,
	}, nil
}

func encodeToolChoice(choice string, caps canonical.Capabilities) (any, error) {
	switch choice {
	case "":
		return nil, nil
	case "auto", "none":
		return choice, nil
	case "required":
		if !caps.SupportsToolChoice("required") {
			return nil, canonical.UnsupportedCapabilityf("backend does not support forced tool choice")
		}
		return choice, nil
	default:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice},
		}, nil
	}
}

// encodeMessages renders one canonical message as one or more wire messages.
// Tool results embedded in user content split out into tool-role messages; a
// result whose call id is unknown degrades to plain user text.
func encodeMessages(msg canonical.Message) []map[string]any {
	switch msg.Role {
	case canonical.RoleSystem:
		return []map[string]any{{"role": "system", "content": flattenText(msg)}}
	case canonical.RoleTool:
		return []map[string]any{{
			"role":         "tool",
			"tool_call_id": msg.ToolCallID,
			"content":      flattenText(msg),
		}}
	case canonical.RoleAssistant:
		return []map[string]any{encodeAssistant(msg)}
	}

	var out []map[string]any
	var text []string
	flush := func() {
		if len(text) > 0 {
			out = append(out, map[string]any{"role": "user", "content": strings.Join(text, "\n")})
			text = nil
		}
	}
	for _, p := range msg.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			if p.Text != "" {
				text = append(text, p.Text)
			}
		case canonical.ContentTypeToolResult:
			if p.ToolResult == nil {
				continue
			}
			if p.ToolResult.ToolCallID == "" {
				text = append(text, p.ToolResult.Content)
				continue
			}
			flush()
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": p.ToolResult.ToolCallID,
				"content":      p.ToolResult.Content,
			})
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, map[string]any{"role": "user", "content": ""})
	}
	return out
}

func encodeAssistant(msg canonical.Message) map[string]any {
	m := map[string]any{"role": "assistant"}
	if text := flattenText(msg); text != "" {
		m["content"] = text
	}
	calls := msg.ToolCalls
	if len(calls) == 0 {
		for _, p := range msg.Content {
			if p.Type == canonical.ContentTypeToolUse && p.ToolUse != nil {
				calls = append(calls, *p.ToolUse)
			}
		}
	}
	if len(calls) > 0 {
		encoded := make([]map[string]any, len(calls))
		for i, tc := range calls {
			args := tc.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			encoded[i] = map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": args,
				},
			}
		}
		m["tool_calls"] = encoded
	}
	if m["content"] == nil && m["tool_calls"] == nil {
		m["content"] = ""
	}
	return m
}

func flattenText(msg canonical.Message) string {
	var parts []string
	for _, p := range msg.Content {
		if p.Type == canonical.ContentTypeText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// EncodeResponse renders the canonical result as a non-streaming Chat
// Completions body.
func EncodeResponse(resp *canonical.Response) ([]byte, error) {
	message := map[string]any{"role": "assistant"}
	var text, thinking []string
	for _, p := range resp.Message.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			text = append(text, p.Text)
		case canonical.ContentTypeThinking:
			thinking = append(thinking, p.Thinking)
		}
	}
	message["content"] = strings.Join(text, "")
	if len(thinking) > 0 {
		message["reasoning_content"] = strings.Join(thinking, "")
	}
	if len(resp.Message.ToolCalls) > 0 {
		calls := make([]map[string]any, len(resp.Message.ToolCalls))
		for i, tc := range resp.Message.ToolCalls {
			calls[i] = map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			}
		}
		message["tool_calls"] = calls
	}

	return json.Marshal(map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishString(resp.Finish),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
}

func finishString(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishLength:
		return "length"
	case canonical.FinishToolUse:
		return "tool_calls"
	case canonical.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}
