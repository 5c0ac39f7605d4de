// Package anthropic implements the Messages-protocol codec: request decoding
// and encoding, SSE stream decoding and encoding, and the non-streaming
// response shape.
package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	"github.com/nvkh/llmbridge/internal/wire"
)

const apiVersion = "2023-06-01"

// DecodeRequest parses a Messages-protocol request body into the canonical
// form. Unknown top-level fields are ignored.
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
	if v := root.Get("max_tokens"); v.Exists() {
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
	if v := root.Get("top_k"); v.Exists() {
		n := int(v.Int())
		req.TopK = &n
	}
	for _, s := range root.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	if sys := root.Get("system"); sys.Exists() {
		req.Messages = append(req.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: []canonical.ContentPart{{Type: canonical.ContentTypeText, Text: systemText(sys)}},
		})
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
		def := canonical.ToolDefinition{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if schema := t.Get("input_schema"); schema.Exists() {
			def.Parameters = toMap(schema)
		}
		req.Tools = append(req.Tools, def)
		return true
	})

	if tc := root.Get("tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "auto":
			req.ToolChoice = "auto"
		case "any":
			req.ToolChoice = "required"
		case "none":
			req.ToolChoice = "none"
		case "tool":
			req.ToolChoice = tc.Get("name").String()
		}
	}

	if th := root.Get("thinking"); th.Exists() {
		req.Thinking = &canonical.ThinkingConfig{
			Enabled: th.Get("type").String() == "enabled",
			Budget:  int(th.Get("budget_tokens").Int()),
		}
	}
	return req, nil
}

func decodeMessage(m gjson.Result) (canonical.Message, error) {
	msg := canonical.Message{}
	switch m.Get("role").String() {
	case "user":
		msg.Role = canonical.RoleUser
	case "assistant":
		msg.Role = canonical.RoleAssistant
	default:
		return msg, canonical.InvalidRequestf("unknown message role %q", m.Get("role").String())
	}

	content := m.Get("content")
	if content.Type == gjson.String {
		msg.Content = []canonical.ContentPart{{Type: canonical.ContentTypeText, Text: content.String()}}
		return msg, nil
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type: canonical.ContentTypeText,
				Text: block.Get("text").String(),
			})
		case "thinking":
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type:      canonical.ContentTypeThinking,
				Thinking:  block.Get("thinking").String(),
				Signature: block.Get("signature").String(),
			})
		case "tool_use":
			call := canonical.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			}
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type:    canonical.ContentTypeToolUse,
				ToolUse: &call,
			})
			msg.ToolCalls = append(msg.ToolCalls, call)
		case "tool_result":
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type: canonical.ContentTypeToolResult,
				ToolResult: &canonical.ToolResult{
					ToolCallID: block.Get("tool_use_id").String(),
					Content:    resultText(block.Get("content")),
				},
			})
		}
		return true
	})
	return msg, nil
}

// systemText flattens the system field, which may be a plain string or an
// array of text blocks.
func systemText(sys gjson.Result) string {
	if sys.Type == gjson.String {
		return sys.String()
	}
	var parts []string
	sys.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// resultText flattens tool_result content, which may be a string or an array
// of text blocks.
func resultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func toMap(v gjson.Result) map[string]any {
	m := map[string]any{}
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// EncodeRequest renders a canonical request as a Messages-protocol backend
// call. Tool schemas are sanitized for the target's capabilities; system
// messages hoist into the top-level system field.
func EncodeRequest(req *canonical.Request, baseURL, apiKey string, caps canonical.Capabilities) (*wire.Request, error) {
	if req.Thinking != nil && req.Thinking.Enabled && !caps.Thinking {
		return nil, canonical.UnsupportedCapabilityf("backend does not support thinking")
	}

	body := map[string]any{
		"model":  req.Model,
		"stream": true,
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	} else {
		// max_tokens is mandatory in this protocol.
		body["max_tokens"] = 4096
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		body["top_k"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		body["stop_sequences"] = req.StopSequences
	}

	var system []string
	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case canonical.RoleSystem:
			system = append(system, flattenText(msg))
		case canonical.RoleTool:
			// A tool-role message from another protocol becomes a user message
			// carrying a tool_result block.
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     flattenText(msg),
				}},
			})
		default:
			encoded, err := encodeMessage(msg)
			if err != nil {
				return nil, err
			}
			messages = append(messages, encoded)
		}
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n")
	}
	body["messages"] = messages

	thinking := req.Thinking != nil && req.Thinking.Enabled
	if thinking {
		tc := map[string]any{"type": "enabled"}
		if req.Thinking.Budget > 0 {
			tc["budget_tokens"] = req.Thinking.Budget
		}
		body["thinking"] = tc
	}

	if tools := canonical.SanitizeTools(req.Tools, caps); len(tools) > 0 {
		encoded := make([]map[string]any, len(tools))
		for i, t := range tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			encoded[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			}
		}
		body["tools"] = encoded

		if choice, err := encodeToolChoice(req.ToolChoice, thinking, caps); err != nil {
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
		URL:    strings.TrimSuffix(baseURL, "/") + "/v1/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": apiVersion,
		},
		Body: raw,
	}, nil
}

// encodeToolChoice maps the canonical choice. Extended thinking only works
// with auto tool selection, so a forced choice degrades to auto while
// thinking is on.
func encodeToolChoice(choice string, thinking bool, caps canonical.Capabilities) (map[string]any, error) {
	if choice == "" {
		return nil, nil
	}
	if thinking && choice != "auto" && choice != "none" {
		return map[string]any{"type": "auto"}, nil
	}
	switch choice {
	case "auto":
		return map[string]any{"type": "auto"}, nil
	case "none":
		return map[string]any{"type": "none"}, nil
	case "required":
		if !caps.SupportsToolChoice("any") {
			return nil, canonical.UnsupportedCapabilityf("backend does not support forced tool choice")
		}
		return map[string]any{"type": "any"}, nil
	default:
		if !caps.SupportsToolChoice("tool") {
			return nil, canonical.UnsupportedCapabilityf("backend does not support named tool choice")
		}
		return map[string]any{"type": "tool", "name": choice}, nil
	}
}

func encodeMessage(msg canonical.Message) (map[string]any, error) {
	role := "user"
	if msg.Role == canonical.RoleAssistant {
		role = "assistant"
	}
	var blocks []map[string]any
	for _, p := range msg.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case canonical.ContentTypeThinking:
			blocks = append(blocks, map[string]any{
				"type":      "thinking",
				"thinking":  p.Thinking,
				"signature": p.Signature,
			})
		case canonical.ContentTypeToolUse:
			if p.ToolUse == nil {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolUse.ID,
				"name":  p.ToolUse.Name,
				"input": argumentsValue(p.ToolUse.Arguments),
			})
		case canonical.ContentTypeToolResult:
			if p.ToolResult == nil {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResult.ToolCallID,
				"content":     p.ToolResult.Content,
			})
		}
	}
	// Assistant tool calls carried only in the ToolCalls mirror (OpenAI-origin
	// messages) still need tool_use blocks.
	if msg.Role == canonical.RoleAssistant {
		for _, tc := range msg.ToolCalls {
			if hasToolUseBlock(blocks, tc.ID) {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": argumentsValue(tc.Arguments),
			})
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, map[string]any{"type": "text", "text": ""})
	}
	return map[string]any{"role": role, "content": blocks}, nil
}

func hasToolUseBlock(blocks []map[string]any, id string) bool {
	for _, b := range blocks {
		if b["type"] == "tool_use" && b["id"] == id {
			return true
		}
	}
	return false
}

// argumentsValue parses accumulated argument JSON into a structured value.
// Incomplete or empty argument text becomes an empty object rather than
// failing the whole request.
func argumentsValue(args string) any {
	if strings.TrimSpace(args) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return map[string]any{}
	}
	return v
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

// EncodeResponse renders the canonical result as a non-streaming Messages
// response body.
func EncodeResponse(resp *canonical.Response) ([]byte, error) {
	var content []map[string]any
	for _, p := range resp.Message.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case canonical.ContentTypeThinking:
			content = append(content, map[string]any{
				"type":      "thinking",
				"thinking":  p.Thinking,
				"signature": p.Signature,
			})
		case canonical.ContentTypeToolUse:
			if p.ToolUse == nil {
				continue
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolUse.ID,
				"name":  p.ToolUse.Name,
				"input": argumentsValue(p.ToolUse.Arguments),
			})
		}
	}
	if content == nil {
		content = []map[string]any{{"type": "text", "text": ""}}
	}
	return json.Marshal(map[string]any{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   stopReason(resp.Finish),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})
}

func stopReason(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolUse:
		return "tool_use"
	case canonical.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}
