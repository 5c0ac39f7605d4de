// Package gemini implements the generateContent codec: request decoding and
// encoding, stream decoding for both SSE and raw JSON-array framing, stream
// encoding, and the non-streaming response shape.
//
// The protocol has no tool-call ids; calls are generated an id at decode time
// and results are matched back by function name.
package gemini

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	"github.com/nvkh/llmbridge/internal/wire"
)

// DecodeRequest parses a generateContent request body. The model comes from
// the URL path, not the body, so the caller passes it in.
func DecodeRequest(model string, body []byte) (*canonical.Request, error) {
	if model == "" {
		return nil, canonical.InvalidRequestf("model is required")
	}
	if !gjson.ValidBytes(body) {
		return nil, canonical.InvalidRequestf("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &canonical.Request{Model: model}

	if gc := root.Get("generationConfig"); gc.Exists() {
		if v := gc.Get("maxOutputTokens"); v.Exists() {
			n := int(v.Int())
			req.MaxTokens = &n
		}
		if v := gc.Get("temperature"); v.Exists() {
			f := v.Float()
			req.Temperature = &f
		}
		if v := gc.Get("topP"); v.Exists() {
			f := v.Float()
			req.TopP = &f
		}
		if v := gc.Get("topK"); v.Exists() {
			n := int(v.Int())
			req.TopK = &n
		}
		for _, s := range gc.Get("stopSequences").Array() {
			req.StopSequences = append(req.StopSequences, s.String())
		}
		if tc := gc.Get("thinkingConfig"); tc.Exists() {
			req.Thinking = &canonical.ThinkingConfig{
				Enabled: tc.Get("includeThoughts").Bool() || tc.Get("thinkingBudget").Int() > 0,
				Budget:  int(tc.Get("thinkingBudget").Int()),
			}
		}
	}

	if si := root.Get("systemInstruction"); si.Exists() {
		if text := partsText(si.Get("parts")); text != "" {
			req.Messages = append(req.Messages, canonical.Message{
				Role:    canonical.RoleSystem,
				Content: []canonical.ContentPart{{Type: canonical.ContentTypeText, Text: text}},
			})
		}
	}

	// Calls get generated ids; results are matched back to the latest call
	// with the same function name.
	callIDs := map[string]string{}
	var decodeErr error
	root.Get("contents").ForEach(func(_, content gjson.Result) bool {
		msg, err := decodeContent(content, callIDs)
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

	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		tool.Get("functionDeclarations").ForEach(func(_, fd gjson.Result) bool {
			def := canonical.ToolDefinition{
				Name:        fd.Get("name").String(),
				Description: fd.Get("description").String(),
			}
			if params := fd.Get("parameters"); params.Exists() {
				def.Parameters = toMap(params)
			}
			req.Tools = append(req.Tools, def)
			return true
		})
		return true
	})

	if fcc := root.Get("toolConfig.functionCallingConfig"); fcc.Exists() {
		switch fcc.Get("mode").String() {
		case "AUTO":
			req.ToolChoice = "auto"
		case "NONE":
			req.ToolChoice = "none"
		case "ANY":
			req.ToolChoice = "required"
			if names := fcc.Get("allowedFunctionNames").Array(); len(names) == 1 {
				req.ToolChoice = names[0].String()
			}
		}
	}
	return req, nil
}

func decodeContent(content gjson.Result, callIDs map[string]string) (canonical.Message, error) {
	msg := canonical.Message{}
	switch content.Get("role").String() {
	case "model":
		msg.Role = canonical.RoleAssistant
	case "user", "":
		msg.Role = canonical.RoleUser
	default:
		return msg, canonical.InvalidRequestf("unknown content role %q", content.Get("role").String())
	}

	content.Get("parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			name := fc.Get("name").String()
			id := "call_" + uuid.NewString()
			callIDs[name] = id
			call := canonical.ToolCall{
				ID:        id,
				Name:      name,
				Arguments: fc.Get("args").Raw,
			}
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type:    canonical.ContentTypeToolUse,
				ToolUse: &call,
			})
			msg.ToolCalls = append(msg.ToolCalls, call)
		case part.Get("functionResponse").Exists():
			fr := part.Get("functionResponse")
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type: canonical.ContentTypeToolResult,
				ToolResult: &canonical.ToolResult{
					ToolCallID: callIDs[fr.Get("name").String()],
					Content:    fr.Get("response").Raw,
				},
			})
		case part.Get("thought").Bool():
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type:      canonical.ContentTypeThinking,
				Thinking:  part.Get("text").String(),
				Signature: part.Get("thoughtSignature").String(),
			})
		case part.Get("text").Exists():
			msg.Content = append(msg.Content, canonical.ContentPart{
				Type: canonical.ContentTypeText,
				Text: part.Get("text").String(),
			})
		}
		return true
	})
	return msg, nil
}

func partsText(parts gjson.Result) string {
	var out []string
	parts.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text").String(); t != "" {
			out = append(out, t)
		}
		return true
	})
	return strings.Join(out, "\n")
}

func toMap(v gjson.Result) map[string]any {
	m := map[string]any{}
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// EncodeRequest renders a canonical request as a streamGenerateContent
// backend call.
func EncodeRequest(req *canonical.Request, baseURL, apiKey string, caps canonical.Capabilities) (*wire.Request, error) {
	if req.Thinking != nil && req.Thinking.Enabled && !caps.Thinking {
		return nil, canonical.UnsupportedCapabilityf("backend does not support thinking")
	}

	body := map[string]any{}
	genConfig := map[string]any{}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.TopK != nil {
		genConfig["topK"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		genConfig["stopSequences"] = req.StopSequences
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		tc := map[string]any{"includeThoughts": true}
		if req.Thinking.Budget > 0 {
			tc["thinkingBudget"] = req.Thinking.Budget
		}
		genConfig["thinkingConfig"] = tc
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	var system []string
	var contents []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case canonical.RoleSystem:
			system = append(system, flattenText(msg))
		default:
			content := encodeContent(msg, req.Messages)
			if content != nil {
				contents = append(contents, content)
			}
		}
	}
	if len(system) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n")}},
		}
	}
	body["contents"] = contents

	if tools := canonical.SanitizeTools(req.Tools, caps); len(tools) > 0 {
		decls := make([]map[string]any, len(tools))
		for i, t := range tools {
			d := map[string]any{"name": t.Name}
			if t.Description != "" {
				d["description"] = t.Description
			}
			if t.Parameters != nil {
				d["parameters"] = t.Parameters
			}
			decls[i] = d
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}

		if cfg, err := encodeToolConfig(req.ToolChoice, caps); err != nil {
			return nil, err
		} else if cfg != nil {
			body["toolConfig"] = cfg
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(baseURL, "/") + "/v1beta/models/" + req.Model + ":streamGenerateContent?alt=sse"
	return &wire.Request{
		Method: "POST",
		URL:    url,
		Headers: map[string]string{
			"Content-Type":   "application/json",
			"x-goog-api-key": apiKey,
		},
		Body: raw,
	}, nil
}

func encodeToolConfig(choice string, caps canonical.Capabilities) (map[string]any, error) {
	if choice == "" {
		return nil, nil
	}
	fcc := map[string]any{}
	switch choice {
	case "auto":
		fcc["mode"] = "AUTO"
	case "none":
		fcc["mode"] = "NONE"
	case "required":
		if !caps.SupportsToolChoice("any") {
			return nil, canonical.UnsupportedCapabilityf("backend does not support forced tool choice")
		}
		fcc["mode"] = "ANY"
	default:
		if !caps.SupportsToolChoice("any") {
			return nil, canonical.UnsupportedCapabilityf("backend does not support named tool choice")
		}
		fcc["mode"] = "ANY"
		fcc["allowedFunctionNames"] = []string{choice}
	}
	return map[string]any{"functionCallingConfig": fcc}, nil
}

// encodeContent renders one canonical message as a contents entry. A tool
// result whose originating call name cannot be recovered degrades to a plain
// text part rather than failing the request.
func encodeContent(msg canonical.Message, history []canonical.Message) map[string]any {
	role := "user"
	if msg.Role == canonical.RoleAssistant {
		role = "model"
	}

	var parts []map[string]any
	if msg.Role == canonical.RoleTool {
		parts = append(parts, resultPart(msg.ToolCallID, flattenText(msg), history))
	}
	for _, p := range msg.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			if p.Text != "" {
				parts = append(parts, map[string]any{"text": p.Text})
			}
		case canonical.ContentTypeThinking:
			if p.Thinking == "" {
				continue
			}
			part := map[string]any{"text": p.Thinking, "thought": true}
			if p.Signature != "" {
				part["thoughtSignature"] = p.Signature
			}
			parts = append(parts, part)
		case canonical.ContentTypeToolUse:
			if p.ToolUse == nil {
				continue
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": p.ToolUse.Name,
					"args": argumentsValue(p.ToolUse.Arguments),
				},
			})
		case canonical.ContentTypeToolResult:
			if p.ToolResult == nil {
				continue
			}
			parts = append(parts, resultPart(p.ToolResult.ToolCallID, p.ToolResult.Content, history))
		}
	}
	if msg.Role == canonical.RoleAssistant {
		for _, tc := range msg.ToolCalls {
			if hasCallPart(parts, tc.Name) {
				continue
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": tc.Name,
					"args": argumentsValue(tc.Arguments),
				},
			})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return map[string]any{"role": role, "parts": parts}
}

func resultPart(callID, content string, history []canonical.Message) map[string]any {
	name := canonical.ToolNameByID(history, callID)
	if name == "" {
		return map[string]any{"text": content}
	}
	var response map[string]any
	if err := json.Unmarshal([]byte(content), &response); err != nil || response == nil {
		response = map[string]any{"result": content}
	}
	return map[string]any{
		"functionResponse": map[string]any{
			"name":     name,
			"response": response,
		},
	}
}

func hasCallPart(parts []map[string]any, name string) bool {
	for _, p := range parts {
		if fc, ok := p["functionCall"].(map[string]any); ok && fc["name"] == name {
			return true
		}
	}
	return false
}

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

// EncodeResponse renders the canonical result as a non-streaming
// generateContent body.
func EncodeResponse(resp *canonical.Response) ([]byte, error) {
	var parts []map[string]any
	for _, p := range resp.Message.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			if p.Text != "" {
				parts = append(parts, map[string]any{"text": p.Text})
			}
		case canonical.ContentTypeThinking:
			if p.Thinking == "" {
				continue
			}
			part := map[string]any{"text": p.Thinking, "thought": true}
			if p.Signature != "" {
				part["thoughtSignature"] = p.Signature
			}
			parts = append(parts, part)
		case canonical.ContentTypeToolUse:
			if p.ToolUse == nil {
				continue
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": p.ToolUse.Name,
					"args": argumentsValue(p.ToolUse.Arguments),
				},
			})
		}
	}
	if parts == nil {
		parts = []map[string]any{{"text": ""}}
	}
	return json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finishString(resp.Finish),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		"modelVersion": resp.Model,
	})
}

func finishString(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishLength:
		return "MAX_TOKENS"
	case canonical.FinishContentFilter:
		return "SAFETY"
	case canonical.FinishError:
		return "OTHER"
	default:
		return "STOP"
	}
}
