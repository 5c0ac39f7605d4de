package canonical

import "sort"

// Capabilities describes what a backend supports. Encoders consult this
// descriptor instead of string-matching on model names.
type Capabilities struct {
	Thinking        bool
	ToolChoiceModes []string
	Schema          SchemaCapabilities
}

// SchemaCapabilities is the JSON-schema vocabulary subset a backend accepts.
type SchemaCapabilities struct {
	// Const reports whether the backend understands the const keyword.
	// When false, const is rewritten to a one-element enum.
	Const bool
	// Nullable rewrites type:[T,"null"] unions to type:T plus nullable:true
	// for backends (Gemini) that use the OpenAPI spelling.
	Nullable bool
	// Formats lists the format values the backend documents. Nil allows all;
	// values outside the list are dropped (format is advisory in JSON Schema).
	Formats []string
	// Strip lists additional advisory keys the backend rejects. Only keys
	// that carry no value-space constraint belong here.
	Strip []string
}

// SupportsToolChoice reports whether mode is an accepted tool-choice mode.
// An empty mode list accepts everything.
func (c Capabilities) SupportsToolChoice(mode string) bool {
	if len(c.ToolChoiceModes) == 0 {
		return true
	}
	for _, m := range c.ToolChoiceModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Keys that never constrain the value space and may always be removed.
var advisoryKeys = map[string]bool{
	"$schema":  true,
	"$id":      true,
	"$comment": true,
	"title":    true,
	"examples": true,
}

// SanitizeTools returns tool definitions whose parameter schemas use only
// the target's documented vocabulary. Pure and idempotent; the inputs are
// never mutated.
func SanitizeTools(tools []ToolDefinition, caps Capabilities) []ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  SanitizeSchema(t.Parameters, caps.Schema),
		}
	}
	return out
}

// SanitizeSchema recursively rewrites a JSON-schema node to the target's
// supported subset. Constraints with a supported equivalent are rewritten
// (const becomes a one-element enum); advisory metadata is dropped;
// narrowing keywords with no safe mapping are retained so the backend's own
// validation surfaces them instead of the gateway changing semantics.
func SanitizeSchema(node map[string]any, caps SchemaCapabilities) map[string]any {
	if node == nil {
		return nil
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		if advisoryKeys[k] || stripped(k, caps.Strip) {
			continue
		}
		out[k] = v
	}

	if cv, ok := out["const"]; ok && !caps.Const {
		delete(out, "const")
		if _, hasEnum := out["enum"]; !hasEnum {
			out["enum"] = []any{cv}
		}
	}

	if fv, ok := out["format"].(string); ok && caps.Formats != nil && !formatAllowed(fv, caps.Formats) {
		delete(out, "format")
	}

	if caps.Nullable {
		if types, ok := out["type"].([]any); ok {
			rewriteNullableType(out, types)
		}
	}

	for _, key := range []string{"properties", "$defs", "definitions"} {
		if m, ok := out[key].(map[string]any); ok {
			out[key] = sanitizeSchemaMap(m, caps)
		}
	}
	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = SanitizeSchema(items, caps)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if list, ok := out[key].([]any); ok {
			out[key] = sanitizeSchemaList(list, caps)
		}
	}
	if ap, ok := out["additionalProperties"].(map[string]any); ok {
		out["additionalProperties"] = SanitizeSchema(ap, caps)
	}
	return out
}

func sanitizeSchemaMap(m map[string]any, caps SchemaCapabilities) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if child, ok := m[k].(map[string]any); ok {
			out[k] = SanitizeSchema(child, caps)
		} else {
			out[k] = m[k]
		}
	}
	return out
}

func sanitizeSchemaList(list []any, caps SchemaCapabilities) []any {
	out := make([]any, len(list))
	for i, v := range list {
		if child, ok := v.(map[string]any); ok {
			out[i] = SanitizeSchema(child, caps)
		} else {
			out[i] = v
		}
	}
	return out
}

// rewriteNullableType turns type:[T,"null"] into type:T + nullable:true.
// Unions over two or more non-null types have no OpenAPI equivalent and are
// left untouched.
func rewriteNullableType(out map[string]any, types []any) {
	var nonNull []any
	sawNull := false
	for _, tv := range types {
		if s, ok := tv.(string); ok && s == "null" {
			sawNull = true
			continue
		}
		nonNull = append(nonNull, tv)
	}
	if !sawNull || len(nonNull) != 1 {
		return
	}
	out["type"] = nonNull[0]
	out["nullable"] = true
}

func formatAllowed(v string, allowed []string) bool {
	for _, f := range allowed {
		if f == v {
			return true
		}
	}
	return false
}

func stripped(key string, strip []string) bool {
	for _, s := range strip {
		if s == key {
			return true
		}
	}
	return false
}
