package canonical

import (
	"reflect"
	"testing"
)

func TestSanitizeSchemaConstRewrite(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"unit": map[string]any{"type": "string", "const": "celsius"},
		},
	}
	out := SanitizeSchema(in, SchemaCapabilities{Const: false})

	unit := out["properties"].(map[string]any)["unit"].(map[string]any)
	if _, ok := unit["const"]; ok {
		t.Fatal("const not removed")
	}
	enum, ok := unit["enum"].([]any)
	if !ok || len(enum) != 1 || enum[0] != "celsius" {
		t.Fatalf("enum = %v, want [celsius]", unit["enum"])
	}
}

func TestSanitizeSchemaConstKeptWhenSupported(t *testing.T) {
	in := map[string]any{"const": 5}
	out := SanitizeSchema(in, SchemaCapabilities{Const: true})
	if out["const"] != 5 {
		t.Fatalf("const = %v, want 5", out["const"])
	}
}

func TestSanitizeSchemaExistingEnumWins(t *testing.T) {
	in := map[string]any{"const": "a", "enum": []any{"a", "b"}}
	out := SanitizeSchema(in, SchemaCapabilities{})
	if got := out["enum"].([]any); len(got) != 2 {
		t.Fatalf("enum overwritten: %v", got)
	}
}

func TestSanitizeSchemaDropsAdvisoryKeys(t *testing.T) {
	in := map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"title":    "Thing",
		"examples": []any{"x"},
		"type":     "string",
	}
	out := SanitizeSchema(in, SchemaCapabilities{})
	for _, k := range []string{"$schema", "title", "examples"} {
		if _, ok := out[k]; ok {
			t.Fatalf("advisory key %q survived", k)
		}
	}
	if out["type"] != "string" {
		t.Fatal("type must survive")
	}
}

func TestSanitizeSchemaRetainsNarrowingKeywords(t *testing.T) {
	in := map[string]any{
		"type":          "string",
		"pattern":       "^[a-z]+$",
		"minLength":     1,
		"maxLength":     10,
		"minimum":       0,
		"multipleOf":    2,
		"propertyNames": map[string]any{"pattern": "^x"},
	}
	out := SanitizeSchema(in, SchemaCapabilities{})
	for k := range in {
		if _, ok := out[k]; !ok {
			t.Fatalf("narrowing keyword %q dropped", k)
		}
	}
}

func TestSanitizeSchemaNullableRewrite(t *testing.T) {
	in := map[string]any{"type": []any{"string", "null"}}
	out := SanitizeSchema(in, SchemaCapabilities{Nullable: true})
	if out["type"] != "string" || out["nullable"] != true {
		t.Fatalf("nullable rewrite failed: %v", out)
	}

	// A two-type union has no rewrite and stays untouched.
	union := map[string]any{"type": []any{"string", "integer", "null"}}
	out = SanitizeSchema(union, SchemaCapabilities{Nullable: true})
	if _, ok := out["nullable"]; ok {
		t.Fatalf("multi-type union rewritten: %v", out)
	}
}

func TestSanitizeSchemaFormatFiltering(t *testing.T) {
	in := map[string]any{"type": "string", "format": "uuid"}
	out := SanitizeSchema(in, SchemaCapabilities{Formats: []string{"enum", "date-time"}})
	if _, ok := out["format"]; ok {
		t.Fatal("unsupported format survived")
	}

	in = map[string]any{"type": "string", "format": "date-time"}
	out = SanitizeSchema(in, SchemaCapabilities{Formats: []string{"enum", "date-time"}})
	if out["format"] != "date-time" {
		t.Fatal("supported format dropped")
	}

	// Nil allowlist accepts everything.
	out = SanitizeSchema(map[string]any{"format": "uuid"}, SchemaCapabilities{})
	if out["format"] != "uuid" {
		t.Fatal("format dropped with nil allowlist")
	}
}

func TestSanitizeSchemaRecursesNestedNodes(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"list": map[string]any{
				"type":  "array",
				"items": map[string]any{"const": "x"},
			},
		},
		"anyOf": []any{
			map[string]any{"const": "y"},
		},
		"$defs": map[string]any{
			"inner": map[string]any{"const": "z"},
		},
	}
	out := SanitizeSchema(in, SchemaCapabilities{})

	items := out["properties"].(map[string]any)["list"].(map[string]any)["items"].(map[string]any)
	if _, ok := items["const"]; ok {
		t.Fatal("items not sanitized")
	}
	anyOf := out["anyOf"].([]any)[0].(map[string]any)
	if _, ok := anyOf["const"]; ok {
		t.Fatal("anyOf not sanitized")
	}
	defs := out["$defs"].(map[string]any)["inner"].(map[string]any)
	if _, ok := defs["const"]; ok {
		t.Fatal("$defs not sanitized")
	}
}

func TestSanitizeSchemaPureAndIdempotent(t *testing.T) {
	in := map[string]any{
		"type":  "object",
		"title": "gone",
		"properties": map[string]any{
			"u": map[string]any{"const": "c", "type": []any{"string", "null"}},
		},
	}
	caps := SchemaCapabilities{Nullable: true}

	once := SanitizeSchema(in, caps)

	// Purity: the input tree is untouched.
	if _, ok := in["title"]; !ok {
		t.Fatal("input mutated: title removed")
	}
	if _, ok := in["properties"].(map[string]any)["u"].(map[string]any)["const"]; !ok {
		t.Fatal("input mutated: nested const removed")
	}

	// Idempotence: a second pass is a fixed point.
	twice := SanitizeSchema(once, caps)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestSanitizeSchemaStripList(t *testing.T) {
	in := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"default":              map[string]any{},
	}
	out := SanitizeSchema(in, SchemaCapabilities{Strip: []string{"additionalProperties", "default"}})
	if _, ok := out["additionalProperties"]; ok {
		t.Fatal("stripped key survived")
	}
	if _, ok := out["default"]; ok {
		t.Fatal("stripped key survived")
	}
}

func TestSanitizeToolsNilSchema(t *testing.T) {
	tools := []ToolDefinition{{Name: "noop"}}
	out := SanitizeTools(tools, Capabilities{})
	if len(out) != 1 || out[0].Parameters != nil {
		t.Fatalf("unexpected result %+v", out)
	}
	if SanitizeTools(nil, Capabilities{}) != nil {
		t.Fatal("nil tools must stay nil")
	}
}

func TestSupportsToolChoice(t *testing.T) {
	caps := Capabilities{ToolChoiceModes: []string{"auto", "any"}}
	if !caps.SupportsToolChoice("any") || caps.SupportsToolChoice("required") {
		t.Fatal("mode list not honored")
	}
	open := Capabilities{}
	if !open.SupportsToolChoice("whatever") {
		t.Fatal("empty mode list must accept everything")
	}
}
