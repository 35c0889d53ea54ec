package toolregistry

import "testing"

func TestSanitizeSchemaStripsUnsupportedKeys(t *testing.T) {
	in := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type": "string",
				"$ref": "#/definitions/name",
			},
		},
		"additionalProperties": false,
		"definitions":          map[string]any{"name": map[string]any{"type": "string"}},
	}

	out := SanitizeSchema(in)

	for _, key := range []string{"$schema", "additionalProperties", "definitions"} {
		if _, ok := out[key]; ok {
			t.Errorf("expected %q to be stripped, got %v", key, out[key])
		}
	}

	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties to survive as a map, got %T", out["properties"])
	}

	name, ok := props["name"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties.name to survive as a map, got %T", props["name"])
	}
	if _, ok := name["$ref"]; ok {
		t.Errorf("expected nested $ref to be stripped, got %v", name["$ref"])
	}
	if name["type"] != "string" {
		t.Errorf("expected nested type to survive, got %v", name["type"])
	}
}

func TestSanitizeSchemaDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"$schema": "x", "type": "object"}
	_ = SanitizeSchema(in)

	if _, ok := in["$schema"]; !ok {
		t.Fatal("SanitizeSchema mutated its input map")
	}
}

func TestSanitizeSchemaNil(t *testing.T) {
	if out := SanitizeSchema(nil); out != nil {
		t.Errorf("expected nil in, nil out, got %v", out)
	}
}

func TestRegistryFilter(t *testing.T) {
	f := Filter{Allow: map[string]struct{}{"chat": {}}, Deny: map[string]struct{}{"danger": {}}}

	if !f.Allows("chat") {
		t.Error("expected chat to be allowed")
	}
	if f.Allows("other") {
		t.Error("expected other to be denied (not in allow-list)")
	}

	f2 := Filter{Deny: map[string]struct{}{"danger": {}}}
	if !f2.Allows("chat") {
		t.Error("expected chat to be allowed when allow-list is nil")
	}
	if f2.Allows("danger") {
		t.Error("expected danger to be denied")
	}
}
