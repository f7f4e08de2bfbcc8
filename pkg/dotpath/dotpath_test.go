package dotpath

import (
	"sort"
	"testing"
)

func TestGet(t *testing.T) {
	data := map[string]interface{}{
		"patient": map[string]interface{}{
			"name": map[string]interface{}{
				"family": "Smith",
				"given":  "Anna",
			},
			"age": 42,
		},
		"active": true,
	}

	tests := []struct {
		name     string
		path     string
		expected interface{}
		found    bool
	}{
		{name: "nested leaf", path: "patient.name.family", expected: "Smith", found: true},
		{name: "top-level leaf", path: "active", expected: true, found: true},
		{name: "intermediate node", path: "patient.name", expected: nil, found: true},
		{name: "missing leaf", path: "patient.name.suffix", found: false},
		{name: "missing root", path: "encounter.id", found: false},
		{name: "path through non-map", path: "active.nested", found: false},
		{name: "empty path", path: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok := Get(data, tt.path)
			if ok != tt.found {
				t.Fatalf("Get(%q) found=%v, want %v", tt.path, ok, tt.found)
			}
			if tt.found && tt.expected != nil && value != tt.expected {
				t.Errorf("Get(%q) = %v, want %v", tt.path, value, tt.expected)
			}
		})
	}
}

func TestSet_CreatesIntermediateMaps(t *testing.T) {
	data := map[string]interface{}{}
	Set(data, "patient.identifier.mrn", "12345")

	value, ok := Get(data, "patient.identifier.mrn")
	if !ok {
		t.Fatal("expected path to exist after Set")
	}
	if value != "12345" {
		t.Errorf("got %v, want 12345", value)
	}
}

func TestSet_ReplacesNonMapIntermediate(t *testing.T) {
	data := map[string]interface{}{"patient": "scalar"}
	Set(data, "patient.id", "p-1")

	value, ok := Get(data, "patient.id")
	if !ok || value != "p-1" {
		t.Fatalf("got (%v, %v), want (p-1, true)", value, ok)
	}
}

func TestFlatten(t *testing.T) {
	data := map[string]interface{}{
		"a": map[string]interface{}{
			"b": 1,
			"c": map[string]interface{}{
				"d": 2,
			},
		},
		"e": []interface{}{1, 2},
	}

	paths := Flatten(data)
	sort.Strings(paths)

	expected := []string{"a.b", "a.c.d", "e"}
	if len(paths) != len(expected) {
		t.Fatalf("got %d paths %v, want %d", len(paths), paths, len(expected))
	}
	for i, p := range expected {
		if paths[i] != p {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], p)
		}
	}
}
