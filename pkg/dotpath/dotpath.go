// Package dotpath provides dotted-path access into nested map structures,
// e.g. "patient.name.family" into map[string]interface{} records.
package dotpath

import (
	"strings"
)

// Get resolves a dotted path against a nested map and reports whether the
// leaf exists. Intermediate segments that are not maps terminate the walk.
func Get(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current interface{} = data

	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
// An existing non-map intermediate value is replaced by a map.
func Set(data map[string]interface{}, path string, value interface{}) {
	if path == "" {
		return
	}

	segments := strings.Split(path, ".")
	current := data

	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[seg] = next
		}
		current = next
	}

	current[segments[len(segments)-1]] = value
}

// Has reports whether a dotted path resolves to an existing leaf.
func Has(data map[string]interface{}, path string) bool {
	_, ok := Get(data, path)
	return ok
}

// Flatten returns every leaf path in the map, in the form "a.b.c".
// Nested maps are descended; every other value (including slices) is a leaf.
func Flatten(data map[string]interface{}) []string {
	var paths []string
	flattenInto(data, "", &paths)
	return paths
}

func flattenInto(data map[string]interface{}, prefix string, paths *[]string) {
	for key, value := range data {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok && len(nested) > 0 {
			flattenInto(nested, path, paths)
			continue
		}
		*paths = append(*paths, path)
	}
}
