package main

import "strings"

// normalizeScope collapses a space-delimited scope string to its canonical
// single-space-joined form. Storage always holds this form.
func normalizeScope(scope string) string {
	return strings.Join(strings.Fields(scope), " ")
}

// splitScope expands a stored scope string to a list. Empty scope yields nil.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// verifyScope reports whether every element of required is present in
// granted. An empty requirement always passes; an empty grant fails any
// non-empty requirement.
func verifyScope(granted, required string) bool {
	req := strings.Fields(required)
	if len(req) == 0 {
		return true
	}
	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, s := range req {
		if !have[s] {
			return false
		}
	}
	return true
}
