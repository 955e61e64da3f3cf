package stream

import (
	"slices"
	"strings"
)

// doneSentinel is the joined payload that marks the end of a stream.
const doneSentinel = "[DONE]"

// LooksStructured reports whether raw, after leading whitespace, opens a JSON
// object or array. It is only a cheap gate before a real parse.
func LooksStructured(raw string) bool {
	trimmed := strings.TrimLeft(raw, " \t\r\n\f\v")
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// ResultMatcher selects which parsed payloads count as the final result.
// A JSON object qualifies if its "event" field equals one of Events, or if any
// of Fields is present with a non-empty value.
type ResultMatcher struct {
	Events []string `yaml:"events"`
	Fields []string `yaml:"fields"`
}

// DefaultResultMatcher matches workflow completion events and payloads
// carrying output, data or content.
func DefaultResultMatcher() ResultMatcher {
	return ResultMatcher{
		Events: []string{"workflow.finish", "workflow.run.finish"},
		Fields: []string{"output", "data", "content"},
	}
}

// Match reports whether v qualifies as a final result.
func (m ResultMatcher) Match(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if name, ok := obj["event"].(string); ok && slices.Contains(m.Events, name) {
		return true
	}
	for _, field := range m.Fields {
		if nonEmpty(obj[field]) {
			return true
		}
	}
	return false
}

// nonEmpty treats null, false, zero and "" as empty. Objects and arrays are
// never empty, even with no members.
func nonEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	default:
		return true
	}
}
