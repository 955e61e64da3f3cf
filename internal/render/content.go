package render

import (
	"encoding/json"
	"strings"

	"github.com/markis/cozeflow/internal/stream"
)

const maxDumpLen = 500

// ExtractMainContent pulls the human-readable text out of a workflow result.
// It looks, in order, at the output node of type "result" (or the last node),
// the first item of a data array, and the content/message/text fields, then
// falls back to indented JSON cut at 500 characters.
func ExtractMainContent(result any) string {
	if s, ok := result.(string); ok {
		return strings.TrimSpace(s)
	}

	obj := asObject(result)
	if obj != nil {
		if s := nodeContent(obj); s != "" {
			return s
		}
		if items, ok := obj["data"].([]any); ok && len(items) > 0 {
			return stringify(firstTruthy(asObject(items[0]), "content", "message", "text"))
		}
		if v := firstTruthy(obj, "content", "message", "text"); v != nil {
			return stringify(v)
		}
	}

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "unreadable result"
	}
	dump := string(b)
	if len(dump) > maxDumpLen {
		return stream.Preview(dump, maxDumpLen) + "..."
	}
	return dump
}

// DebugURL returns the run's debug link from debug_url or debug.
func DebugURL(result any) string {
	obj := asObject(result)
	if obj == nil {
		return ""
	}
	for _, key := range []string{"debug_url", "debug"} {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func nodeContent(obj map[string]any) string {
	output := asObject(obj["output"])
	if output == nil {
		return ""
	}
	nodes, ok := output["nodes"].([]any)
	if !ok || len(nodes) == 0 {
		return ""
	}

	node := asObject(nodes[len(nodes)-1])
	for _, n := range nodes {
		if candidate := asObject(n); candidate != nil && candidate["type"] == "result" {
			node = candidate
			break
		}
	}
	if node == nil {
		return ""
	}
	outputs, ok := node["outputs"].([]any)
	if !ok || len(outputs) == 0 {
		return ""
	}
	first := asObject(outputs[0])
	if first == nil || !truthy(first["content"]) {
		return ""
	}
	return stringify(first["content"])
}

func asObject(v any) map[string]any {
	switch obj := v.(type) {
	case map[string]any:
		return obj
	case stream.FinalResult:
		return obj
	default:
		return nil
	}
}

func firstTruthy(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

func truthy(v any) bool {
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

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
