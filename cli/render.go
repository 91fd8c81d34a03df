package cli

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/BRLink/resoto/graph"
)

// formatValue renders a value the way the text commands print it:
// strings as-is, numbers without a synthetic fraction, booleans as
// true/false, nil as null and everything else as compact JSON.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(encoded)
	}
}

// resolvePath looks a dot path up in a value. Paths starting with "/"
// are absolute; relative paths are tried under the section first and
// fall back to the value root, so plain JSON values work too.
func resolvePath(value any, path, section string) (any, bool) {
	if strings.HasPrefix(path, "/") {
		return graph.Resolve(value, strings.TrimPrefix(path, "/"))
	}
	if section != "" {
		if resolved, ok := graph.Resolve(value, section+"."+path); ok {
			return resolved, true
		}
	}
	return graph.Resolve(value, path)
}

// structuralKey is a canonical string for structural equality.
func structuralKey(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "\x00unencodable"
	}
	return string(encoded)
}

// nodeLabel is the display name of a pipeline value: the reported name
// of a node, its id as fallback, or the formatted value itself.
func nodeLabel(value any, section string) string {
	if node, ok := value.(map[string]any); ok {
		if name, ok := resolvePath(node, "name", section); ok {
			return formatValue(name)
		}
		if id := graph.NodeID(node); id != "" {
			return id
		}
	}
	return formatValue(value)
}

// nodeDetail is the second display line of a value: the kind of a
// node, or a space for plain values.
func nodeDetail(value any, section string) string {
	if node, ok := value.(map[string]any); ok {
		if kind, ok := resolvePath(node, "kind", section); ok {
			return formatValue(kind)
		}
	}
	return " "
}
