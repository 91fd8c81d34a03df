// Package graph holds the resource graph: JSON nodes organized in
// sections, typed edges between them, a small query language and a
// change journal. The Database interface names the external collaborator;
// Memory is the in-process implementation backing tests and small setups.
package graph

import (
	"fmt"
	"strings"
)

// Node sections.
const (
	SectionReported = "reported"
	SectionDesired  = "desired"
	SectionMetadata = "metadata"
)

// Edge types.
const (
	EdgeDefault = "default"
	EdgeDelete  = "delete"
)

// Node is a JSON document. Top level keys are the node id, its kinds
// and the three sections.
type Node = map[string]any

// NodeID returns the id of a node or "".
func NodeID(node Node) string {
	id, _ := node["id"].(string)
	return id
}

// NodeKinds returns the kinds of a node.
func NodeKinds(node Node) []string {
	var out []string
	switch kinds := node["kinds"].(type) {
	case []string:
		out = kinds
	case []any:
		for _, k := range kinds {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// HasKind reports whether the node is of the given kind.
func HasKind(node Node, kind string) bool {
	for _, k := range NodeKinds(node) {
		if k == kind {
			return true
		}
	}
	return false
}

// Resolve walks a dot separated path into a JSON value. The second
// result is false if any element of the path is missing.
func Resolve(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// AbsolutePath resolves a query path against the section of the
// surrounding context: "/a.b" is absolute, everything else lives
// inside the section.
func AbsolutePath(path, section string) string {
	if strings.HasPrefix(path, "/") {
		return strings.TrimPrefix(path, "/")
	}
	if section == "" {
		return path
	}
	return section + "." + path
}

// MergeSection merges the patch into the named section of the node and
// returns the node. Missing sections are created.
func MergeSection(node Node, section string, patch map[string]any) Node {
	target, ok := node[section].(map[string]any)
	if !ok {
		target = map[string]any{}
		node[section] = target
	}
	for k, v := range patch {
		target[k] = v
	}
	return node
}

// CloneNode makes a deep copy of a node.
func CloneNode(node Node) Node {
	return cloneValue(node).(map[string]any)
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// CompareValues orders two JSON values: numbers numerically, strings
// and bools lexicographically, missing values first.
func CompareValues(a, b any) int {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case aIsNum && bIsNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
