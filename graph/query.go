package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Direction of a graph traversal.
type Direction int

// Traversal directions.
const (
	DirectionOut Direction = iota
	DirectionIn
)

// Predicate filters nodes.
type Predicate interface {
	Matches(node Node) bool
}

// IsKind matches nodes of one kind.
type IsKind struct{ Kind string }

// Matches implements Predicate.
func (p IsKind) Matches(node Node) bool { return HasKind(node, p.Kind) }

// HasID matches the node with one id.
type HasID struct{ ID string }

// Matches implements Predicate.
func (p HasID) Matches(node Node) bool { return NodeID(node) == p.ID }

// Compare matches nodes whose value at Path compares to Value. Path is
// already resolved to an absolute path.
type Compare struct {
	Path  string
	Op    string // == or !=
	Value any
}

// Matches implements Predicate.
func (p Compare) Matches(node Node) bool {
	value, ok := Resolve(node, p.Path)
	equal := ok && reflect.DeepEqual(normalize(value), normalize(p.Value))
	if p.Op == "!=" {
		return !equal
	}
	return equal
}

func normalize(value any) any {
	if f, ok := toFloat(value); ok {
		return f
	}
	return value
}

// SortSpec orders results by the value at an absolute path.
type SortSpec struct {
	Path string
	Desc bool
}

// LimitSpec is a zero based offset and a count.
type LimitSpec struct {
	Offset int
	Count  int
}

// Traversal continues the search along edges.
type Traversal struct {
	Direction Direction
	MinDepth  int
	MaxDepth  int
	Edge      string
}

// Query is a compiled search. It can be executed any number of times.
type Query struct {
	Predicates []Predicate
	Sorts      []SortSpec
	Limit      *LimitSpec
	Traversals []Traversal
	Section    string
}

// Matches reports whether the node satisfies every predicate.
func (q Query) Matches(node Node) bool {
	for _, p := range q.Predicates {
		if !p.Matches(node) {
			return false
		}
	}
	return true
}

// ParseQuery compiles a textual query. Relative attribute paths are
// resolved against the given section; paths starting with "/" are
// absolute. Understood elements:
//
//	is(kind)  id(x)  path == value  path != value
//	sort path [asc|desc]  limit [offset,] count
//	-->  <--  -[min:max]->  <-[min:max]-
func ParseQuery(raw, section string) (Query, error) {
	q := Query{Section: section}
	tokens, err := splitQuoted(raw)
	if err != nil {
		return q, err
	}
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		switch {
		case strings.HasPrefix(token, "is(") && strings.HasSuffix(token, ")"):
			q.Predicates = append(q.Predicates, IsKind{Kind: token[3 : len(token)-1]})
		case strings.HasPrefix(token, "id(") && strings.HasSuffix(token, ")"):
			q.Predicates = append(q.Predicates, HasID{ID: token[3 : len(token)-1]})
		case token == "sort":
			if i+1 >= len(tokens) {
				return q, fmt.Errorf("sort requires an attribute path")
			}
			spec := SortSpec{Path: AbsolutePath(tokens[i+1], section)}
			i++
			if i+1 < len(tokens) && (tokens[i+1] == "asc" || tokens[i+1] == "desc") {
				spec.Desc = tokens[i+1] == "desc"
				i++
			}
			q.Sorts = append(q.Sorts, spec)
		case token == "limit":
			spec, consumed, err := parseLimit(tokens[i+1:])
			if err != nil {
				return q, err
			}
			q.Limit = &spec
			i += consumed
		case isTraversalToken(token):
			traversal, err := parseTraversal(token)
			if err != nil {
				return q, err
			}
			q.Traversals = append(q.Traversals, traversal)
		case strings.Contains(token, "==") || strings.Contains(token, "!="):
			predicate, err := parseComparison(token, section)
			if err != nil {
				return q, err
			}
			q.Predicates = append(q.Predicates, predicate)
		case i+2 < len(tokens) && (tokens[i+1] == "==" || tokens[i+1] == "!="):
			predicate, err := parseComparison(token+tokens[i+1]+tokens[i+2], section)
			if err != nil {
				return q, err
			}
			q.Predicates = append(q.Predicates, predicate)
			i += 2
		default:
			return q, fmt.Errorf("unexpected query token %q", token)
		}
	}
	return q, nil
}

func parseComparison(token, section string) (Predicate, error) {
	op := "=="
	idx := strings.Index(token, "==")
	if idx < 0 {
		op = "!="
		idx = strings.Index(token, "!=")
	}
	path := strings.TrimSpace(token[:idx])
	rawValue := strings.TrimSpace(token[idx+2:])
	if path == "" || rawValue == "" {
		return nil, fmt.Errorf("malformed comparison %q", token)
	}
	return Compare{Path: AbsolutePath(path, section), Op: op, Value: parseValue(rawValue)}, nil
}

// parseValue interprets a literal as JSON and falls back to a string.
func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return strings.Trim(raw, `"`)
}

// parseLimit consumes "count" or "offset, count" from the tokens
// following the limit keyword and returns how many it used.
func parseLimit(tokens []string) (LimitSpec, int, error) {
	if len(tokens) == 0 {
		return LimitSpec{}, 0, fmt.Errorf("limit requires a count")
	}
	first := strings.TrimSuffix(tokens[0], ",")
	firstNum, err := strconv.Atoi(first)
	if err != nil {
		return LimitSpec{}, 0, fmt.Errorf("limit: not a number: %q", tokens[0])
	}
	// "limit offset, count" and "limit offset,count"
	if strings.HasSuffix(tokens[0], ",") || strings.Contains(tokens[0], ",") {
		rest := ""
		consumed := 1
		if idx := strings.Index(tokens[0], ","); idx >= 0 && idx < len(tokens[0])-1 {
			rest = tokens[0][idx+1:]
		} else if len(tokens) > 1 {
			rest = tokens[1]
			consumed = 2
		} else {
			return LimitSpec{}, 0, fmt.Errorf("limit: missing count after offset")
		}
		count, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return LimitSpec{}, 0, fmt.Errorf("limit: not a number: %q", rest)
		}
		return LimitSpec{Offset: firstNum, Count: count}, consumed, nil
	}
	return LimitSpec{Count: firstNum}, 1, nil
}

func isTraversalToken(token string) bool {
	return token == "-->" || token == "<--" ||
		(strings.HasPrefix(token, "-[") && strings.HasSuffix(token, "]->")) ||
		(strings.HasPrefix(token, "<-[") && strings.HasSuffix(token, "]-"))
}

func parseTraversal(token string) (Traversal, error) {
	switch token {
	case "-->":
		return Traversal{Direction: DirectionOut, MinDepth: 1, MaxDepth: 1, Edge: EdgeDefault}, nil
	case "<--":
		return Traversal{Direction: DirectionIn, MinDepth: 1, MaxDepth: 1, Edge: EdgeDefault}, nil
	}
	direction := DirectionOut
	inner := ""
	if strings.HasPrefix(token, "-[") {
		inner = token[2 : len(token)-3]
	} else {
		direction = DirectionIn
		inner = token[3 : len(token)-2]
	}
	parts := strings.SplitN(inner, ":", 2)
	if len(parts) != 2 {
		return Traversal{}, fmt.Errorf("malformed traversal %q", token)
	}
	minDepth, err1 := strconv.Atoi(parts[0])
	maxDepth, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || minDepth < 0 || maxDepth < minDepth {
		return Traversal{}, fmt.Errorf("malformed traversal depth in %q", token)
	}
	return Traversal{Direction: direction, MinDepth: minDepth, MaxDepth: maxDepth, Edge: EdgeDefault}, nil
}

// splitQuoted splits on whitespace while keeping double quoted
// substrings together and stripping the quotes.
func splitQuoted(raw string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inQuote := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", raw)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
