package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BRLink/resoto/graph"
	"github.com/itchyny/gojq"
)

func countCommand() Command {
	return &command{
		name: "count",
		pos:  PositionFlow,
		info: "Count the input, optionally grouped by an attribute path.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			attr := strings.TrimSpace(arg)
			section := cctx.Section()
			return &CompiledStage{Name: "count", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				matched, unmatched := 0, 0
				groups := map[string]int{}
				for _, value := range values {
					if attr == "" {
						matched++
						continue
					}
					resolved, ok := resolvePath(value, attr, section)
					if !ok || resolved == nil {
						unmatched++
						continue
					}
					matched++
					groups[formatValue(resolved)]++
				}
				keys := make([]string, 0, len(groups))
				for key := range groups {
					keys = append(keys, key)
				}
				// ascending by count, ties by key
				sort.Slice(keys, func(i, j int) bool {
					if groups[keys[i]] != groups[keys[j]] {
						return groups[keys[i]] < groups[keys[j]]
					}
					return keys[i] < keys[j]
				})
				for _, key := range keys {
					if err := emit(ctx, out, fmt.Sprintf("%s: %d", key, groups[key])); err != nil {
						return err
					}
				}
				if err := emit(ctx, out, fmt.Sprintf("total matched: %d", matched)); err != nil {
					return err
				}
				return emit(ctx, out, fmt.Sprintf("total unmatched: %d", unmatched))
			}}, nil
		},
	}
}

// parseCount reads the optional numeric argument of head and tail.
// Negative values count as their absolute value.
func parseCount(arg string, defaultValue int) (int, error) {
	trimmed := strings.TrimSpace(arg)
	if trimmed == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(trimmed, "-"))
	if err != nil {
		return 0, NewParseError("expected a number, got %q", arg)
	}
	return n, nil
}

func headCommand() Command {
	return &command{
		name: "head",
		pos:  PositionFlow,
		info: "Pass on the first n results, 5 by default.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			n, err := parseCount(arg, 5)
			if err != nil {
				return nil, err
			}
			return &CompiledStage{Name: "head", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				seen := 0
				for {
					select {
					case v, ok := <-in:
						if !ok {
							return nil
						}
						if seen >= n {
							return nil
						}
						seen++
						if err := emit(ctx, out, v); err != nil {
							return err
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}}, nil
		},
	}
}

func tailCommand() Command {
	return &command{
		name: "tail",
		pos:  PositionFlow,
		info: "Pass on the last n results, 5 by default.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			n, err := parseCount(arg, 5)
			if err != nil {
				return nil, err
			}
			return &CompiledStage{Name: "tail", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				if n < len(values) {
					values = values[len(values)-n:]
				}
				return emitAll(ctx, out, values)
			}}, nil
		},
	}
}

func chunkCommand() Command {
	return &command{
		name: "chunk",
		pos:  PositionFlow,
		info: "Pack the input into arrays of the given size, 100 by default.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			size := 100
			if trimmed := strings.TrimSpace(arg); trimmed != "" {
				n, err := strconv.Atoi(trimmed)
				if err != nil || n <= 0 {
					return nil, NewParseError("chunk: expected a positive number, got %q", arg)
				}
				size = n
			}
			return &CompiledStage{Name: "chunk", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				var current []any
				flush := func() error {
					if len(current) == 0 {
						return nil
					}
					chunk := current
					current = nil
					return emit(ctx, out, chunk)
				}
				for {
					select {
					case v, ok := <-in:
						if !ok {
							return flush()
						}
						current = append(current, v)
						if len(current) == size {
							if err := flush(); err != nil {
								return err
							}
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}}, nil
		},
	}
}

func flattenCommand() Command {
	return &command{
		name: "flatten",
		pos:  PositionFlow,
		info: "Unpack arrays in the input element-wise.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			if strings.TrimSpace(arg) != "" {
				return nil, NewParseError("flatten takes no arguments")
			}
			return mapStage("flatten", func(_ context.Context, value any) ([]any, error) {
				if values, ok := value.([]any); ok {
					return values, nil
				}
				return []any{value}, nil
			}), nil
		},
	}
}

func uniqCommand() Command {
	return &command{
		name: "uniq",
		pos:  PositionFlow,
		info: "Remove structural duplicates, keeping the first occurrence.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			if strings.TrimSpace(arg) != "" {
				return nil, NewParseError("uniq takes no arguments")
			}
			seen := map[string]struct{}{}
			return mapStage("uniq", func(_ context.Context, value any) ([]any, error) {
				key := structuralKey(value)
				if _, ok := seen[key]; ok {
					return nil, nil
				}
				seen[key] = struct{}{}
				return []any{value}, nil
			}), nil
		},
	}
}

func sortCommand() Command {
	return &command{
		name: "sort",
		pos:  PositionFlow,
		info: "Sort the input by an attribute path, ascending by default.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 || len(tokens) > 2 {
				return nil, NewParseError("sort: expected an attribute path and an optional direction")
			}
			path := tokens[0]
			desc := false
			if len(tokens) == 2 {
				switch tokens[1] {
				case "asc":
				case "desc":
					desc = true
				default:
					return nil, NewParseError("sort: direction must be asc or desc, got %q", tokens[1])
				}
			}
			section := cctx.Section()
			return &CompiledStage{Name: "sort", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				sort.SliceStable(values, func(i, j int) bool {
					a, _ := resolvePath(values[i], path, section)
					b, _ := resolvePath(values[j], path, section)
					if desc {
						return graph.CompareValues(a, b) > 0
					}
					return graph.CompareValues(a, b) < 0
				})
				return emitAll(ctx, out, values)
			}}, nil
		},
	}
}

func limitCommand() Command {
	return &command{
		name: "limit",
		pos:  PositionFlow,
		info: "Pass on a window of the input: limit [offset,] count.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			offset, count := 0, 0
			switch len(tokens) {
			case 1:
				if strings.Contains(tokens[0], ",") {
					parts := strings.SplitN(tokens[0], ",", 2)
					tokens = []string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
					break
				}
				n, err := strconv.Atoi(tokens[0])
				if err != nil {
					return nil, NewParseError("limit: not a number: %q", tokens[0])
				}
				count = n
			case 2:
			default:
				return nil, NewParseError("limit: expected [offset,] count")
			}
			if len(tokens) == 2 {
				var err1, err2 error
				offset, err1 = strconv.Atoi(strings.TrimSuffix(tokens[0], ","))
				count, err2 = strconv.Atoi(tokens[1])
				if err1 != nil || err2 != nil || offset < 0 {
					return nil, NewParseError("limit: expected [offset,] count")
				}
			}
			return &CompiledStage{Name: "limit", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				skipped, emitted := 0, 0
				for {
					select {
					case v, ok := <-in:
						if !ok {
							return nil
						}
						if skipped < offset {
							skipped++
							continue
						}
						if emitted >= count {
							return nil
						}
						emitted++
						if err := emit(ctx, out, v); err != nil {
							return err
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}}, nil
		},
	}
}

// listField is one column of the list command.
type listField struct {
	Path string
	Name string
}

// defaultListFields are the columns rendered when none are requested.
var defaultListFields = []listField{
	{Path: "kind", Name: "kind"},
	{Path: "id", Name: "id"},
	{Path: "name", Name: "name"},
	{Path: "age", Name: "age"},
}

func parseListFields(raw string) ([]listField, error) {
	var fields []listField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens, err := tokenize(part)
		if err != nil {
			return nil, err
		}
		switch {
		case len(tokens) == 1:
			fields = append(fields, listField{Path: tokens[0], Name: tokens[0]})
		case len(tokens) == 3 && tokens[1] == "as":
			fields = append(fields, listField{Path: tokens[0], Name: tokens[2]})
		default:
			return nil, NewParseError("list: malformed field %q", part)
		}
	}
	return fields, nil
}

func listCommand() Command {
	return &command{
		name: "list",
		pos:  PositionFlow,
		info: "Render the input as text lines, CSV or a markdown table.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			asCSV := strings.Contains(arg, "--csv")
			asMarkdown := strings.Contains(arg, "--markdown")
			if asCSV && asMarkdown {
				return nil, NewParseError("list: --csv and --markdown are mutually exclusive")
			}
			arg = strings.ReplaceAll(arg, "--csv", "")
			arg = strings.ReplaceAll(arg, "--markdown", "")
			fields, err := parseListFields(arg)
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				fields = defaultListFields
			}
			section := cctx.Section()
			resolveRow := func(value any) []string {
				row := make([]string, len(fields))
				for i, field := range fields {
					if resolved, ok := resolvePath(value, field.Path, section); ok {
						row[i] = formatValue(resolved)
					}
				}
				return row
			}
			switch {
			case asCSV:
				return &CompiledStage{Name: "list", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
					values, err := drain(ctx, in)
					if err != nil {
						return err
					}
					header := make([]string, len(fields))
					for i, field := range fields {
						header[i] = field.Name
					}
					rows := [][]string{header}
					for _, value := range values {
						rows = append(rows, resolveRow(value))
					}
					for _, row := range rows {
						var line strings.Builder
						w := csv.NewWriter(&line)
						if err := w.Write(row); err != nil {
							return err
						}
						w.Flush()
						if err := emit(ctx, out, strings.TrimRight(line.String(), "\n")); err != nil {
							return err
						}
					}
					return nil
				}}, nil
			case asMarkdown:
				return &CompiledStage{Name: "list", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
					values, err := drain(ctx, in)
					if err != nil {
						return err
					}
					header := make([]string, len(fields))
					separator := make([]string, len(fields))
					for i, field := range fields {
						header[i] = field.Name
						separator[i] = "---"
					}
					lines := []string{markdownRow(header), markdownRow(separator)}
					for _, value := range values {
						lines = append(lines, markdownRow(resolveRow(value)))
					}
					for _, line := range lines {
						if err := emit(ctx, out, line); err != nil {
							return err
						}
					}
					return nil
				}}, nil
			default:
				return mapStage("list", func(_ context.Context, value any) ([]any, error) {
					var parts []string
					for _, field := range fields {
						resolved, ok := resolvePath(value, field.Path, section)
						if !ok {
							continue
						}
						parts = append(parts, field.Name+"="+formatValue(resolved))
					}
					return []any{strings.Join(parts, ", ")}, nil
				}), nil
			}
		},
	}
}

func markdownRow(cells []string) string {
	return "| " + strings.Join(cells, " | ") + " |"
}

func formatCommand() Command {
	return &command{
		name: "format",
		pos:  PositionFlow,
		info: "Render each input through a {path} template.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			template := stripQuotes(arg)
			section := cctx.Section()
			return mapStage("format", func(_ context.Context, value any) ([]any, error) {
				return []any{renderFormat(template, value, section)}, nil
			}), nil
		},
	}
}

// renderFormat interpolates {path} placeholders. Literal braces are
// written as {{ and }}; an unknown path renders as null.
func renderFormat(template string, value any, section string) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		switch {
		case strings.HasPrefix(template[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(template[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case template[i] == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteString(template[i:])
				return b.String()
			}
			path := template[i+1 : i+end]
			resolved, ok := resolvePath(value, strings.TrimSpace(path), section)
			if !ok {
				b.WriteString("null")
			} else {
				b.WriteString(formatValue(resolved))
			}
			i += end + 1
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String()
}

func jqCommand() Command {
	return &command{
		name: "jq",
		pos:  PositionFlow,
		info: "Transform each input with a jq expression.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			expr := rewriteJQ(stripQuotes(arg), cctx.Section())
			parsed, err := gojq.Parse(expr)
			if err != nil {
				return nil, NewParseError("jq: %v", err)
			}
			code, err := gojq.Compile(parsed)
			if err != nil {
				return nil, NewParseError("jq: %v", err)
			}
			return mapStage("jq", func(_ context.Context, value any) ([]any, error) {
				var results []any
				iter := code.Run(normalizeJSON(value))
				for {
					v, ok := iter.Next()
					if !ok {
						break
					}
					if err, isErr := v.(error); isErr {
						return nil, fmt.Errorf("jq: %w", err)
					}
					results = append(results, v)
				}
				return results, nil
			}), nil
		},
	}
}

// rewriteJQ prefixes bare attribute paths with the section. Paths
// written as ./x stay absolute and the rewrite stops at the first
// top-level pipe, so constructed tails keep their own shape.
func rewriteJQ(expr, section string) string {
	head, tail, hasTail := cutTopLevelPipe(expr)
	var b strings.Builder
	for i := 0; i < len(head); {
		ch := head[i]
		switch {
		case ch == '"':
			end := i + 1
			for end < len(head) && (head[end] != '"' || head[end-1] == '\\') {
				end++
			}
			if end < len(head) {
				end++
			}
			b.WriteString(head[i:end])
			i = end
		case ch == '.':
			prev := byte(0)
			if i > 0 {
				prev = head[i-1]
			}
			subPath := isIdentByte(prev) || prev == ']' || prev == ')' || prev == '"' || prev == '.'
			if !subPath && i+1 < len(head) && head[i+1] == '/' {
				// absolute path, strip the marker
				b.WriteByte('.')
				i += 2
				continue
			}
			if !subPath && i+1 < len(head) && isIdentStart(head[i+1]) {
				b.WriteByte('.')
				b.WriteString(section)
				b.WriteByte('.')
				i++
				continue
			}
			b.WriteByte('.')
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}
	if hasTail {
		return b.String() + "|" + tail
	}
	return b.String()
}

// cutTopLevelPipe splits the expression at the first pipe outside of
// quotes, parentheses, brackets and braces.
func cutTopLevelPipe(expr string) (head, tail string, found bool) {
	depth := 0
	inString := false
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case inString:
			if ch == '"' && expr[i-1] != '\\' {
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '(' || ch == '[' || ch == '{':
			depth++
		case ch == ')' || ch == ']' || ch == '}':
			depth--
		case ch == '|' && depth == 0:
			return expr[:i], expr[i+1:], true
		}
	}
	return expr, "", false
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentByte(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// normalizeJSON converts a value into the types the jq evaluator
// accepts by round-tripping anything unexpected through JSON.
func normalizeJSON(value any) any {
	switch v := value.(type) {
	case nil, bool, string, int, float64:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		var out any
		if err := json.Unmarshal(encoded, &out); err != nil {
			return fmt.Sprint(v)
		}
		return out
	}
}

func aggregateToCountCommand() Command {
	return &command{
		name: "aggregate_to_count",
		pos:  PositionFlow,
		info: "Convert aggregation rows into count lines with totals.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			if strings.TrimSpace(arg) != "" {
				return nil, NewParseError("aggregate_to_count takes no arguments")
			}
			return &CompiledStage{Name: "aggregate_to_count", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				total := 0
				for _, value := range values {
					row, ok := value.(map[string]any)
					if !ok {
						continue
					}
					count := 0
					if n, ok := toInt(row["count"]); ok {
						count = n
					}
					total += count
					if err := emit(ctx, out, fmt.Sprintf("%s: %d", aggregateLabel(row["group"]), count)); err != nil {
						return err
					}
				}
				if err := emit(ctx, out, fmt.Sprintf("total matched: %d", total)); err != nil {
					return err
				}
				return emit(ctx, out, "total unmatched: 0")
			}}, nil
		},
	}
}

// aggregateLabel renders the group of an aggregation row: the values
// of the group map joined in key order.
func aggregateLabel(group any) string {
	m, ok := group.(map[string]any)
	if !ok {
		return formatValue(group)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = formatValue(m[k])
	}
	return strings.Join(parts, ", ")
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
