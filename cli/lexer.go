package cli

import (
	"strings"
)

// splitTopLevel splits the input on a single-rune separator, honoring
// single and double quotes. The separator never splits inside quotes.
func splitTopLevel(input string, sep rune) []string {
	var parts []string
	var current strings.Builder
	var quote rune
	escaped := false
	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			current.WriteRune(r)
			escaped = true
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			current.WriteRune(r)
			quote = r
		case r == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, current.String())
	return parts
}

// tokenize splits an argument string into shell-like tokens. Quoted
// sections keep their spaces and drop the surrounding quotes; a
// backslash escapes the next rune outside single quotes.
func tokenize(input string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false
	escaped := false
	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			inToken = true
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			inToken = true
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			inToken = true
			current.WriteRune(r)
		}
	}
	if escaped {
		return nil, NewParseError("dangling escape at end of input")
	}
	if quote != 0 {
		return nil, NewParseError("unterminated quote in %q", input)
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

// stripQuotes removes one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '\'' || first == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseKeyValues parses k=v tokens into a map. Values are kept as
// strings; unquoting is applied to both sides.
func parseKeyValues(tokens []string) (map[string]string, error) {
	out := make(map[string]string, len(tokens))
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return nil, NewParseError("expected key=value, got %q", token)
		}
		out[stripQuotes(key)] = stripQuotes(value)
	}
	return out, nil
}
