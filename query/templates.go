// Package query provides search templates: named query fragments with
// {{key}} placeholders, and the expander that inlines expand(...) calls
// into a raw search before it is compiled.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/BRLink/resoto/db"
)

// Template is a named query fragment. Placeholders use {{key}} syntax.
type Template struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

// Render substitutes the placeholders with the given properties.
// Unresolved placeholders are an error.
func (t Template) Render(props map[string]string) (string, error) {
	out := t.Template
	for key, value := range props {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	if start := strings.Index(out, "{{"); start >= 0 {
		if end := strings.Index(out[start:], "}}"); end >= 0 {
			return "", fmt.Errorf("template %s: unresolved placeholder %s", t.Name, out[start:start+end+2])
		}
	}
	return out, nil
}

// TemplateDb persists templates.
type TemplateDb = db.EntityDb[Template]

// Expander stores templates and inlines expand(...) macros.
type Expander struct {
	store TemplateDb
}

// NewExpander creates an expander over the given store.
func NewExpander(store TemplateDb) *Expander {
	return &Expander{store: store}
}

// Put adds or replaces a template.
func (e *Expander) Put(ctx context.Context, t Template) error {
	if t.Name == "" {
		return fmt.Errorf("template name must not be empty")
	}
	return e.store.Update(ctx, t)
}

// Get returns a template by name.
func (e *Expander) Get(ctx context.Context, name string) (*Template, error) {
	return e.store.Get(ctx, name)
}

// Delete removes a template by name.
func (e *Expander) Delete(ctx context.Context, name string) error {
	return e.store.Delete(ctx, name)
}

// All returns every template in insertion order.
func (e *Expander) All(ctx context.Context) ([]Template, error) {
	return e.store.All(ctx)
}

// Expand inlines every expand(name, k=v, ...) call in the raw query.
// Expansion is applied repeatedly so templates may reference other
// templates, bounded to avoid cycles.
func (e *Expander) Expand(ctx context.Context, raw string) (string, error) {
	const maxRounds = 10
	current := raw
	for round := 0; strings.Contains(current, "expand("); round++ {
		if round >= maxRounds {
			return "", fmt.Errorf("template expansion did not terminate: %s", raw)
		}
		expanded, err := e.expandOnce(ctx, current)
		if err != nil {
			return "", err
		}
		current = expanded
	}
	return current, nil
}

func (e *Expander) expandOnce(ctx context.Context, raw string) (string, error) {
	start := strings.Index(raw, "expand(")
	if start < 0 {
		return raw, nil
	}
	end := strings.Index(raw[start:], ")")
	if end < 0 {
		return "", fmt.Errorf("unbalanced expand( in query")
	}
	end += start

	inner := raw[start+len("expand(") : end]
	parts := strings.Split(inner, ",")
	name := strings.TrimSpace(parts[0])
	props := map[string]string{}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return "", fmt.Errorf("expand %s: malformed property %q", name, strings.TrimSpace(part))
		}
		props[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}

	template, err := e.store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("no template named %s", name)
	}
	rendered, err := template.Render(props)
	if err != nil {
		return "", err
	}
	return raw[:start] + rendered + raw[end+1:], nil
}
