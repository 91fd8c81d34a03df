// Package cfgstore holds the configuration entries managed through the
// configs commands: free-form JSON documents keyed by a config id,
// rendered as YAML for editing.
package cfgstore

import (
	"context"
	"fmt"

	"github.com/BRLink/resoto/db"
	"gopkg.in/yaml.v3"
)

// Entry is one named configuration document.
type Entry struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// EntryDb persists config entries.
type EntryDb = db.EntityDb[Entry]

// Store is the config entry registry.
type Store struct {
	store EntryDb
}

// NewStore creates a store over the given entity db.
func NewStore(store EntryDb) *Store {
	return &Store{store: store}
}

// Set replaces the entry with the given id.
func (s *Store) Set(ctx context.Context, id string, data map[string]any) (Entry, error) {
	if id == "" {
		return Entry{}, fmt.Errorf("config id must not be empty")
	}
	entry := Entry{ID: id, Data: data}
	if err := s.store.Update(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("persist config %s: %w", id, err)
	}
	return entry, nil
}

// Update merges the patch into an existing entry, creating it if needed.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (Entry, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return s.Set(ctx, id, patch)
	}
	if existing.Data == nil {
		existing.Data = map[string]any{}
	}
	for k, v := range patch {
		existing.Data[k] = v
	}
	if err := s.store.Update(ctx, *existing); err != nil {
		return Entry{}, fmt.Errorf("persist config %s: %w", id, err)
	}
	return *existing, nil
}

// Get returns one entry or db.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return *entry, nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// IDs returns every config id in insertion order.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, entry := range all {
		out = append(out, entry.ID)
	}
	return out, nil
}

// RenderYAML renders the entry data as YAML for display and editing.
func (e Entry) RenderYAML() (string, error) {
	data, err := yaml.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("render config %s: %w", e.ID, err)
	}
	return string(data), nil
}

// ParseYAML parses edited YAML back into entry data.
func ParseYAML(text string) (map[string]any, error) {
	var data map[string]any
	if err := yaml.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return data, nil
}
