// Package db provides the persistence layer of the core: a small
// generic entity store with an in-memory and a SQLite backed
// implementation, plus the typed stores built on top of it.
package db

import (
	"context"
	"sync"
)

// EntityDb stores entities of one type keyed by a string id.
// Implementations must preserve insertion order in All.
type EntityDb[T any] interface {
	// Get returns the entity with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*T, error)
	// Update inserts or replaces the entity.
	Update(ctx context.Context, entity T) error
	// Delete removes the entity. Deleting a missing entity is a no-op.
	Delete(ctx context.Context, id string) error
	// All returns every stored entity in insertion order.
	All(ctx context.Context) ([]T, error)
}

// KeyFn extracts the identity of an entity.
type KeyFn[T any] func(T) string

// InMemoryDb is a map backed EntityDb, used in tests and as the
// default store when no database path is configured.
type InMemoryDb[T any] struct {
	keyOf KeyFn[T]

	mu    sync.RWMutex
	items map[string]T
	order []string
}

// NewInMemoryDb creates an empty in-memory store.
func NewInMemoryDb[T any](keyOf KeyFn[T]) *InMemoryDb[T] {
	return &InMemoryDb[T]{keyOf: keyOf, items: make(map[string]T)}
}

// Get implements EntityDb.
func (d *InMemoryDb[T]) Get(_ context.Context, id string) (*T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	item, ok := d.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &item, nil
}

// Update implements EntityDb.
func (d *InMemoryDb[T]) Update(_ context.Context, entity T) error {
	id := d.keyOf(entity)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		d.order = append(d.order, id)
	}
	d.items[id] = entity
	return nil
}

// Delete implements EntityDb.
func (d *InMemoryDb[T]) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		return nil
	}
	delete(d.items, id)
	for i, key := range d.order {
		if key == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

// All implements EntityDb.
func (d *InMemoryDb[T]) All(_ context.Context) ([]T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]T, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.items[id])
	}
	return out, nil
}
