package cfgstore

import (
	"context"
	"testing"

	"github.com/BRLink/resoto/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *Store {
	return NewStore(db.NewInMemoryDb[Entry](func(e Entry) string { return e.ID }))
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.Set(ctx, "", nil)
	require.Error(t, err)

	entry, err := s.Set(ctx, "resoto.core", map[string]any{"graph": "ns"})
	require.NoError(t, err)
	assert.Equal(t, "resoto.core", entry.ID)

	got, err := s.Get(ctx, "resoto.core")
	require.NoError(t, err)
	assert.Equal(t, "ns", got.Data["graph"])

	require.NoError(t, s.Delete(ctx, "resoto.core"))
	_, err = s.Get(ctx, "resoto.core")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestUpdateMergesAndCreates(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	// update on a missing entry creates it
	entry, err := s.Update(ctx, "resoto.core", map[string]any{"graph": "ns"})
	require.NoError(t, err)
	assert.Equal(t, "ns", entry.Data["graph"])

	entry, err = s.Update(ctx, "resoto.core", map[string]any{"section": "reported"})
	require.NoError(t, err)
	assert.Equal(t, "ns", entry.Data["graph"])
	assert.Equal(t, "reported", entry.Data["section"])
}

func TestIDsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Set(ctx, id, nil)
		require.NoError(t, err)
	}
	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestYAMLRoundTrip(t *testing.T) {
	entry := Entry{ID: "x", Data: map[string]any{"graph": "ns", "limit": 10}}
	text, err := entry.RenderYAML()
	require.NoError(t, err)

	parsed, err := ParseYAML(text)
	require.NoError(t, err)
	assert.Equal(t, "ns", parsed["graph"])
	assert.Equal(t, 10, parsed["limit"])

	_, err = ParseYAML(":\tnot yaml")
	assert.Error(t, err)
}
