package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func fixtureKey(f fixture) string { return f.ID }

func runEntityDbSuite(t *testing.T, store EntityDb[fixture]) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Update(ctx, fixture{ID: "a", Name: "first"}))
	require.NoError(t, store.Update(ctx, fixture{ID: "b", Name: "second"}))
	require.NoError(t, store.Update(ctx, fixture{ID: "c", Name: "third"}))

	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	// upsert keeps insertion order
	require.NoError(t, store.Update(ctx, fixture{ID: "a", Name: "first-updated"}))
	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "first-updated", all[0].Name)

	// delete is idempotent
	require.NoError(t, store.Delete(ctx, "b"))
	require.NoError(t, store.Delete(ctx, "b"))
	all, err = store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[1].ID)
}

func TestInMemoryDb(t *testing.T) {
	runEntityDbSuite(t, NewInMemoryDb(fixtureKey))
}

func TestSQLiteDb(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer conn.Close()

	store, err := NewSQLiteDb(conn, "fixtures", fixtureKey)
	require.NoError(t, err)
	runEntityDbSuite(t, store)
}

func TestSQLiteDbSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	conn, err := Open(path)
	require.NoError(t, err)
	store, err := NewSQLiteDb(conn, "fixtures", fixtureKey)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, fixture{ID: "a", Name: "persisted"}))
	require.NoError(t, conn.Close())

	conn, err = Open(path)
	require.NoError(t, err)
	defer conn.Close()
	store, err = NewSQLiteDb(conn, "fixtures", fixtureKey)
	require.NoError(t, err)
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}
