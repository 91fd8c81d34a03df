package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seeded graph: 100 bla nodes with identifiers "0_0".."9_9", one foo
// parent per row connected with default edges.
func seededGraph() *Memory {
	g := NewMemory()
	for i := 0; i < 10; i++ {
		fooID := fmt.Sprintf("foo_%d", i)
		g.InsertNode(Node{
			"id":       fooID,
			"kinds":    []any{"foo"},
			"reported": map[string]any{"identifier": fooID, "kind": "foo"},
		})
		for j := 0; j < 10; j++ {
			blaID := fmt.Sprintf("%d_%d", i, j)
			g.InsertNode(Node{
				"id":       blaID,
				"kinds":    []any{"bla"},
				"reported": map[string]any{"identifier": blaID, "kind": "bla", "some_int": float64(i)},
			})
			g.InsertEdge(fooID, blaID, EdgeDefault)
		}
	}
	return g
}

func identifiers(nodes []Node) []string {
	var out []string
	for _, node := range nodes {
		v, _ := Resolve(node, "reported.identifier")
		out = append(out, v.(string))
	}
	return out
}

func TestSearchByKindSortAndLimit(t *testing.T) {
	g := seededGraph()
	q, err := ParseQuery("is(bla) sort identifier limit 2, 2", SectionReported)
	require.NoError(t, err)

	nodes, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"0_2", "0_3"}, identifiers(nodes))
}

func TestSearchPredicates(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()

	q, err := ParseQuery("id(3_4)", SectionReported)
	require.NoError(t, err)
	nodes, err := g.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"3_4"}, identifiers(nodes))

	// relative path resolves against the section
	q, err = ParseQuery("is(bla) some_int == 7", SectionReported)
	require.NoError(t, err)
	nodes, err = g.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, nodes, 10)

	// absolute path bypasses the section
	q, err = ParseQuery(`/reported.identifier == "1_1"`, SectionReported)
	require.NoError(t, err)
	nodes, err = g.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"1_1"}, identifiers(nodes))

	q, err = ParseQuery("is(bla) some_int != 0 sort identifier limit 1", SectionReported)
	require.NoError(t, err)
	nodes, err = g.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"1_0"}, identifiers(nodes))
}

func TestSearchDescendingSort(t *testing.T) {
	g := seededGraph()
	q, err := ParseQuery("is(bla) sort identifier desc limit 2", SectionReported)
	require.NoError(t, err)
	nodes, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"9_9", "9_8"}, identifiers(nodes))
}

func TestSearchTraversal(t *testing.T) {
	g := seededGraph()
	q, err := ParseQuery("id(foo_0) -->", SectionReported)
	require.NoError(t, err)
	nodes, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, nodes, 10)

	q, err = ParseQuery("id(0_0) <--", SectionReported)
	require.NoError(t, err)
	nodes, err = g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo_0"}, identifiers(nodes))
}

func TestTraverseDepthWindow(t *testing.T) {
	g := NewMemory()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.InsertNode(Node{"id": id, "kinds": []any{"chain"}, "reported": map[string]any{"identifier": id}})
	}
	g.InsertEdge("a", "b", EdgeDefault)
	g.InsertEdge("b", "c", EdgeDefault)
	g.InsertEdge("c", "d", EdgeDefault)

	nodes, err := g.Traverse(context.Background(), "a", DirectionOut, EdgeDefault, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, identifiers(nodes))
}

func TestPatchSectionRecordsHistory(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()
	before := time.Now().UTC()

	node, err := g.PatchSection(ctx, "0_0", SectionDesired, map[string]any{"clean": true})
	require.NoError(t, err)
	clean, ok := Resolve(node, "desired.clean")
	require.True(t, ok)
	assert.Equal(t, true, clean)

	changes, err := g.History(ctx, HistoryFilter{After: before.Add(-time.Second), Changes: []string{ChangeNodeUpdated}})
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, "0_0", changes[len(changes)-1].NodeID)

	_, err = g.PatchSection(ctx, "missing", SectionDesired, map[string]any{"clean": true})
	assert.Error(t, err)
}

func TestHistoryFilters(t *testing.T) {
	g := NewMemory()
	g.InsertNode(Node{"id": "n1", "kinds": []any{"bla"}, "reported": map[string]any{"identifier": "n1"}})
	cutoff := time.Now().UTC().Add(time.Second)
	g.DeleteNode("n1")

	deleted, err := g.History(context.Background(), HistoryFilter{Changes: []string{ChangeNodeDeleted}})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "n1", deleted[0].NodeID)

	// everything happened before the cutoff
	all, err := g.History(context.Background(), HistoryFilter{Before: cutoff})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	none, err := g.History(context.Background(), HistoryFilter{After: cutoff})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBackupRoundTrip(t *testing.T) {
	store := NewStore()
	g := store.Graph("ns")
	g.InsertNode(Node{"id": "n1", "kinds": []any{"bla"}, "reported": map[string]any{"identifier": "n1"}})
	g.InsertNode(Node{"id": "n2", "kinds": []any{"bla"}, "reported": map[string]any{"identifier": "n2"}})
	g.InsertEdge("n1", "n2", EdgeDefault)

	backup := &FileBackup{Store: store, Dir: t.TempDir()}
	path, err := backup.Create(context.Background())
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, (&FileBackup{Store: restored}).Restore(context.Background(), path))
	nodes, err := restored.Graph("ns").Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	reached, err := restored.Graph("ns").Traverse(context.Background(), "n1", DirectionOut, EdgeDefault, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, identifiers(reached))
}

func TestParseQueryErrors(t *testing.T) {
	cases := []string{
		"sort",
		"limit",
		"limit x",
		"-[2:1]->",
		"just_a_word",
		`is(bla) name == `,
	}
	for _, raw := range cases {
		_, err := ParseQuery(raw, SectionReported)
		assert.Error(t, err, raw)
	}
}
