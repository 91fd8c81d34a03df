package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BRLink/resoto/graph"
	"github.com/BRLink/resoto/workerq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWorker attaches a worker that answers every matching task via
// the handle function until the test ends.
func startWorker(t *testing.T, f *fixture, names []string, handle func(task workerq.WorkerTask) map[string]any) {
	t.Helper()
	session, err := f.workers.AttachWorker("test_worker", names, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			task, err := session.Next(ctx)
			if err != nil {
				return
			}
			session.Acknowledge(task.ID, handle(task))
		}
	}()
	t.Cleanup(func() {
		cancel()
		session.Close()
		<-done
	})
}

func TestSetDesiredAndMetadata(t *testing.T) {
	f := newFixture(t)

	values := f.run(t, `search id(0_0) | set_desired clean=true size=2`)
	require.Len(t, values, 1)
	node := values[0].(map[string]any)
	desired := node["desired"].(map[string]any)
	assert.Equal(t, true, desired["clean"])
	assert.Equal(t, 2.0, desired["size"])

	// the patch is visible in the graph
	stored, err := f.graph.Get(context.Background(), "0_0")
	require.NoError(t, err)
	resolved, ok := graph.Resolve(stored, "desired.clean")
	require.True(t, ok)
	assert.Equal(t, true, resolved)

	values = f.run(t, `search id(0_1) | set_metadata owner=ops`)
	node = values[0].(map[string]any)
	assert.Equal(t, "ops", node["metadata"].(map[string]any)["owner"])
}

func TestCleanAndProtectMarkers(t *testing.T) {
	f := newFixture(t)

	values := f.run(t, `search id(1_0) | clean`)
	node := values[0].(map[string]any)
	assert.Equal(t, true, node["desired"].(map[string]any)["clean"])

	values = f.run(t, `search id(1_1) | protect`)
	node = values[0].(map[string]any)
	assert.Equal(t, true, node["metadata"].(map[string]any)["protected"])
}

func TestTraversalCommands(t *testing.T) {
	f := newFixture(t)

	parents := f.run(t, `search id(0_0) | predecessors`)
	require.Len(t, parents, 1)
	assert.Equal(t, "foo_0", graph.NodeID(parents[0].(map[string]any)))

	children := f.run(t, `search id(foo_0) | successors`)
	assert.Len(t, children, 10)

	withOrigin := f.run(t, `search id(0_0) | ancestors --with-origin`)
	require.Len(t, withOrigin, 2)
	assert.Equal(t, "0_0", graph.NodeID(withOrigin[0].(map[string]any)))
	assert.Equal(t, "foo_0", graph.NodeID(withOrigin[1].(map[string]any)))

	descendants := f.run(t, `search id(foo_0) | descendants`)
	assert.Len(t, descendants, 10)
}

func TestTagUpdateWaitsForTheWorker(t *testing.T) {
	f := newFixture(t)
	var seen workerq.WorkerTask
	startWorker(t, f, []string{"tag"}, func(task workerq.WorkerTask) map[string]any {
		seen = task
		node := task.Data["node"].(map[string]any)
		updated := graph.CloneNode(node)
		updated["reported"].(map[string]any)["tags"] = map[string]any{"owner": "team-a"}
		return updated
	})

	values := f.run(t, `search id(0_0) | tag update owner team-a`)
	require.Len(t, values, 1)
	node := values[0].(map[string]any)
	tags, ok := graph.Resolve(node, "reported.tags.owner")
	require.True(t, ok)
	assert.Equal(t, "team-a", tags)

	assert.Equal(t, "tag", seen.Name)
	assert.Equal(t, map[string]any{"owner": "team-a"}, seen.Data["update"])
	assert.Equal(t, "ns", seen.Data["graph"])
}

func TestTagUpdateInterpolatesNodePaths(t *testing.T) {
	f := newFixture(t)
	var seen workerq.WorkerTask
	startWorker(t, f, []string{"tag"}, func(task workerq.WorkerTask) map[string]any {
		seen = task
		return task.Data["node"].(map[string]any)
	})

	f.run(t, `search id(3_4) | tag update copy_of {identifier}`)
	assert.Equal(t, map[string]any{"copy_of": "3_4"}, seen.Data["update"])
}

func TestTagNowaitSpawnsForkedTask(t *testing.T) {
	f := newFixture(t)

	values := f.run(t, `search id(0_0) | tag delete owner --nowait`)
	require.Len(t, values, 1)
	handle, ok := values[0].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(handle, "Spawned WorkerTask tag:"), "got %q", handle)
	assert.Equal(t, 1, f.cli.ForkedTasks())

	// a worker finishes the task, the reaper collects it
	startWorker(t, f, []string{"tag"}, func(task workerq.WorkerTask) map[string]any {
		return task.Data["node"].(map[string]any)
	})
	require.Eventually(t, func() bool {
		f.cli.Reap()
		return f.cli.ForkedTasks() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteTaskAsSource(t *testing.T) {
	f := newFixture(t)
	startWorker(t, f, []string{"erase"}, func(task workerq.WorkerTask) map[string]any {
		return map[string]any{"args": task.Data["args"], "ok": true}
	})

	values := f.run(t, `execute-task --command erase --arg "all of it"`)
	require.Len(t, values, 1)
	result := values[0].(map[string]any)
	assert.Equal(t, "all of it", result["args"])
	assert.Equal(t, true, result["ok"])
}

func TestExecuteTaskPerNodeInterpolatesID(t *testing.T) {
	f := newFixture(t)
	var args []string
	startWorker(t, f, []string{"erase"}, func(task workerq.WorkerTask) map[string]any {
		args = append(args, task.Data["args"].(string))
		return map[string]any{"done": true}
	})

	values := f.run(t, `search is(bla) sort identifier | head 2 | execute-task --command erase --arg "wipe {id}"`)
	require.Len(t, values, 2)
	assert.Equal(t, []string{"wipe 0_0", "wipe 0_1"}, args)

	// --no-node-result passes the input node through instead
	nodes := f.run(t, `search id(0_5) | execute-task --command erase --arg x --no-node-result`)
	require.Len(t, nodes, 1)
	assert.Equal(t, "0_5", graph.NodeID(nodes[0].(map[string]any)))
}

func TestHistoryCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.graph.PatchSection(ctx, "0_0", "desired", map[string]any{"clean": true})
	require.NoError(t, err)
	f.graph.DeleteNode("9_9")

	updates := f.run(t, `history --change node_updated`)
	require.Len(t, updates, 1)
	entry := updates[0].(map[string]any)
	assert.Equal(t, "node_updated", entry["change"])
	assert.Equal(t, "0_0", graph.NodeID(entry))

	deletes := f.run(t, `history --change node_deleted`)
	require.Len(t, deletes, 1)

	// relative time bounds
	recent := f.run(t, `history --after 5m --change node_updated`)
	assert.Len(t, recent, 1)
	none := f.run(t, `history --before 5m --change node_updated`)
	assert.Empty(t, none)

	// query filter on the changed node
	filtered := f.run(t, `history --change node_updated is(bla)`)
	assert.Len(t, filtered, 1)
}
