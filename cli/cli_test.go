package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/cfgstore"
	"github.com/BRLink/resoto/config"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/graph"
	"github.com/BRLink/resoto/query"
	"github.com/BRLink/resoto/subscription"
	"github.com/BRLink/resoto/task"
	"github.com/BRLink/resoto/workerq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cli     *CLI
	cctx    *Context
	deps    *Dependencies
	handler *task.Handler
	workers *workerq.Queue
	msgBus  *bus.MessageBus
	graph   *graph.Memory
}

// seedGraph fills the test graph: 100 bla nodes "0_0".."9_9" and one
// foo parent per row connected with default edges.
func seedGraph(g *graph.Memory) {
	for i := 0; i < 10; i++ {
		fooID := fmt.Sprintf("foo_%d", i)
		g.InsertNode(graph.Node{
			"id":       fooID,
			"kinds":    []any{"foo"},
			"reported": map[string]any{"identifier": fooID, "kind": "foo", "name": fooID},
		})
		for j := 0; j < 10; j++ {
			blaID := fmt.Sprintf("%d_%d", i, j)
			g.InsertNode(graph.Node{
				"id":       blaID,
				"kinds":    []any{"bla"},
				"reported": map[string]any{"identifier": blaID, "kind": "bla", "name": blaID, "some_int": float64(i)},
			})
			g.InsertEdge(fooID, blaID, graph.EdgeDefault)
		}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.CLI.DefaultGraph = "ns"
	cfg.CLI.TempDir = t.TempDir()
	cfg.Workers.BackoffBase = time.Millisecond

	msgBus := bus.NewMessageBus(logger)
	subStore := db.NewInMemoryDb[subscription.Subscriber](func(s subscription.Subscriber) string { return string(s.ID) })
	subs, err := subscription.NewHandler(ctx, subStore, msgBus, logger)
	require.NoError(t, err)

	workers := workerq.NewQueue(logger, workerq.WithBackoffBase(time.Millisecond))
	t.Cleanup(workers.Close)

	graphs := graph.NewStore()
	seedGraph(graphs.Graph("ns"))

	deps := &Dependencies{
		Logger:        logger,
		Config:        cfg,
		Bus:           msgBus,
		Subscriptions: subs,
		Workers:       workers,
		Graphs:        graphs,
		Templates:     query.NewExpander(db.NewInMemoryDb[query.Template](func(tpl query.Template) string { return tpl.Name })),
		Configs:       cfgstore.NewStore(db.NewInMemoryDb[cfgstore.Entry](func(e cfgstore.Entry) string { return e.ID })),
		Backup:        &graph.FileBackup{Store: graphs, Dir: t.TempDir()},
		Certificates:  &SelfSignedCertificates{Dir: t.TempDir()},
	}

	runningStore := db.NewInMemoryDb[db.RunningTaskData](func(d db.RunningTaskData) string { return string(d.ID) })
	historyDb := db.NewTaskHistoryDb(db.NewInMemoryDb[db.TaskHistoryRecord](func(r db.TaskHistoryRecord) string { return string(r.ID) }))
	jobDb := db.NewInMemoryDb[task.Job](func(j task.Job) string { return string(j.DescriptorID) })
	handler, err := task.NewHandler(ctx, db.NewRunningTaskDb(runningStore), historyDb, jobDb, msgBus, subs, logger)
	require.NoError(t, err)
	deps.SetTaskHandler(handler)

	c := New(deps)
	handler.SetCommandRunner(c)
	require.NoError(t, handler.Start(ctx))
	t.Cleanup(handler.Stop)

	return &fixture{
		cli:     c,
		cctx:    NewContext(deps),
		deps:    deps,
		handler: handler,
		workers: workers,
		msgBus:  msgBus,
		graph:   graphs.Graph("ns"),
	}
}

// run executes a single pipeline command line and returns its values.
func (f *fixture) run(t *testing.T, line string) []any {
	t.Helper()
	results, err := f.cli.Execute(context.Background(), f.cctx, line)
	require.NoError(t, err, "command line: %s", line)
	require.Len(t, results, 1)
	return results[0]
}

func TestEchoSource(t *testing.T) {
	f := newFixture(t)

	results, err := f.cli.Execute(context.Background(), f.cctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{""}}, results)

	assert.Equal(t, []any{"this is a string"}, f.run(t, "echo this is a string"))
	assert.Equal(t, []any{"with spaces"}, f.run(t, `echo "with spaces"`))
}

func TestJSONSourceWithHeadAndTail(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []any{1.0, 2.0}, f.run(t, "json [1,2,3,4,5] | head 2"))
	assert.Equal(t, []any{4.0, 5.0}, f.run(t, "json [1,2,3,4,5] | tail 2"))
	assert.Equal(t, []any{1.0, 2.0}, f.run(t, "json [1,2,3,4,5] | head -2"))
	assert.Equal(t, []any{map[string]any{"a": 1.0}}, f.run(t, `json {"a":1}`))
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0}, f.run(t, "json [1,2,3,4,5] | head 99"))
}

func TestSemicolonSeparatesPipelines(t *testing.T) {
	f := newFixture(t)
	results, err := f.cli.Execute(context.Background(), f.cctx, "echo one; echo two")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"one"}, {"two"}}, results)
}

func TestParseErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		line string
	}{
		{"unknown command", "frobnicate"},
		{"flow at head", "head 2"},
		{"sink in the middle", "json [1] | http http://localhost | head 1"},
		{"source after pipe", "json [1] | echo nope"},
		{"bad json", "json [1,"},
		{"non numeric sleep", "sleep abc"},
		{"csv and markdown", "json [1] | list a --csv --markdown"},
		{"empty line", "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.cli.Evaluate(f.cctx, tc.line)
			require.Error(t, err)
			assert.True(t, IsParseError(err), "expected ParseError, got %v", err)
		})
	}
}

func TestExecutionErrorsAreNotParseErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.cli.Execute(context.Background(), f.cctx, "workflows run no_such_workflow")
	require.Error(t, err)
	assert.False(t, IsParseError(err))
}

func TestSearchSortAndLimit(t *testing.T) {
	f := newFixture(t)
	values := f.run(t, "search is(bla) sort identifier | limit 2, 2")
	require.Len(t, values, 2)
	assert.Equal(t, "0_2", graph.NodeID(values[0].(map[string]any)))
	assert.Equal(t, "0_3", graph.NodeID(values[1].(map[string]any)))
}

func TestSearchExpandsTemplates(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []any{"Template all_blas added."}, f.run(t, "templates add all_blas is({{kind}})"))

	values := f.run(t, `search expand(all_blas, kind="bla") | count`)
	assert.Equal(t, []any{"total matched: 100", "total unmatched: 0"}, values)

	// execute_search skips template handling
	_, err := f.cli.Execute(context.Background(), f.cctx, `execute_search expand(all_blas, kind="bla")`)
	require.Error(t, err)
	assert.True(t, IsParseError(err))
}

func TestCountGroupsByAttribute(t *testing.T) {
	f := newFixture(t)

	values := f.run(t, `json [{"a":1},{"a":1},{"a":2},{"b":3}] | count a`)
	assert.Equal(t, []any{
		"2: 1",
		"1: 2",
		"total matched: 3",
		"total unmatched: 1",
	}, values)

	assert.Equal(t, []any{"total matched: 5", "total unmatched: 0"}, f.run(t, "json [1,2,3,4,5] | count"))
}

func TestChunkAndFlattenRoundTrip(t *testing.T) {
	f := newFixture(t)

	chunked := f.run(t, "json [1,2,3,4,5] | chunk 2")
	assert.Equal(t, []any{
		[]any{1.0, 2.0},
		[]any{3.0, 4.0},
		[]any{5.0},
	}, chunked)

	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0}, f.run(t, "json [1,2,3,4,5] | chunk 2 | flatten"))
}

func TestUniqKeepsFirstOccurrence(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, f.run(t, "json [1,2,1,3,2,1] | uniq"))
	assert.Equal(t,
		[]any{map[string]any{"a": 1.0}},
		f.run(t, `json [{"a":1},{"a":1}] | uniq`))
}

func TestSortIsStableAndComposes(t *testing.T) {
	f := newFixture(t)

	asc := f.run(t, `json [{"v":3},{"v":1},{"v":2}] | sort v`)
	assert.Equal(t, []any{
		map[string]any{"v": 1.0},
		map[string]any{"v": 2.0},
		map[string]any{"v": 3.0},
	}, asc)

	desc := f.run(t, `json [{"v":3},{"v":1},{"v":2}] | sort v desc`)
	assert.Equal(t, []any{
		map[string]any{"v": 3.0},
		map[string]any{"v": 2.0},
		map[string]any{"v": 1.0},
	}, desc)

	// the later sort wins, earlier sort breaks ties
	composed := f.run(t, `json [{"a":2,"b":1},{"a":1,"b":1},{"a":1,"b":0}] | sort a | sort b`)
	assert.Equal(t, []any{
		map[string]any{"a": 1.0, "b": 0.0},
		map[string]any{"a": 1.0, "b": 1.0},
		map[string]any{"a": 2.0, "b": 1.0},
	}, composed)
}

func TestLimitWindow(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []any{1.0, 2.0}, f.run(t, "json [1,2,3,4,5] | limit 2"))
	assert.Equal(t, []any{3.0, 4.0}, f.run(t, "json [1,2,3,4,5] | limit 2, 2"))
	assert.Equal(t, []any{5.0}, f.run(t, "json [1,2,3,4,5] | limit 4, 99"))
}

func TestListRendering(t *testing.T) {
	f := newFixture(t)

	plain := f.run(t, `json [{"kind":"volume","id":"v1","name":"disk"}] | list kind, id as identifier`)
	assert.Equal(t, []any{"kind=volume, identifier=v1"}, plain)

	// missing values are skipped in the plain rendering
	sparse := f.run(t, `json [{"kind":"volume"}] | list kind, name`)
	assert.Equal(t, []any{"kind=volume"}, sparse)

	csvLines := f.run(t, `json [{"a":1,"b":"x"},{"a":2,"b":"y"}] | list a, b --csv`)
	assert.Equal(t, []any{"a,b", "1,x", "2,y"}, csvLines)

	markdown := f.run(t, `json [{"a":1}] | list a --markdown`)
	assert.Equal(t, []any{"| a |", "| --- |", "| 1 |"}, markdown)
}

func TestFormatInterpolation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []any{"1+2"}, f.run(t, `json {"a":1,"b":2} | format {a}+{b}`))
	assert.Equal(t, []any{"value is null"}, f.run(t, `json {"a":1} | format "value is {missing}"`))
	assert.Equal(t, []any{"{literal}"}, f.run(t, `json {} | format {{literal}}`))
	assert.Equal(t, []any{"true and null"}, f.run(t, `json {"a":true,"b":null} | format "{a} and {b}"`))
}

func TestJQTransformsWithSectionRewrite(t *testing.T) {
	f := newFixture(t)

	// bare paths resolve against the reported section of the node
	values := f.run(t, `search id(0_0) | jq .identifier`)
	assert.Equal(t, []any{"0_0"}, values)

	// absolute path with the ./ marker
	values = f.run(t, `search id(0_0) | jq ./id`)
	assert.Equal(t, []any{"0_0"}, values)

	// the tail after the first top-level pipe is untouched
	values = f.run(t, `json {"reported":{"a":[1,2]}} | jq ".a | length"`)
	assert.Equal(t, []any{2}, values)
}

func TestRewriteJQ(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{".name", ".reported.name"},
		{"./name", ".name"},
		{".a.b", ".reported.a.b"},
		{".a | .b", ".reported.a | .b"},
		{`{n: .name}`, `{n: .reported.name}`},
		{`."quoted"`, `."quoted"`},
		{".", "."},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rewriteJQ(tc.in, "reported"), "input %q", tc.in)
	}
}

func TestAggregateToCount(t *testing.T) {
	f := newFixture(t)
	values := f.run(t, `json [{"group":{"name":"instance"},"count":5},{"group":{"name":"volume"},"count":3}] | aggregate_to_count`)
	assert.Equal(t, []any{
		"instance: 5",
		"volume: 3",
		"total matched: 8",
		"total unmatched: 0",
	}, values)
}

func TestSleepEmitsEmptyString(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	assert.Equal(t, []any{""}, f.run(t, "sleep 0.01"))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`a b c`, []string{"a", "b", "c"}},
		{`a "b c" d`, []string{"a", "b c", "d"}},
		{`a 'b "c"' d`, []string{"a", `b "c"`, "d"}},
		{`key="some value"`, []string{"key=some value"}},
		{``, nil},
	}
	for _, tc := range cases {
		tokens, err := tokenize(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, tokens, "input %q", tc.in)
	}

	_, err := tokenize(`"unterminated`)
	require.Error(t, err)
}

func TestSplitTopLevelRespectsQuotes(t *testing.T) {
	assert.Equal(t, []string{"echo a", " echo b"}, splitTopLevel("echo a; echo b", ';'))
	assert.Equal(t, []string{`echo "a;b"`}, splitTopLevel(`echo "a;b"`, ';'))
	assert.Equal(t, []string{`json {"a":1} `, ` format "{a}|{a}"`}, splitTopLevel(`json {"a":1} | format "{a}|{a}"`, '|'))
}

func TestRunCommandExecutesForTaskSteps(t *testing.T) {
	f := newFixture(t)
	err := f.cli.RunCommand(context.Background(), "json [1,2,3] | count", map[string]string{"graph": "ns", "section": "reported"})
	require.NoError(t, err)

	err = f.cli.RunCommand(context.Background(), "not a command", nil)
	require.Error(t, err)
}
