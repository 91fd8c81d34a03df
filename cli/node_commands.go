package cli

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/BRLink/resoto/graph"
	"github.com/BRLink/resoto/ids"
	"github.com/BRLink/resoto/workerq"
)

// maxTraversalDepth bounds ancestors and descendants walks.
const maxTraversalDepth = 100

// parseTypedValue interprets a literal as JSON and falls back to the
// raw string, so k=true and k=2 keep their types.
func parseTypedValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return stripQuotes(raw)
}

// setSectionCommand backs set_desired, set_metadata, clean and
// protect. With a fixed patch the argument is an optional free-form
// reason; otherwise k=v pairs form the patch.
func setSectionCommand(name, section string, fixed map[string]any) Command {
	info := "Set values in the " + section + " section of each node."
	if fixed != nil {
		info = "Mark each node in the " + section + " section."
	}
	return &command{
		name: name,
		pos:  PositionFlow,
		info: info,
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			patch := fixed
			if patch == nil {
				tokens, err := tokenize(arg)
				if err != nil {
					return nil, err
				}
				if len(tokens) == 0 {
					return nil, NewParseError("%s: at least one key=value pair required", name)
				}
				patch = make(map[string]any, len(tokens))
				for _, token := range tokens {
					key, value, ok := strings.Cut(token, "=")
					if !ok || key == "" {
						return nil, NewParseError("%s: expected key=value, got %q", name, token)
					}
					patch[key] = parseTypedValue(value)
				}
			}
			db := cctx.Graph()
			return mapStage(name, func(ctx context.Context, value any) ([]any, error) {
				node, ok := value.(map[string]any)
				if !ok {
					return []any{value}, nil
				}
				id := graph.NodeID(node)
				if id == "" {
					return []any{graph.MergeSection(node, section, patch)}, nil
				}
				updated, err := db.PatchSection(ctx, id, section, patch)
				if err != nil {
					return nil, err
				}
				return []any{updated}, nil
			}), nil
		},
	}
}

// tagAttributes derives the routing attributes of a tag worker task
// from the node.
func tagAttributes(node graph.Node, section string) map[string]string {
	attrs := map[string]string{}
	for _, key := range []string{"cloud", "account", "region"} {
		if value, ok := resolvePath(node, key, section); ok {
			if s, ok := value.(string); ok {
				attrs[key] = s
			}
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func tagCommand(c *CLI) Command {
	return &command{
		name: "tag",
		pos:  PositionFlow,
		info: "Update or delete a tag on each node via a worker task.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			nowait := false
			filtered := tokens[:0]
			for _, token := range tokens {
				if token == "--nowait" {
					nowait = true
					continue
				}
				filtered = append(filtered, token)
			}
			tokens = filtered
			if len(tokens) == 0 {
				return nil, NewParseError("tag: expected update or delete")
			}
			var data map[string]any
			switch tokens[0] {
			case "update":
				if len(tokens) != 3 {
					return nil, NewParseError("tag update: expected a key and a value")
				}
				data = map[string]any{"update": map[string]any{tokens[1]: tokens[2]}}
			case "delete":
				if len(tokens) != 2 {
					return nil, NewParseError("tag delete: expected a key")
				}
				data = map[string]any{"delete": []any{tokens[1]}}
			default:
				return nil, NewParseError("tag: unknown action %q", tokens[0])
			}
			deps := cctx.Deps
			section := cctx.Section()
			graphName := cctx.GraphName()
			db := cctx.Graph()
			return mapStage("tag", func(ctx context.Context, value any) ([]any, error) {
				node, ok := value.(map[string]any)
				if !ok {
					return []any{value}, nil
				}
				taskData := map[string]any{"graph": graphName, "node": node}
				for k, v := range data {
					// {path} placeholders in the new tag value resolve against the node
					if k == "update" {
						update := map[string]any{}
						for key, raw := range v.(map[string]any) {
							update[key] = renderFormat(raw.(string), node, section)
						}
						taskData[k] = update
						continue
					}
					taskData[k] = v
				}
				task := workerq.WorkerTask{
					ID:         ids.NewWorkerTaskId(),
					Name:       "tag",
					Attributes: tagAttributes(node, section),
					Data:       taskData,
					Timeout:    time.Minute,
				}
				result, err := deps.Workers.AddTask(task)
				if err != nil {
					return nil, err
				}
				if nowait {
					c.Fork("tag:"+task.ID, result)
					return []any{"Spawned WorkerTask tag:" + task.ID}, nil
				}
				select {
				case r := <-result:
					if r.Err != nil {
						return nil, r.Err
					}
					updated := graph.Node(r.Data)
					stored, err := db.Get(ctx, graph.NodeID(node))
					if err != nil || !reflect.DeepEqual(stored, updated) {
						deps.Logger.Warn("Update not reflected in db. Wait until next collector run.",
							"node_id", graph.NodeID(node))
					}
					return []any{updated}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}), nil
		},
	}
}

// traversalCommand backs predecessors, successors, ancestors and
// descendants.
func traversalCommand(name string, outbound, deep bool) Command {
	direction := graph.DirectionIn
	if outbound {
		direction = graph.DirectionOut
	}
	maxDepth := 1
	if deep {
		maxDepth = maxTraversalDepth
	}
	return &command{
		name: name,
		pos:  PositionFlow,
		info: "Walk the graph from each input node and stream the " + name + ".",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			withOrigin := false
			edge := graph.EdgeDefault
			for _, token := range tokens {
				switch {
				case token == "--with-origin":
					withOrigin = true
				case edge == graph.EdgeDefault && !strings.HasPrefix(token, "--"):
					edge = token
				default:
					return nil, NewParseError("%s: unexpected argument %q", name, token)
				}
			}
			db := cctx.Graph()
			return mapStage(name, func(ctx context.Context, value any) ([]any, error) {
				node, ok := value.(map[string]any)
				if !ok {
					return nil, nil
				}
				id := graph.NodeID(node)
				if id == "" {
					return nil, nil
				}
				var results []any
				if withOrigin {
					results = append(results, node)
				}
				neighbors, err := db.Traverse(ctx, id, direction, edge, 1, maxDepth)
				if err != nil {
					return nil, err
				}
				for _, neighbor := range neighbors {
					results = append(results, neighbor)
				}
				return results, nil
			}), nil
		},
	}
}

func executeTaskCommand() Command {
	return &command{
		name: "execute-task",
		pos:  PositionSource | PositionFlow,
		info: "Post a worker task and emit its result, one per input node in flow position.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			commandName := ""
			taskArg := ""
			noNodeResult := false
			for i := 0; i < len(tokens); i++ {
				switch tokens[i] {
				case "--command":
					if i+1 >= len(tokens) {
						return nil, NewParseError("execute-task: --command requires a value")
					}
					commandName = tokens[i+1]
					i++
				case "--arg":
					if i+1 >= len(tokens) {
						return nil, NewParseError("execute-task: --arg requires a value")
					}
					taskArg = tokens[i+1]
					i++
				case "--no-node-result":
					noNodeResult = true
				default:
					return nil, NewParseError("execute-task: unknown flag %q", tokens[i])
				}
			}
			if commandName == "" {
				return nil, NewParseError("execute-task: --command is required")
			}
			deps := cctx.Deps
			run := func(ctx context.Context, args string, node graph.Node) (map[string]any, error) {
				data := map[string]any{"args": args}
				if node != nil {
					data["node"] = node
				}
				result, err := deps.Workers.AddTask(workerq.WorkerTask{
					Name:    commandName,
					Data:    data,
					Timeout: time.Minute,
				})
				if err != nil {
					return nil, err
				}
				select {
				case r := <-result:
					if r.Err != nil {
						return nil, r.Err
					}
					return r.Data, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &CompiledStage{Name: "execute-task", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				if len(values) == 0 {
					data, err := run(ctx, taskArg, nil)
					if err != nil {
						return err
					}
					return emit(ctx, out, data)
				}
				for _, value := range values {
					node, ok := value.(map[string]any)
					if !ok {
						continue
					}
					args := strings.ReplaceAll(taskArg, "{id}", graph.NodeID(node))
					data, err := run(ctx, args, node)
					if err != nil {
						return err
					}
					result := any(data)
					if noNodeResult {
						result = node
					}
					if err := emit(ctx, out, result); err != nil {
						return err
					}
				}
				return nil
			}}, nil
		},
	}
}
