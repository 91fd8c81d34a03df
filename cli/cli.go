package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/BRLink/resoto/workerq"
)

// CLI parses command lines into pipelines and executes them. It also
// implements task.CommandRunner so workflow steps can run command lines.
type CLI struct {
	deps     *Dependencies
	logger   *slog.Logger
	commands map[string]Command
	order    []string

	mu     sync.Mutex
	forked []forkedTask
}

// forkedTask is a worker task spawned with --nowait. The reaper logs
// its outcome instead of a command line waiting for it.
type forkedTask struct {
	description string
	result      <-chan workerq.TaskResult
}

// New creates the CLI with all commands registered.
func New(deps *Dependencies) *CLI {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: deps.Config.CLI.HTTPTimeout}
	}
	c := &CLI{
		deps:     deps,
		logger:   logger.With("component", "cli"),
		commands: map[string]Command{},
	}
	for _, cmd := range allCommands(c) {
		c.register(cmd)
	}
	return c
}

func (c *CLI) register(cmd Command) {
	c.commands[cmd.Name()] = cmd
	c.order = append(c.order, cmd.Name())
}

// Commands returns the registered command names in registration order.
func (c *CLI) Commands() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Command returns a registered command by name.
func (c *CLI) Command(name string) (Command, bool) {
	cmd, ok := c.commands[name]
	return cmd, ok
}

// Pipeline is one compiled chain of stages.
type Pipeline struct {
	stages []*CompiledStage
}

// Evaluate compiles a command line into pipelines without executing
// them. All ParseErrors surface here.
func (c *CLI) Evaluate(cctx *Context, line string) ([]*Pipeline, error) {
	var pipelines []*Pipeline
	for _, part := range splitTopLevel(line, ';') {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pipeline, err := c.compilePipeline(cctx, part)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, pipeline)
	}
	if len(pipelines) == 0 {
		return nil, NewParseError("empty command line")
	}
	return pipelines, nil
}

func (c *CLI) compilePipeline(cctx *Context, raw string) (*Pipeline, error) {
	parts := splitTopLevel(raw, '|')
	stages := make([]*CompiledStage, 0, len(parts))
	for i, part := range parts {
		name, arg := splitCommand(part)
		if name == "" {
			return nil, NewParseError("missing command in %q", strings.TrimSpace(raw))
		}
		cmd, ok := c.commands[name]
		if !ok {
			return nil, NewParseError("unknown command: %s", name)
		}
		switch {
		case i == 0 && !cmd.Position().Has(PositionSource):
			return nil, NewParseError("%s cannot be the first command of a pipeline", name)
		case i > 0 && i < len(parts)-1 && !cmd.Position().Has(PositionFlow):
			return nil, NewParseError("%s can only be used at the end of a pipeline", name)
		case i > 0 && i == len(parts)-1 && !cmd.Position().Has(PositionFlow) && !cmd.Position().Has(PositionSink):
			return nil, NewParseError("%s can only start a pipeline", name)
		}
		stage, err := cmd.Compile(cctx, arg)
		if err != nil {
			return nil, err
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.CommandsParsed.WithLabelValues(name).Inc()
		}
		stages = append(stages, stage)
	}
	return &Pipeline{stages: stages}, nil
}

// splitCommand separates the command name from its argument string.
func splitCommand(part string) (name, arg string) {
	trimmed := strings.TrimSpace(part)
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		return trimmed[:idx], strings.TrimSpace(trimmed[idx+1:])
	}
	return trimmed, ""
}

// Execute compiles and runs a command line. The result holds one value
// slice per pipeline.
func (c *CLI) Execute(ctx context.Context, cctx *Context, line string) ([][]any, error) {
	pipelines, err := c.Evaluate(cctx, line)
	if err != nil {
		return nil, err
	}
	results := make([][]any, 0, len(pipelines))
	for _, pipeline := range pipelines {
		values, err := pipeline.Execute(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, values)
	}
	return results, nil
}

// RunCommand implements task.CommandRunner: it executes the command
// line with the task environment overlaid and discards the output.
func (c *CLI) RunCommand(ctx context.Context, command string, env map[string]string) error {
	cctx := NewContext(c.deps).WithEnv(env)
	_, err := c.Execute(ctx, cctx, command)
	return err
}

// Execute runs the pipeline and collects the output of the last stage.
// Every stage runs in its own goroutine connected by bounded channels;
// when the last stage finishes, upstream producers are cancelled.
func (p *Pipeline) Execute(ctx context.Context) ([]any, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := make(chan any)
	close(source)
	var in <-chan any = source

	errCh := make(chan error, len(p.stages))
	for _, stage := range p.stages {
		out := make(chan any, stageBuffer)
		go func(stage *CompiledStage, in <-chan any, out chan<- any) {
			defer close(out)
			errCh <- stage.Run(ctx, in, out)
		}(stage, in, out)
		in = out
	}

	var result []any
	for v := range in {
		result = append(result, v)
	}
	// Unblock producers still feeding an early-terminated consumer.
	cancel()

	var firstErr error
	for range p.stages {
		if err := <-errCh; err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if firstErr == nil && parent.Err() != nil {
		firstErr = parent.Err()
	}
	return result, firstErr
}

// Fork registers a worker task whose result nobody waits for. Reap
// collects the outcomes.
func (c *CLI) Fork(description string, result <-chan workerq.TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forked = append(c.forked, forkedTask{description: description, result: result})
}

// Reap drains the outcome of every completed forked task and logs
// failures. Unfinished tasks stay registered.
func (c *CLI) Reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var remaining []forkedTask
	for _, ft := range c.forked {
		select {
		case result := <-ft.result:
			if result.Err != nil {
				c.logger.Warn("forked task failed", "task", ft.description, "error", result.Err)
			} else {
				c.logger.Debug("forked task finished", "task", ft.description)
			}
		default:
			remaining = append(remaining, ft)
		}
	}
	c.forked = remaining
}

// ForkedTasks returns the number of forked tasks not yet reaped.
func (c *CLI) ForkedTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forked)
}

// Info renders one line per command: name and description.
func (c *CLI) Info() string {
	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, c.commands[name].Info())
	}
	return b.String()
}
