// Package cli implements the command pipeline of the core: a lexer and
// parser for semicolon separated pipelines, a registry of commands, and
// the streaming execution engine that wires compiled stages together
// with bounded channels.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/cfgstore"
	"github.com/BRLink/resoto/config"
	"github.com/BRLink/resoto/graph"
	"github.com/BRLink/resoto/metrics"
	"github.com/BRLink/resoto/query"
	"github.com/BRLink/resoto/subscription"
	"github.com/BRLink/resoto/task"
	"github.com/BRLink/resoto/workerq"
)

// Position of a stage within a pipeline. A command may support more
// than one position (execute-task works as source and as flow).
type Position int

// Stage positions.
const (
	PositionSource Position = 1 << iota
	PositionFlow
	PositionSink
)

// Has reports whether the position includes the given one.
func (p Position) Has(other Position) bool { return p&other != 0 }

// ParseError is raised while compiling a command line, never during
// execution. It renders as a single line diagnostic.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "ParseError: " + e.Message }

// NewParseError creates a ParseError with a formatted message.
func NewParseError(format string, args ...any) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// IsParseError reports whether the error is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// CertificateHandler creates key material for "certificate create".
type CertificateHandler interface {
	// Create produces a key and a certificate for the common name and
	// returns both file paths.
	Create(ctx context.Context, commonName string, sans []string) (keyPath, certPath string, err error)
}

// Dependencies is the service registry the commands resolve their
// collaborators from. The task handler is installed after construction
// to break the cycle between it and the CLI.
type Dependencies struct {
	Logger        *slog.Logger
	Config        *config.Config
	Bus           *bus.MessageBus
	Subscriptions *subscription.Handler
	Workers       *workerq.Queue
	Graphs        *graph.Store
	Templates     *query.Expander
	Configs       *cfgstore.Store
	Backup        graph.BackupHandler
	Certificates  CertificateHandler
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics

	tasks *task.Handler
}

// SetTaskHandler installs the task handler after construction.
func (d *Dependencies) SetTaskHandler(h *task.Handler) { d.tasks = h }

// Tasks returns the installed task handler.
func (d *Dependencies) Tasks() (*task.Handler, error) {
	if d.tasks == nil {
		return nil, fmt.Errorf("task handler not installed")
	}
	return d.tasks, nil
}

// Context carries the per-invocation environment of a command line:
// which graph to operate on and which node section relative paths
// resolve against.
type Context struct {
	Env  map[string]string
	Deps *Dependencies
}

// NewContext creates a context with the configured defaults.
func NewContext(deps *Dependencies) *Context {
	return &Context{
		Env: map[string]string{
			"graph":   deps.Config.CLI.DefaultGraph,
			"section": deps.Config.CLI.DefaultSection,
		},
		Deps: deps,
	}
}

// WithEnv returns a copy of the context with the entries overlaid.
func (c *Context) WithEnv(env map[string]string) *Context {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return &Context{Env: merged, Deps: c.Deps}
}

// GraphName returns the graph the command line operates on.
func (c *Context) GraphName() string { return c.Env["graph"] }

// Section returns the node section relative paths resolve against.
func (c *Context) Section() string { return c.Env["section"] }

// Graph returns the graph database of the context.
func (c *Context) Graph() graph.Database { return c.Deps.Graphs.Graph(c.GraphName()) }

// stageBuffer bounds the channel between two stages. Downstream
// consumption drives upstream production.
const stageBuffer = 16

// CompiledStage is one executable stage of a pipeline. Run must read
// in until it is closed (or the context is done) and close nothing:
// the engine owns the channels.
type CompiledStage struct {
	Name string
	Run  func(ctx context.Context, in <-chan any, out chan<- any) error
}

// Command compiles one named stage. Argument validation happens in
// Compile; Run never raises a ParseError.
type Command interface {
	Name() string
	Position() Position
	Info() string
	Compile(cctx *Context, arg string) (*CompiledStage, error)
}

// emit sends one value downstream, honoring cancellation.
func emit(ctx context.Context, out chan<- any, value any) error {
	select {
	case out <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitAll sends a slice of values downstream.
func emitAll(ctx context.Context, out chan<- any, values []any) error {
	for _, v := range values {
		if err := emit(ctx, out, v); err != nil {
			return err
		}
	}
	return nil
}

// drain collects the whole input into a slice.
func drain(ctx context.Context, in <-chan any) ([]any, error) {
	var out []any
	for {
		select {
		case v, ok := <-in:
			if !ok {
				return out, nil
			}
			out = append(out, v)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// sourceStage adapts a producer function into a stage that ignores input.
func sourceStage(name string, produce func(ctx context.Context, out chan<- any) error) *CompiledStage {
	return &CompiledStage{Name: name, Run: func(ctx context.Context, _ <-chan any, out chan<- any) error {
		return produce(ctx, out)
	}}
}

// mapStage adapts a per-value function into a stage. Returning
// multiple values expands them element-wise.
func mapStage(name string, apply func(ctx context.Context, value any) ([]any, error)) *CompiledStage {
	return &CompiledStage{Name: name, Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return nil
				}
				mapped, err := apply(ctx, v)
				if err != nil {
					return err
				}
				if err := emitAll(ctx, out, mapped); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}}
}
