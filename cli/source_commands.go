package cli

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BRLink/resoto/graph"
)

// Version is the release of the core, reported by "system info".
const Version = "3.0.0"

func echoCommand() Command {
	return &command{
		name: "echo",
		pos:  PositionSource,
		info: "Send the provided string to the downstream command.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			value := stripQuotes(arg)
			return sourceStage("echo", func(ctx context.Context, out chan<- any) error {
				return emit(ctx, out, value)
			}), nil
		},
	}
}

func jsonCommand() Command {
	return &command{
		name: "json",
		pos:  PositionSource,
		info: "Parse a JSON literal and send it downstream, arrays element-wise.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			var value any
			if err := json.Unmarshal([]byte(arg), &value); err != nil {
				return nil, NewParseError("json: invalid literal: %v", err)
			}
			values, ok := value.([]any)
			if !ok {
				values = []any{value}
			}
			return sourceStage("json", func(ctx context.Context, out chan<- any) error {
				return emitAll(ctx, out, values)
			}), nil
		},
	}
}

func sleepCommand() Command {
	return &command{
		name: "sleep",
		pos:  PositionSource,
		info: "Wait for the given number of seconds, then send an empty string.",
		compile: func(_ *Context, arg string) (*CompiledStage, error) {
			seconds, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
			if err != nil || seconds < 0 {
				return nil, NewParseError("sleep: invalid duration %q", arg)
			}
			delay := time.Duration(seconds * float64(time.Second))
			return sourceStage("sleep", func(ctx context.Context, out chan<- any) error {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
				return emit(ctx, out, "")
			}), nil
		},
	}
}

// searchCommand backs both "search" (templates expanded first) and
// "execute_search" (the raw query is compiled as-is).
func searchCommand(expandTemplates bool) Command {
	name := "search"
	info := "Search the graph and stream the matching nodes."
	if !expandTemplates {
		name = "execute_search"
		info = "Run an already expanded search without template processing."
	}
	return &command{
		name: name,
		pos:  PositionSource,
		info: info,
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			raw := arg
			if expandTemplates {
				expanded, err := cctx.Deps.Templates.Expand(context.Background(), raw)
				if err != nil {
					return nil, NewParseError("%s: %v", name, err)
				}
				raw = expanded
			}
			q, err := graph.ParseQuery(raw, cctx.Section())
			if err != nil {
				return nil, NewParseError("%s: %v", name, err)
			}
			db := cctx.Graph()
			return sourceStage(name, func(ctx context.Context, out chan<- any) error {
				nodes, err := db.Search(ctx, q)
				if err != nil {
					return err
				}
				for _, node := range nodes {
					if err := emit(ctx, out, node); err != nil {
						return err
					}
				}
				return nil
			}), nil
		},
	}
}

func historyCommand() Command {
	return &command{
		name: "history",
		pos:  PositionSource,
		info: "Stream node changes, optionally filtered by time, change kind and query.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			var filter graph.HistoryFilter
			var queryTokens []string
			for i := 0; i < len(tokens); i++ {
				switch tokens[i] {
				case "--before", "--after":
					if i+1 >= len(tokens) {
						return nil, NewParseError("history: %s requires a value", tokens[i])
					}
					moment, err := parseMoment(tokens[i+1], time.Now().UTC())
					if err != nil {
						return nil, NewParseError("history: %v", err)
					}
					if tokens[i] == "--before" {
						filter.Before = moment
					} else {
						filter.After = moment
					}
					i++
				case "--change":
					if i+1 >= len(tokens) {
						return nil, NewParseError("history: --change requires a value")
					}
					filter.Changes = append(filter.Changes, tokens[i+1])
					i++
				default:
					queryTokens = append(queryTokens, tokens[i])
				}
			}
			if len(queryTokens) > 0 {
				q, err := graph.ParseQuery(strings.Join(queryTokens, " "), cctx.Section())
				if err != nil {
					return nil, NewParseError("history: %v", err)
				}
				filter.Query = &q
			}
			db := cctx.Graph()
			return sourceStage("history", func(ctx context.Context, out chan<- any) error {
				changes, err := db.History(ctx, filter)
				if err != nil {
					return err
				}
				for _, change := range changes {
					entry := graph.CloneNode(change.Node)
					if entry == nil {
						entry = graph.Node{"id": change.NodeID}
					}
					entry["change"] = change.Kind
					entry["changed_at"] = change.At.Format(time.RFC3339)
					if err := emit(ctx, out, entry); err != nil {
						return err
					}
				}
				return nil
			}), nil
		},
	}
}

// parseMoment accepts a relative duration before now (5m, 2h, also 3d
// and 1w) or an absolute RFC 3339 timestamp.
func parseMoment(raw string, now time.Time) (time.Time, error) {
	value := raw
	switch {
	case strings.HasSuffix(raw, "d"):
		value = strings.TrimSuffix(raw, "d")
		if days, err := strconv.ParseFloat(value, 64); err == nil {
			return now.Add(-time.Duration(days * 24 * float64(time.Hour))), nil
		}
	case strings.HasSuffix(raw, "w"):
		value = strings.TrimSuffix(raw, "w")
		if weeks, err := strconv.ParseFloat(value, 64); err == nil {
			return now.Add(-time.Duration(weeks * 7 * 24 * float64(time.Hour))), nil
		}
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, NewParseError("not a duration or timestamp: %q", raw)
}

func systemCommand() Command {
	return &command{
		name: "system",
		pos:  PositionSource,
		info: "System info and database backup operations.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, NewParseError("system: expected info or backup")
			}
			deps := cctx.Deps
			switch tokens[0] {
			case "info":
				return sourceStage("system", func(ctx context.Context, out chan<- any) error {
					return emit(ctx, out, map[string]any{
						"name":    "resotocore",
						"version": Version,
						"cpus":    runtime.NumCPU(),
					})
				}), nil
			case "backup":
				if len(tokens) < 2 {
					return nil, NewParseError("system backup: expected create or restore")
				}
				switch tokens[1] {
				case "create":
					return sourceStage("system", func(ctx context.Context, out chan<- any) error {
						path, err := deps.Backup.Create(ctx)
						if err != nil {
							return err
						}
						return emit(ctx, out, path)
					}), nil
				case "restore":
					if len(tokens) < 3 {
						return nil, NewParseError("system backup restore: file required")
					}
					file := tokens[2]
					return sourceStage("system", func(ctx context.Context, out chan<- any) error {
						if err := deps.Backup.Restore(ctx, file); err != nil {
							return err
						}
						return emit(ctx, out, "Backup restored from "+file+".")
					}), nil
				}
				return nil, NewParseError("system backup: unknown action %q", tokens[1])
			default:
				return nil, NewParseError("system: unknown action %q", tokens[0])
			}
		},
	}
}

func certificateCommand() Command {
	return &command{
		name: "certificate",
		pos:  PositionSource,
		info: "Create a signed certificate and emit the key and cert paths.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 || tokens[0] != "create" {
				return nil, NewParseError("certificate: expected create")
			}
			commonName := ""
			var sans []string
			for i := 1; i < len(tokens); i++ {
				switch tokens[i] {
				case "--common-name":
					if i+1 >= len(tokens) {
						return nil, NewParseError("certificate create: --common-name requires a value")
					}
					commonName = tokens[i+1]
					i++
				case "--san":
					if i+1 >= len(tokens) {
						return nil, NewParseError("certificate create: --san requires a value")
					}
					sans = append(sans, tokens[i+1])
					i++
				default:
					return nil, NewParseError("certificate create: unknown flag %q", tokens[i])
				}
			}
			if commonName == "" {
				return nil, NewParseError("certificate create: --common-name is required")
			}
			deps := cctx.Deps
			return sourceStage("certificate", func(ctx context.Context, out chan<- any) error {
				keyPath, certPath, err := deps.Certificates.Create(ctx, commonName, sans)
				if err != nil {
					return err
				}
				if err := emit(ctx, out, keyPath); err != nil {
					return err
				}
				return emit(ctx, out, certPath)
			}), nil
		},
	}
}
