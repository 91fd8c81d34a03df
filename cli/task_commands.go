package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BRLink/resoto/cfgstore"
	"github.com/BRLink/resoto/ids"
	"github.com/BRLink/resoto/query"
	"github.com/BRLink/resoto/task"
)

func workflowsCommand() Command {
	return &command{
		name: "workflows",
		pos:  PositionSource,
		info: "List, inspect and run workflows.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, NewParseError("workflows: expected list, show, run, running, history or log")
			}
			deps := cctx.Deps
			action, rest := tokens[0], tokens[1:]
			switch action {
			case "list":
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					for _, workflow := range h.Workflows() {
						if err := emit(ctx, out, string(workflow.ID())); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "show":
				if len(rest) != 1 {
					return nil, NewParseError("workflows show: workflow id required")
				}
				id := ids.TaskDescriptorId(rest[0])
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					descriptor, ok := h.Descriptor(id)
					workflow, isWorkflow := descriptor.(*task.Workflow)
					if !ok || !isWorkflow {
						return fmt.Errorf("no workflow with id %s", id)
					}
					rendered, err := toJSONValue(workflow)
					if err != nil {
						return err
					}
					return emit(ctx, out, rendered)
				}), nil
			case "run":
				if len(rest) != 1 {
					return nil, NewParseError("workflows run: workflow id required")
				}
				id := ids.TaskDescriptorId(rest[0])
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					descriptor, ok := h.Descriptor(id)
					if _, isWorkflow := descriptor.(*task.Workflow); !ok || !isWorkflow {
						return fmt.Errorf("no workflow with id %s", id)
					}
					return emit(ctx, out, startDescriptor(ctx, h, descriptor, "Workflow"))
				}), nil
			case "running":
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					for _, rt := range h.RunningTasks() {
						if _, isWorkflow := rt.Descriptor.(*task.Workflow); !isWorkflow {
							continue
						}
						if err := emit(ctx, out, runningTaskView(rt)); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "history":
				var id ids.TaskDescriptorId
				if len(rest) == 1 {
					id = ids.TaskDescriptorId(rest[0])
				} else if len(rest) > 1 {
					return nil, NewParseError("workflows history: at most one workflow id")
				}
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					records, err := h.History(ctx, id)
					if err != nil {
						return err
					}
					for _, record := range records {
						view := map[string]any{
							"id":         string(record.ID),
							"workflow":   record.DescriptorName,
							"started_at": record.StartedAt.Format(time.RFC3339),
							"duration":   record.Duration.Seconds(),
							"state":      record.State,
						}
						if err := emit(ctx, out, view); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "log":
				if len(rest) != 1 {
					return nil, NewParseError("workflows log: run id required")
				}
				runID := ids.TaskId(rest[0])
				return sourceStage("workflows", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					record, err := h.HistoryRecord(ctx, runID)
					if err != nil {
						return fmt.Errorf("no run with id %s", runID)
					}
					for _, line := range record.Log {
						if err := emit(ctx, out, line); err != nil {
							return err
						}
					}
					return nil
				}), nil
			default:
				return nil, NewParseError("workflows: unknown action %q", action)
			}
		},
	}
}

// startDescriptor starts a task instance and renders the outcome the
// way the workflows and jobs commands report it.
func startDescriptor(ctx context.Context, h *task.Handler, descriptor task.Description, kind string) string {
	rt, err := h.StartTask(ctx, descriptor)
	if err != nil {
		var already *task.AlreadyRunningError
		if errors.As(err, &already) {
			if already.Queued {
				return fmt.Sprintf("%s %s already running with id %s, start queued",
					kind, descriptor.Name(), already.RunningID)
			}
			return fmt.Sprintf("%s %s already running with id %s", kind, descriptor.Name(), already.RunningID)
		}
		return fmt.Sprintf("%s %s failed to start: %v", kind, descriptor.Name(), err)
	}
	return fmt.Sprintf("%s %s started with id %s", kind, descriptor.Name(), rt.ID)
}

func runningTaskView(rt *task.RunningTask) map[string]any {
	return map[string]any{
		"task_id":    string(rt.ID),
		"descriptor": rt.Descriptor.Name(),
		"step":       rt.CurrentStepName(),
		"started_at": rt.StartedAt.Format(time.RFC3339),
	}
}

// toJSONValue renders any value as generic JSON data.
func toJSONValue(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jobsCommand() Command {
	return &command{
		name: "jobs",
		pos:  PositionSource,
		info: "Manage jobs: one-shot commands with optional triggers.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, NewParseError("jobs: expected add, list, show, activate, deactivate, delete, run or running")
			}
			deps := cctx.Deps
			action, rest := tokens[0], tokens[1:]
			switch action {
			case "add":
				return compileJobsAdd(cctx, rest)
			case "list":
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					for _, job := range h.Jobs() {
						if err := emit(ctx, out, string(job.ID())); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "show":
				if len(rest) != 1 {
					return nil, NewParseError("jobs show: job id required")
				}
				id := ids.TaskDescriptorId(rest[0])
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					job, err := lookupJob(deps, id)
					if err != nil {
						return err
					}
					rendered, err := toJSONValue(job)
					if err != nil {
						return err
					}
					return emit(ctx, out, rendered)
				}), nil
			case "activate", "deactivate":
				if len(rest) != 1 {
					return nil, NewParseError("jobs %s: job id required", action)
				}
				id := ids.TaskDescriptorId(rest[0])
				active := action == "activate"
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					job, err := lookupJob(deps, id)
					if err != nil {
						return err
					}
					job.Active = active
					if err := h.AddJob(ctx, job); err != nil {
						return err
					}
					return emit(ctx, out, fmt.Sprintf("Job %s %sd.", id, action))
				}), nil
			case "delete":
				if len(rest) != 1 {
					return nil, NewParseError("jobs delete: job id required")
				}
				id := ids.TaskDescriptorId(rest[0])
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					if err := h.DeleteJob(ctx, id); err != nil {
						return err
					}
					return emit(ctx, out, fmt.Sprintf("Job %s deleted.", id))
				}), nil
			case "run":
				if len(rest) != 1 {
					return nil, NewParseError("jobs run: job id required")
				}
				id := ids.TaskDescriptorId(rest[0])
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					job, err := lookupJob(deps, id)
					if err != nil {
						return err
					}
					return emit(ctx, out, startDescriptor(ctx, h, job, "Job"))
				}), nil
			case "running":
				return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
					h, err := deps.Tasks()
					if err != nil {
						return err
					}
					for _, rt := range h.RunningTasks() {
						if _, isJob := rt.Descriptor.(*task.Job); !isJob {
							continue
						}
						if err := emit(ctx, out, runningTaskView(rt)); err != nil {
							return err
						}
					}
					return nil
				}), nil
			default:
				return nil, NewParseError("jobs: unknown action %q", action)
			}
		},
	}
}

func lookupJob(deps *Dependencies, id ids.TaskDescriptorId) (*task.Job, error) {
	h, err := deps.Tasks()
	if err != nil {
		return nil, err
	}
	descriptor, ok := h.Descriptor(id)
	job, isJob := descriptor.(*task.Job)
	if !ok || !isJob {
		return nil, fmt.Errorf("no job with id %s", id)
	}
	return job, nil
}

func compileJobsAdd(cctx *Context, tokens []string) (*CompiledStage, error) {
	id := ""
	schedule := ""
	waitForEvent := ""
	timeout := time.Hour
	var commandTokens []string
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "--id":
			if i+1 >= len(tokens) {
				return nil, NewParseError("jobs add: --id requires a value")
			}
			id = tokens[i+1]
			i++
		case "--schedule":
			if i+1 >= len(tokens) {
				return nil, NewParseError("jobs add: --schedule requires a cron expression")
			}
			schedule = tokens[i+1]
			i++
		case "--wait-for-event":
			if i+1 >= len(tokens) {
				return nil, NewParseError("jobs add: --wait-for-event requires an event name")
			}
			waitForEvent = tokens[i+1]
			i++
		case "--timeout":
			if i+1 >= len(tokens) {
				return nil, NewParseError("jobs add: --timeout requires seconds")
			}
			seconds, err := strconv.Atoi(tokens[i+1])
			if err != nil || seconds <= 0 {
				return nil, NewParseError("jobs add: invalid timeout %q", tokens[i+1])
			}
			timeout = time.Duration(seconds) * time.Second
			i++
		default:
			commandTokens = append(commandTokens, tokens[i])
		}
	}
	if id == "" {
		return nil, NewParseError("jobs add: --id is required")
	}
	if len(commandTokens) == 0 {
		return nil, NewParseError("jobs add: command required")
	}
	job := &task.Job{
		DescriptorID: ids.TaskDescriptorId(id),
		Command:      task.ExecuteCommand{Command: strings.Join(commandTokens, " ")},
		Timeout:      timeout,
		Env: map[string]string{
			"graph":   cctx.GraphName(),
			"section": cctx.Section(),
		},
		Active: true,
	}
	if schedule != "" {
		job.Trigger = task.TimeTrigger{Cron: schedule}
	}
	if waitForEvent != "" {
		job.Wait = &task.WaitingTrigger{
			Event:   task.EventTrigger{MessageType: waitForEvent},
			Timeout: timeout,
		}
	}
	if err := job.Validate(); err != nil {
		return nil, NewParseError("jobs add: %v", err)
	}
	deps := cctx.Deps
	return sourceStage("jobs", func(ctx context.Context, out chan<- any) error {
		h, err := deps.Tasks()
		if err != nil {
			return err
		}
		if err := h.AddJob(ctx, job); err != nil {
			return err
		}
		return emit(ctx, out, fmt.Sprintf("Job %s added.", job.DescriptorID))
	}), nil
}

func templatesCommand() Command {
	return &command{
		name: "templates",
		pos:  PositionSource,
		info: "Manage search templates.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, NewParseError("templates: expected test, add, list, show or delete")
			}
			deps := cctx.Deps
			action, rest := tokens[0], tokens[1:]
			switch action {
			case "add":
				if len(rest) < 2 {
					return nil, NewParseError("templates add: name and template required")
				}
				template := query.Template{Name: rest[0], Template: strings.Join(rest[1:], " ")}
				return sourceStage("templates", func(ctx context.Context, out chan<- any) error {
					if err := deps.Templates.Put(ctx, template); err != nil {
						return err
					}
					return emit(ctx, out, fmt.Sprintf("Template %s added.", template.Name))
				}), nil
			case "delete":
				if len(rest) != 1 {
					return nil, NewParseError("templates delete: name required")
				}
				name := rest[0]
				return sourceStage("templates", func(ctx context.Context, out chan<- any) error {
					if err := deps.Templates.Delete(ctx, name); err != nil {
						return err
					}
					return emit(ctx, out, fmt.Sprintf("Template %s deleted.", name))
				}), nil
			case "list":
				return sourceStage("templates", func(ctx context.Context, out chan<- any) error {
					all, err := deps.Templates.All(ctx)
					if err != nil {
						return err
					}
					for _, template := range all {
						if err := emit(ctx, out, template.Name); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "show":
				if len(rest) != 1 {
					return nil, NewParseError("templates show: name required")
				}
				name := rest[0]
				return sourceStage("templates", func(ctx context.Context, out chan<- any) error {
					template, err := deps.Templates.Get(ctx, name)
					if err != nil {
						return fmt.Errorf("no template named %s", name)
					}
					return emit(ctx, out, template.Template)
				}), nil
			case "test":
				if len(rest) == 0 {
					return nil, NewParseError("templates test: name required")
				}
				name := rest[len(rest)-1]
				props, err := parseKeyValues(rest[:len(rest)-1])
				if err != nil {
					return nil, err
				}
				return sourceStage("templates", func(ctx context.Context, out chan<- any) error {
					template, err := deps.Templates.Get(ctx, name)
					if err != nil {
						return fmt.Errorf("no template named %s", name)
					}
					rendered, err := template.Render(props)
					if err != nil {
						return err
					}
					return emit(ctx, out, rendered)
				}), nil
			default:
				return nil, NewParseError("templates: unknown action %q", action)
			}
		},
	}
}

func configsCommand() Command {
	return &command{
		name: "configs",
		pos:  PositionSource,
		info: "Manage configuration documents.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, NewParseError("configs: expected set, show, list, edit or update")
			}
			deps := cctx.Deps
			action, rest := tokens[0], tokens[1:]
			parsePatch := func(pairs []string) (map[string]any, error) {
				patch := make(map[string]any, len(pairs))
				for _, pair := range pairs {
					key, value, ok := strings.Cut(pair, "=")
					if !ok || key == "" {
						return nil, NewParseError("configs %s: expected key=value, got %q", action, pair)
					}
					patch[key] = parseTypedValue(value)
				}
				return patch, nil
			}
			switch action {
			case "set", "update":
				if len(rest) < 2 {
					return nil, NewParseError("configs %s: id and key=value pairs required", action)
				}
				id := rest[0]
				patch, err := parsePatch(rest[1:])
				if err != nil {
					return nil, err
				}
				return sourceStage("configs", func(ctx context.Context, out chan<- any) error {
					var entry cfgstore.Entry
					var err error
					if action == "set" {
						entry, err = deps.Configs.Set(ctx, id, patch)
					} else {
						entry, err = deps.Configs.Update(ctx, id, patch)
					}
					if err != nil {
						return err
					}
					rendered, err := entry.RenderYAML()
					if err != nil {
						return err
					}
					return emit(ctx, out, rendered)
				}), nil
			case "show":
				if len(rest) != 1 {
					return nil, NewParseError("configs show: id required")
				}
				id := rest[0]
				return sourceStage("configs", func(ctx context.Context, out chan<- any) error {
					entry, err := deps.Configs.Get(ctx, id)
					if err != nil {
						return fmt.Errorf("no config with id %s", id)
					}
					rendered, err := entry.RenderYAML()
					if err != nil {
						return err
					}
					return emit(ctx, out, rendered)
				}), nil
			case "list":
				return sourceStage("configs", func(ctx context.Context, out chan<- any) error {
					configIDs, err := deps.Configs.IDs(ctx)
					if err != nil {
						return err
					}
					for _, id := range configIDs {
						if err := emit(ctx, out, id); err != nil {
							return err
						}
					}
					return nil
				}), nil
			case "edit":
				return nil, NewParseError("configs edit requires an interactive session")
			default:
				return nil, NewParseError("configs: unknown action %q", action)
			}
		},
	}
}
