// Package task contains the workflow and job engine: the static task
// descriptions, the running task state machine, the cron scheduler and
// the task handler that drives instances through their steps.
package task

import (
	"fmt"
	"time"

	"github.com/BRLink/resoto/ids"
	"github.com/robfig/cron/v3"
)

// StepErrorBehaviour controls how a step failure affects the task.
type StepErrorBehaviour string

// Step error behaviours.
const (
	// Continue logs the failure and advances to the next step.
	Continue StepErrorBehaviour = "continue"
	// Stop terminates the task with TaskFailed after the step cleanup.
	Stop StepErrorBehaviour = "stop"
)

// SurpassBehaviour decides what happens when a descriptor is triggered
// while an instance of it is already running.
type SurpassBehaviour string

// Surpass behaviours.
const (
	// SurpassSkip ignores the trigger.
	SurpassSkip SurpassBehaviour = "skip"
	// SurpassReplace cancels running instances and starts a new one.
	SurpassReplace SurpassBehaviour = "replace"
	// SurpassWait queues the start until the running instance terminates.
	SurpassWait SurpassBehaviour = "wait"
	// SurpassParallel always starts a new instance.
	SurpassParallel SurpassBehaviour = "parallel"
)

// StepAction is the union of the four things a step can do.
type StepAction interface {
	stepAction()
	// ActionKind returns the wire discriminator of this action.
	ActionKind() string
}

// PerformAction emits an Action on the bus and waits for the
// acknowledgement of every current wait-for-completion subscriber.
type PerformAction struct {
	MessageType string `json:"message_type"`
}

func (PerformAction) stepAction()        {}
func (PerformAction) ActionKind() string { return "perform_action" }

// ExecuteCommand runs a CLI command line to completion.
type ExecuteCommand struct {
	Command string `json:"command"`
}

func (ExecuteCommand) stepAction()        {}
func (ExecuteCommand) ActionKind() string { return "execute_command" }

// WaitForEvent blocks the step until the event arrives or the wait
// timeout elapses.
type WaitForEvent struct {
	MessageType string        `json:"message_type"`
	Timeout     time.Duration `json:"-"`
}

func (WaitForEvent) stepAction()        {}
func (WaitForEvent) ActionKind() string { return "wait_for_event" }

// EmitEvent fires an event without waiting for anything.
type EmitEvent struct {
	MessageType string         `json:"message_type"`
	Data        map[string]any `json:"data,omitempty"`
}

func (EmitEvent) stepAction()        {}
func (EmitEvent) ActionKind() string { return "emit_event" }

// Step is one phase of a workflow with a single action and a timeout.
type Step struct {
	Name    string
	Action  StepAction
	Timeout time.Duration
	OnError StepErrorBehaviour
}

// NewStep creates a step with the Continue error behaviour.
func NewStep(name string, action StepAction, timeout time.Duration) Step {
	return Step{Name: name, Action: action, Timeout: timeout, OnError: Continue}
}

// Trigger starts a task instance: either an event or a cron moment.
type Trigger interface {
	trigger()
}

// EventTrigger starts the task when the named event is observed.
type EventTrigger struct {
	MessageType string `json:"message_type"`
}

func (EventTrigger) trigger() {}

// TimeTrigger starts the task at wall clock moments matching a cron
// expression, evaluated in UTC.
type TimeTrigger struct {
	Cron string `json:"cron"`
}

func (TimeTrigger) trigger() {}

// Validate parses the cron expression.
func (t TimeTrigger) Validate() error {
	if _, err := cron.ParseStandard(t.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", t.Cron, err)
	}
	return nil
}

// Description is the static definition a running task is created from.
type Description interface {
	ID() ids.TaskDescriptorId
	Name() string
	Steps() []Step
	Triggers() []Trigger
	OnSurpass() SurpassBehaviour
	Environment() map[string]string
}

// Workflow is a multi-step task description.
type Workflow struct {
	DescriptorID     ids.TaskDescriptorId
	Title            string
	WorkflowSteps    []Step
	WorkflowTriggers []Trigger
	Surpass          SurpassBehaviour
	Env              map[string]string
}

// NewWorkflow creates a workflow with the Skip surpass behaviour.
func NewWorkflow(id ids.TaskDescriptorId, name string, steps []Step, triggers []Trigger) *Workflow {
	return &Workflow{DescriptorID: id, Title: name, WorkflowSteps: steps, WorkflowTriggers: triggers, Surpass: SurpassSkip}
}

func (w *Workflow) ID() ids.TaskDescriptorId       { return w.DescriptorID }
func (w *Workflow) Name() string                   { return w.Title }
func (w *Workflow) Steps() []Step                  { return w.WorkflowSteps }
func (w *Workflow) Triggers() []Trigger            { return w.WorkflowTriggers }
func (w *Workflow) OnSurpass() SurpassBehaviour    { return w.Surpass }
func (w *Workflow) Environment() map[string]string { return w.Env }

// Validate checks the descriptor invariants: unique step names, at
// least one step and parseable time triggers.
func (w *Workflow) Validate() error {
	return validateDescription(w)
}

// WaitingTrigger couples an event trigger with the maximum time a job
// waits for it after being triggered.
type WaitingTrigger struct {
	Event   EventTrigger
	Timeout time.Duration
}

// Job is a one-shot task description around a single command.
type Job struct {
	DescriptorID ids.TaskDescriptorId
	Command      ExecuteCommand
	Timeout      time.Duration
	Trigger      Trigger // optional
	Wait         *WaitingTrigger
	Env          map[string]string
	Active       bool
}

func (j *Job) ID() ids.TaskDescriptorId       { return j.DescriptorID }
func (j *Job) Name() string                   { return string(j.DescriptorID) }
func (j *Job) OnSurpass() SurpassBehaviour    { return SurpassWait }
func (j *Job) Environment() map[string]string { return j.Env }

// Triggers returns the configured trigger, if any.
func (j *Job) Triggers() []Trigger {
	if j.Trigger == nil {
		return nil
	}
	return []Trigger{j.Trigger}
}

// Steps synthesizes the step list of the job: an optional wait step
// followed by the command execution.
func (j *Job) Steps() []Step {
	var steps []Step
	if j.Wait != nil {
		steps = append(steps, NewStep("wait",
			WaitForEvent{MessageType: j.Wait.Event.MessageType, Timeout: j.Wait.Timeout}, j.Wait.Timeout))
	}
	execute := NewStep("execute", j.Command, j.Timeout)
	execute.OnError = Stop
	return append(steps, execute)
}

// Validate checks the job invariants.
func (j *Job) Validate() error {
	if j.Command.Command == "" {
		return fmt.Errorf("job %s: command must not be empty", j.DescriptorID)
	}
	return validateDescription(j)
}

func validateDescription(d Description) error {
	steps := d.Steps()
	if len(steps) == 0 {
		return fmt.Errorf("descriptor %s: at least one step required", d.ID())
	}
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("descriptor %s: step name must not be empty", d.ID())
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("descriptor %s: duplicate step name %q", d.ID(), step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	for _, trigger := range d.Triggers() {
		if tt, ok := trigger.(TimeTrigger); ok {
			if err := tt.Validate(); err != nil {
				return fmt.Errorf("descriptor %s: %w", d.ID(), err)
			}
		}
	}
	return nil
}
