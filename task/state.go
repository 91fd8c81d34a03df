package task

import (
	"fmt"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/ids"
)

// Command is something the task handler has to do on behalf of a
// running task after a state transition.
type Command interface{ taskCommand() }

// SendMessage asks the handler to emit a message on the bus.
type SendMessage struct{ Message bus.Message }

func (SendMessage) taskCommand() {}

// ExecuteOnCLI asks the handler to run a command line to completion
// and report the result back via HandleCommandResult.
type ExecuteOnCLI struct {
	Command string
	Env     map[string]string
}

func (ExecuteOnCLI) taskCommand() {}

// StepState is the state of the current step.
type StepState string

// Step states.
const (
	StepWaiting StepState = "waiting"
	StepActive  StepState = "active"
	StepDone    StepState = "done"
	StepErrored StepState = "errored"
)

// RunningTask is one in-flight instance of a task description. It is
// mutated only by the owning task handler (single writer).
type RunningTask struct {
	ID         ids.TaskId
	Descriptor Description
	StartedAt  time.Time
	Env        map[string]string

	// SubscribersByEvent is the fan-out snapshot taken when the task was
	// created. Subscribers registering later never join a running step.
	SubscribersByEvent map[string][]ids.SubscriberId

	state         string
	stepIndex     int
	stepState     StepState
	stepStartedAt time.Time
	stepErrored   bool
	pending       map[ids.SubscriberId]struct{}
	received      []bus.Message
	log           []string

	// UpdateCancel cancels the in-flight command of an ExecuteCommand
	// step, set by the handler while the command runs.
	UpdateCancel func()
}

// NewRunningTask creates an instance in the initial state. Start must
// be called to enter the first step.
func NewRunningTask(id ids.TaskId, descriptor Description, subscribersByEvent map[string][]ids.SubscriberId, env map[string]string) *RunningTask {
	return &RunningTask{
		ID:                 id,
		Descriptor:         descriptor,
		StartedAt:          time.Now().UTC(),
		Env:                env,
		SubscribersByEvent: subscribersByEvent,
		state:              db.TaskStateActive,
		stepState:          StepWaiting,
		pending:            map[ids.SubscriberId]struct{}{},
	}
}

// State returns the task state: active, task_succeeded or task_failed.
func (rt *RunningTask) State() string { return rt.state }

// Active reports whether the task has not reached a terminal state.
func (rt *RunningTask) Active() bool { return rt.state == db.TaskStateActive }

// CurrentStep returns the step the task is currently in. The second
// result is false once the task is terminal.
func (rt *RunningTask) CurrentStep() (Step, bool) {
	steps := rt.Descriptor.Steps()
	if !rt.Active() || rt.stepIndex >= len(steps) {
		return Step{}, false
	}
	return steps[rt.stepIndex], true
}

// CurrentStepName returns the name of the current step or "".
func (rt *RunningTask) CurrentStepName() string {
	step, ok := rt.CurrentStep()
	if !ok {
		return ""
	}
	return step.Name
}

// PendingFor returns the subscribers still owing an acknowledgement
// for the current step.
func (rt *RunningTask) PendingFor() []ids.SubscriberId {
	out := make([]ids.SubscriberId, 0, len(rt.pending))
	step, ok := rt.CurrentStep()
	if !ok {
		return out
	}
	perform, ok := step.Action.(PerformAction)
	if !ok {
		return out
	}
	for _, sid := range rt.SubscribersByEvent[perform.MessageType] {
		if _, pending := rt.pending[sid]; pending {
			out = append(out, sid)
		}
	}
	return out
}

// PendingAction returns the action message a subscriber still has to
// acknowledge for the current step, if any.
func (rt *RunningTask) PendingAction(sid ids.SubscriberId) (bus.Action, bool) {
	step, ok := rt.CurrentStep()
	if !ok {
		return bus.Action{}, false
	}
	perform, ok := step.Action.(PerformAction)
	if !ok {
		return bus.Action{}, false
	}
	if _, pending := rt.pending[sid]; !pending {
		return bus.Action{}, false
	}
	return bus.Action{Type: perform.MessageType, TaskID: rt.ID, Step: step.Name, Data: map[string]any{}}, true
}

// Log returns the informational messages collected during the run.
func (rt *RunningTask) Log() []string { return rt.log }

// ReceivedMessages returns every action result received so far.
func (rt *RunningTask) ReceivedMessages() []bus.Message { return rt.received }

// Start enters the first step and returns the resulting commands.
func (rt *RunningTask) Start() []Command {
	return rt.enterStep(false)
}

// enterStep activates the current step. In silent mode (recovery) no
// messages are re-emitted, only the in-memory state is rebuilt.
func (rt *RunningTask) enterStep(silent bool) []Command {
	step, ok := rt.CurrentStep()
	if !ok {
		return nil
	}
	rt.stepState = StepActive
	rt.stepStartedAt = time.Now().UTC()
	rt.pending = map[ids.SubscriberId]struct{}{}

	var commands []Command
	switch action := step.Action.(type) {
	case PerformAction:
		for _, sid := range rt.SubscribersByEvent[action.MessageType] {
			rt.pending[sid] = struct{}{}
		}
		if !silent {
			commands = append(commands, SendMessage{Message: bus.Action{
				Type: action.MessageType, TaskID: rt.ID, Step: step.Name, Data: map[string]any{},
			}})
		}
		if len(rt.pending) == 0 {
			return append(commands, rt.completeStep(silent)...)
		}
	case ExecuteCommand:
		// commands run again on recovery: at-least-once semantics
		commands = append(commands, ExecuteOnCLI{Command: action.Command, Env: rt.Env})
	case WaitForEvent:
		// nothing to emit, wait for the event or the timeout
	case EmitEvent:
		if !silent {
			commands = append(commands, SendMessage{Message: bus.NewEvent(action.MessageType, action.Data)})
		}
		return append(commands, rt.completeStep(silent)...)
	}
	return commands
}

// completeStep finishes the current step and either advances to the
// next one or moves the task to a terminal state.
func (rt *RunningTask) completeStep(silent bool) []Command {
	if rt.stepErrored {
		rt.stepState = StepErrored
		rt.state = db.TaskStateFailed
		return nil
	}
	rt.stepState = StepDone
	rt.stepIndex++
	if rt.stepIndex >= len(rt.Descriptor.Steps()) {
		rt.state = db.TaskStateSucceeded
		return nil
	}
	return rt.enterStep(silent)
}

// failStep marks the current step errored and the task failed.
func (rt *RunningTask) failStep(reason string) []Command {
	rt.log = append(rt.log, reason)
	rt.stepState = StepErrored
	rt.state = db.TaskStateFailed
	return nil
}

// matchesCurrentStep reports whether an action result addresses the
// current step of this task.
func (rt *RunningTask) matchesCurrentStep(taskID ids.TaskId, stepName string) bool {
	return rt.Active() && taskID == rt.ID && stepName == rt.CurrentStepName()
}

// HandleActionDone applies the positive acknowledgement of one
// subscriber. Messages for other tasks or stale steps are ignored.
func (rt *RunningTask) HandleActionDone(done bus.ActionDone) []Command {
	return rt.handleAck(done, done.TaskID, done.Step, done.SubscriberID, "", Continue)
}

// HandleActionError applies the negative acknowledgement of one
// subscriber and follows the step error behaviour.
func (rt *RunningTask) HandleActionError(actionErr bus.ActionError) []Command {
	step, ok := rt.CurrentStep()
	onError := Continue
	if ok {
		onError = step.OnError
	}
	return rt.handleAck(actionErr, actionErr.TaskID, actionErr.Step, actionErr.SubscriberID, actionErr.Error, onError)
}

func (rt *RunningTask) handleAck(m bus.Message, taskID ids.TaskId, stepName string, sid ids.SubscriberId, ackErr string, onError StepErrorBehaviour) []Command {
	if !rt.matchesCurrentStep(taskID, stepName) {
		return nil
	}
	if _, pending := rt.pending[sid]; !pending {
		return nil
	}
	rt.received = append(rt.received, m)
	delete(rt.pending, sid)
	if ackErr != "" {
		rt.log = append(rt.log, fmt.Sprintf("step %s: subscriber %s failed: %s", stepName, sid, ackErr))
		if onError == Stop {
			rt.stepErrored = true
		}
	}
	if len(rt.pending) == 0 {
		return rt.completeStep(false)
	}
	return nil
}

// HandleProgress records a progress update of the current step.
func (rt *RunningTask) HandleProgress(progress bus.ActionProgress) {
	if !rt.matchesCurrentStep(progress.TaskID, progress.Step) {
		return
	}
	done, total := progress.Progress.Overall()
	rt.log = append(rt.log, fmt.Sprintf("step %s: %s progress %d/%d", progress.Step, progress.SubscriberID, done, total))
}

// HandleInfo records an info message of the current step.
func (rt *RunningTask) HandleInfo(info bus.ActionInfo) {
	if !rt.matchesCurrentStep(info.TaskID, info.Step) {
		return
	}
	rt.log = append(rt.log, fmt.Sprintf("step %s: %s [%s] %s", info.Step, info.SubscriberID, info.Level, info.Info))
}

// HandleEvent unblocks a WaitForEvent step when the matching event
// arrives. The bool result reports whether the event was consumed.
func (rt *RunningTask) HandleEvent(event bus.Event) (bool, []Command) {
	step, ok := rt.CurrentStep()
	if !ok {
		return false, nil
	}
	wait, ok := step.Action.(WaitForEvent)
	if !ok || wait.MessageType != event.Type {
		return false, nil
	}
	return true, rt.completeStep(false)
}

// HandleCommandResult finishes an ExecuteCommand step.
func (rt *RunningTask) HandleCommandResult(stepName string, cmdErr error) []Command {
	step, ok := rt.CurrentStep()
	if !ok || step.Name != stepName {
		return nil
	}
	if _, isCommand := step.Action.(ExecuteCommand); !isCommand {
		return nil
	}
	rt.UpdateCancel = nil
	if cmdErr != nil {
		rt.log = append(rt.log, fmt.Sprintf("step %s: command failed: %s", stepName, cmdErr))
		if step.OnError == Stop {
			return rt.failStep(fmt.Sprintf("step %s failed", stepName))
		}
	}
	return rt.completeStep(false)
}

// CheckTimeout advances a step whose deadline elapsed. The step
// completes as timed out and follows the error behaviour.
func (rt *RunningTask) CheckTimeout(now time.Time) []Command {
	step, ok := rt.CurrentStep()
	if !ok {
		return nil
	}
	timeout := step.Timeout
	if wait, isWait := step.Action.(WaitForEvent); isWait && wait.Timeout > 0 {
		timeout = wait.Timeout
	}
	if timeout <= 0 || now.Before(rt.stepStartedAt.Add(timeout)) {
		return nil
	}
	rt.log = append(rt.log, fmt.Sprintf("step %s timed out after %s", step.Name, timeout))
	if step.OnError == Stop {
		return rt.failStep(fmt.Sprintf("step %s timed out", step.Name))
	}
	if rt.UpdateCancel != nil {
		rt.UpdateCancel()
		rt.UpdateCancel = nil
	}
	return rt.completeStep(false)
}

// Cancel moves the task to TaskFailed and cancels the in-flight step.
func (rt *RunningTask) Cancel() {
	if rt.UpdateCancel != nil {
		rt.UpdateCancel()
		rt.UpdateCancel = nil
	}
	if rt.Active() {
		rt.stepState = StepErrored
		rt.state = db.TaskStateFailed
	}
}

// Persistable returns the database snapshot of this task.
func (rt *RunningTask) Persistable() (db.RunningTaskData, error) {
	data := db.RunningTaskData{
		ID:                 rt.ID,
		DescriptorID:       rt.Descriptor.ID(),
		DescriptorName:     rt.Descriptor.Name(),
		StartedAt:          rt.StartedAt,
		State:              rt.state,
		SubscribersByEvent: rt.SubscribersByEvent,
		Environment:        rt.Env,
	}
	for _, m := range rt.received {
		encoded, err := bus.MarshalMessage(m)
		if err != nil {
			return db.RunningTaskData{}, fmt.Errorf("encode received message: %w", err)
		}
		data.ReceivedMessages = append(data.ReceivedMessages, encoded)
	}
	return data, nil
}

// Restore rebuilds a running task from its persisted snapshot by
// replaying the received messages. Replaying is idempotent: restoring
// the same snapshot twice yields the same state. No bus messages are
// re-emitted; only commands for steps that must run again (command
// execution) are returned.
func Restore(data db.RunningTaskData, descriptor Description) (*RunningTask, []Command, error) {
	rt := NewRunningTask(data.ID, descriptor, data.SubscribersByEvent, data.Environment)
	rt.StartedAt = data.StartedAt
	commands := rt.enterStep(true)
	for _, raw := range data.ReceivedMessages {
		m, err := bus.UnmarshalMessage(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("restore task %s: %w", data.ID, err)
		}
		switch v := m.(type) {
		case bus.ActionDone:
			commands = append(commands, rt.replayAck(v, v.TaskID, v.Step, v.SubscriberID, "")...)
		case bus.ActionError:
			commands = append(commands, rt.replayAck(v, v.TaskID, v.Step, v.SubscriberID, v.Error)...)
		}
	}
	return rt, commands, nil
}

// replayAck applies a persisted acknowledgement in silent mode.
func (rt *RunningTask) replayAck(m bus.Message, taskID ids.TaskId, stepName string, sid ids.SubscriberId, ackErr string) []Command {
	if !rt.matchesCurrentStep(taskID, stepName) {
		return nil
	}
	if _, pending := rt.pending[sid]; !pending {
		return nil
	}
	rt.received = append(rt.received, m)
	delete(rt.pending, sid)
	if ackErr != "" {
		step, _ := rt.CurrentStep()
		if step.OnError == Stop {
			rt.stepErrored = true
		}
	}
	if len(rt.pending) == 0 {
		return rt.completeStep(true)
	}
	return nil
}
