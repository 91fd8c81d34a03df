package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BRLink/resoto/ids"
)

// triggerJS is the wire shape of the trigger union.
type triggerJS struct {
	Kind        string `json:"kind"`
	MessageType string `json:"message_type,omitempty"`
	Cron        string `json:"cron,omitempty"`
}

func triggerToJS(t Trigger) *triggerJS {
	switch v := t.(type) {
	case EventTrigger:
		return &triggerJS{Kind: "event_trigger", MessageType: v.MessageType}
	case TimeTrigger:
		return &triggerJS{Kind: "time_trigger", Cron: v.Cron}
	default:
		return nil
	}
}

func triggerFromJS(js *triggerJS) (Trigger, error) {
	if js == nil {
		return nil, nil
	}
	switch js.Kind {
	case "event_trigger":
		return EventTrigger{MessageType: js.MessageType}, nil
	case "time_trigger":
		return TimeTrigger{Cron: js.Cron}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", js.Kind)
	}
}

// actionJS is the wire shape of the step action union.
type actionJS struct {
	Kind        string         `json:"kind"`
	MessageType string         `json:"message_type,omitempty"`
	Command     string         `json:"command,omitempty"`
	TimeoutS    int64          `json:"timeout_s,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func actionToJS(a StepAction) actionJS {
	js := actionJS{Kind: a.ActionKind()}
	switch v := a.(type) {
	case PerformAction:
		js.MessageType = v.MessageType
	case ExecuteCommand:
		js.Command = v.Command
	case WaitForEvent:
		js.MessageType = v.MessageType
		js.TimeoutS = int64(v.Timeout / time.Second)
	case EmitEvent:
		js.MessageType = v.MessageType
		js.Data = v.Data
	}
	return js
}

func actionFromJS(js actionJS) (StepAction, error) {
	switch js.Kind {
	case "perform_action":
		return PerformAction{MessageType: js.MessageType}, nil
	case "execute_command":
		return ExecuteCommand{Command: js.Command}, nil
	case "wait_for_event":
		return WaitForEvent{MessageType: js.MessageType, Timeout: time.Duration(js.TimeoutS) * time.Second}, nil
	case "emit_event":
		return EmitEvent{MessageType: js.MessageType, Data: js.Data}, nil
	default:
		return nil, fmt.Errorf("unknown step action kind %q", js.Kind)
	}
}

type stepJS struct {
	Name     string             `json:"name"`
	Action   actionJS           `json:"action"`
	TimeoutS int64              `json:"timeout_s"`
	OnError  StepErrorBehaviour `json:"on_error"`
}

type workflowJS struct {
	ID        ids.TaskDescriptorId `json:"id"`
	Name      string               `json:"name"`
	Steps     []stepJS             `json:"steps"`
	Triggers  []*triggerJS         `json:"triggers"`
	OnSurpass SurpassBehaviour     `json:"on_surpass"`
	Env       map[string]string    `json:"environment,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (w Workflow) MarshalJSON() ([]byte, error) {
	js := workflowJS{
		ID:        w.DescriptorID,
		Name:      w.Title,
		OnSurpass: w.Surpass,
		Env:       w.Env,
		Steps:     make([]stepJS, 0, len(w.WorkflowSteps)),
		Triggers:  make([]*triggerJS, 0, len(w.WorkflowTriggers)),
	}
	for _, step := range w.WorkflowSteps {
		js.Steps = append(js.Steps, stepJS{
			Name:     step.Name,
			Action:   actionToJS(step.Action),
			TimeoutS: int64(step.Timeout / time.Second),
			OnError:  step.OnError,
		})
	}
	for _, trigger := range w.WorkflowTriggers {
		js.Triggers = append(js.Triggers, triggerToJS(trigger))
	}
	return json.Marshal(js)
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var js workflowJS
	if err := json.Unmarshal(data, &js); err != nil {
		return err
	}
	w.DescriptorID = js.ID
	w.Title = js.Name
	w.Surpass = js.OnSurpass
	w.Env = js.Env
	w.WorkflowSteps = nil
	for _, step := range js.Steps {
		action, err := actionFromJS(step.Action)
		if err != nil {
			return fmt.Errorf("workflow %s step %s: %w", js.ID, step.Name, err)
		}
		onError := step.OnError
		if onError == "" {
			onError = Continue
		}
		w.WorkflowSteps = append(w.WorkflowSteps, Step{
			Name:    step.Name,
			Action:  action,
			Timeout: time.Duration(step.TimeoutS) * time.Second,
			OnError: onError,
		})
	}
	w.WorkflowTriggers = nil
	for _, trigger := range js.Triggers {
		t, err := triggerFromJS(trigger)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", js.ID, err)
		}
		w.WorkflowTriggers = append(w.WorkflowTriggers, t)
	}
	return nil
}

type jobWaitJS struct {
	Trigger  *triggerJS `json:"trigger"`
	TimeoutS int64      `json:"timeout_s"`
}

type jobJS struct {
	ID          ids.TaskDescriptorId `json:"id"`
	Command     actionJS             `json:"command"`
	TimeoutS    int64                `json:"timeout_s"`
	Trigger     *triggerJS           `json:"trigger,omitempty"`
	Wait        *jobWaitJS           `json:"wait,omitempty"`
	Environment map[string]string    `json:"environment,omitempty"`
	Active      bool                 `json:"active"`
}

// MarshalJSON implements json.Marshaler with the JobDb wire shape.
func (j Job) MarshalJSON() ([]byte, error) {
	js := jobJS{
		ID:          j.DescriptorID,
		Command:     actionToJS(j.Command),
		TimeoutS:    int64(j.Timeout / time.Second),
		Environment: j.Env,
		Active:      j.Active,
	}
	if j.Trigger != nil {
		js.Trigger = triggerToJS(j.Trigger)
	}
	if j.Wait != nil {
		js.Wait = &jobWaitJS{
			Trigger:  triggerToJS(j.Wait.Event),
			TimeoutS: int64(j.Wait.Timeout / time.Second),
		}
	}
	return json.Marshal(js)
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *Job) UnmarshalJSON(data []byte) error {
	var js jobJS
	if err := json.Unmarshal(data, &js); err != nil {
		return err
	}
	command, err := actionFromJS(js.Command)
	if err != nil {
		return fmt.Errorf("job %s: %w", js.ID, err)
	}
	execute, ok := command.(ExecuteCommand)
	if !ok {
		return fmt.Errorf("job %s: command must be an execute_command", js.ID)
	}
	j.DescriptorID = js.ID
	j.Command = execute
	j.Timeout = time.Duration(js.TimeoutS) * time.Second
	j.Env = js.Environment
	j.Active = js.Active
	j.Trigger, err = triggerFromJS(js.Trigger)
	if err != nil {
		return fmt.Errorf("job %s: %w", js.ID, err)
	}
	j.Wait = nil
	if js.Wait != nil {
		trigger, err := triggerFromJS(js.Wait.Trigger)
		if err != nil {
			return fmt.Errorf("job %s wait: %w", js.ID, err)
		}
		event, ok := trigger.(EventTrigger)
		if !ok {
			return fmt.Errorf("job %s: wait trigger must be an event trigger", js.ID)
		}
		j.Wait = &WaitingTrigger{Event: event, Timeout: time.Duration(js.Wait.TimeoutS) * time.Second}
	}
	return nil
}
