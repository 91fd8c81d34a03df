// Package bus provides the in-process message bus of the core together
// with the typed messages that travel over it. Messages fall into two
// groups: events that carry information without expecting a reply, and
// action messages that drive one step of a running task through the
// demand/acknowledge cycle.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BRLink/resoto/ids"
)

// Kind discriminates the message variants on the wire.
type Kind string

// Wire kinds for all message variants.
const (
	KindEvent          Kind = "event"
	KindAction         Kind = "action"
	KindActionDone     Kind = "action_done"
	KindActionError    Kind = "action_error"
	KindActionInfo     Kind = "action_info"
	KindActionProgress Kind = "action_progress"
)

// Message is the union of everything the bus can deliver.
type Message interface {
	Kind() Kind
	MessageType() string
}

// Event is informational. No reply is expected.
type Event struct {
	Type string         `json:"message_type"`
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the given type and optional data.
func NewEvent(messageType string, data map[string]any) Event {
	return Event{Type: messageType, Data: data}
}

func (e Event) Kind() Kind          { return KindEvent }
func (e Event) MessageType() string { return e.Type }

// Action demands work from all current subscribers of its message type
// as part of one step of a running task.
type Action struct {
	Type   string         `json:"message_type"`
	TaskID ids.TaskId     `json:"task"`
	Step   string         `json:"step"`
	Data   map[string]any `json:"data,omitempty"`
}

func (a Action) Kind() Kind          { return KindAction }
func (a Action) MessageType() string { return a.Type }

// ActionDone is the positive acknowledgement of one subscriber for an action.
type ActionDone struct {
	Type         string           `json:"message_type"`
	TaskID       ids.TaskId       `json:"task"`
	Step         string           `json:"step"`
	SubscriberID ids.SubscriberId `json:"subscriber_id"`
	Data         map[string]any   `json:"data,omitempty"`
}

func (a ActionDone) Kind() Kind          { return KindActionDone }
func (a ActionDone) MessageType() string { return a.Type }

// ActionError is the negative acknowledgement of one subscriber for an action.
type ActionError struct {
	Type         string           `json:"message_type"`
	TaskID       ids.TaskId       `json:"task"`
	Step         string           `json:"step"`
	SubscriberID ids.SubscriberId `json:"subscriber_id"`
	Error        string           `json:"error"`
	Data         map[string]any   `json:"data,omitempty"`
}

func (a ActionError) Kind() Kind          { return KindActionError }
func (a ActionError) MessageType() string { return a.Type }

// ActionInfo is a log level side channel emitted by a subscriber while
// it works on a step.
type ActionInfo struct {
	Type         string           `json:"message_type"`
	TaskID       ids.TaskId       `json:"task"`
	Step         string           `json:"step"`
	SubscriberID ids.SubscriberId `json:"subscriber_id"`
	Level        string           `json:"level"`
	Info         string           `json:"message"`
}

func (a ActionInfo) Kind() Kind          { return KindActionInfo }
func (a ActionInfo) MessageType() string { return a.Type }

// ActionProgress reports numeric progress of a subscriber during a step.
type ActionProgress struct {
	Type         string           `json:"message_type"`
	TaskID       ids.TaskId       `json:"task"`
	Step         string           `json:"step"`
	SubscriberID ids.SubscriberId `json:"subscriber_id"`
	Progress     *Progress        `json:"progress"`
	At           time.Time        `json:"at"`
}

func (a ActionProgress) Kind() Kind          { return KindActionProgress }
func (a ActionProgress) MessageType() string { return a.Type }

// envelope is the wire shape shared by all message variants. Absent
// fields stay empty, so one struct covers the whole union.
type envelope struct {
	MsgKind      Kind             `json:"kind"`
	Type         string           `json:"message_type"`
	TaskID       ids.TaskId       `json:"task,omitempty"`
	Step         string           `json:"step,omitempty"`
	SubscriberID ids.SubscriberId `json:"subscriber_id,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`
	Error        string           `json:"error,omitempty"`
	Level        string           `json:"level,omitempty"`
	Info         string           `json:"message,omitempty"`
	Progress     *Progress        `json:"progress,omitempty"`
	At           *time.Time       `json:"at,omitempty"`
}

// MarshalMessage encodes a message into its wire JSON shape.
func MarshalMessage(m Message) ([]byte, error) {
	env := envelope{MsgKind: m.Kind(), Type: m.MessageType()}
	switch v := m.(type) {
	case Event:
		env.Data = v.Data
	case Action:
		env.TaskID, env.Step, env.Data = v.TaskID, v.Step, v.Data
	case ActionDone:
		env.TaskID, env.Step, env.SubscriberID, env.Data = v.TaskID, v.Step, v.SubscriberID, v.Data
	case ActionError:
		env.TaskID, env.Step, env.SubscriberID, env.Data = v.TaskID, v.Step, v.SubscriberID, v.Data
		env.Error = v.Error
	case ActionInfo:
		env.TaskID, env.Step, env.SubscriberID = v.TaskID, v.Step, v.SubscriberID
		env.Level, env.Info = v.Level, v.Info
	case ActionProgress:
		env.TaskID, env.Step, env.SubscriberID = v.TaskID, v.Step, v.SubscriberID
		env.Progress = v.Progress
		at := v.At
		env.At = &at
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
	return json.Marshal(env)
}

// UnmarshalMessage decodes a wire JSON message into its typed variant.
func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.MsgKind {
	case KindEvent:
		return Event{Type: env.Type, Data: env.Data}, nil
	case KindAction:
		return Action{Type: env.Type, TaskID: env.TaskID, Step: env.Step, Data: env.Data}, nil
	case KindActionDone:
		return ActionDone{Type: env.Type, TaskID: env.TaskID, Step: env.Step, SubscriberID: env.SubscriberID, Data: env.Data}, nil
	case KindActionError:
		return ActionError{Type: env.Type, TaskID: env.TaskID, Step: env.Step, SubscriberID: env.SubscriberID, Error: env.Error, Data: env.Data}, nil
	case KindActionInfo:
		return ActionInfo{Type: env.Type, TaskID: env.TaskID, Step: env.Step, SubscriberID: env.SubscriberID, Level: env.Level, Info: env.Info}, nil
	case KindActionProgress:
		var at time.Time
		if env.At != nil {
			at = *env.At
		}
		return ActionProgress{Type: env.Type, TaskID: env.TaskID, Step: env.Step, SubscriberID: env.SubscriberID, Progress: env.Progress, At: at}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.MsgKind)
	}
}
