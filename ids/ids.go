// Package ids defines the opaque identifier types used across the core.
// All handles are comparable, stringly printable and generated here.
package ids

import "github.com/google/uuid"

// SubscriberId identifies an external subscriber on the message bus.
type SubscriberId string

// TaskId identifies a single running task instance.
type TaskId string

// TaskDescriptorId identifies a task description (workflow or job).
type TaskDescriptorId string

// WorkerId identifies an attached worker on the worker task queue.
type WorkerId string

// NewTaskId returns a fresh unique task instance id.
func NewTaskId() TaskId {
	return TaskId(uuid.New().String())
}

// NewWorkerTaskId returns a fresh unique worker task id.
func NewWorkerTaskId() string {
	return uuid.New().String()
}

func (s SubscriberId) String() string     { return string(s) }
func (t TaskId) String() string           { return string(t) }
func (d TaskDescriptorId) String() string { return string(d) }
func (w WorkerId) String() string         { return string(w) }
