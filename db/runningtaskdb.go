package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BRLink/resoto/ids"
)

// RunningTask states as persisted.
const (
	TaskStateActive    = "active"
	TaskStateSucceeded = "task_succeeded"
	TaskStateFailed    = "task_failed"
)

// RunningTaskData is the persisted snapshot of one running task.
// It carries everything the task handler needs to resume the state
// machine after a restart: the subscriber fan-out captured at task
// start and every action result received so far. The wire encoding of
// the received messages is the bus message codec.
type RunningTaskData struct {
	ID                 ids.TaskId                    `json:"id"`
	DescriptorID       ids.TaskDescriptorId          `json:"descriptor_id"`
	DescriptorName     string                        `json:"descriptor_name"`
	StartedAt          time.Time                     `json:"task_started_at"`
	State              string                        `json:"state"`
	SubscribersByEvent map[string][]ids.SubscriberId `json:"subscribers_by_event,omitempty"`
	ReceivedMessages   []json.RawMessage             `json:"received_messages,omitempty"`
	Environment        map[string]string             `json:"environment,omitempty"`
}

// Terminal reports whether the task reached a terminal state.
func (d RunningTaskData) Terminal() bool {
	return d.State == TaskStateSucceeded || d.State == TaskStateFailed
}

// RunningTaskDb persists in-flight tasks. Mutated only by the task
// handler; reads may happen concurrently.
type RunningTaskDb struct {
	store EntityDb[RunningTaskData]
}

// NewRunningTaskDb wraps the given entity store.
func NewRunningTaskDb(store EntityDb[RunningTaskData]) *RunningTaskDb {
	return &RunningTaskDb{store: store}
}

// Upsert writes the snapshot of a running task.
func (d *RunningTaskDb) Upsert(ctx context.Context, data RunningTaskData) error {
	return d.store.Update(ctx, data)
}

// Get returns the snapshot of one running task or ErrNotFound.
func (d *RunningTaskDb) Get(ctx context.Context, id ids.TaskId) (*RunningTaskData, error) {
	return d.store.Get(ctx, string(id))
}

// Delete removes the snapshot of one running task.
func (d *RunningTaskDb) Delete(ctx context.Context, id ids.TaskId) error {
	return d.store.Delete(ctx, string(id))
}

// AllRunning returns every non-terminal snapshot in insertion order.
func (d *RunningTaskDb) AllRunning(ctx context.Context) ([]RunningTaskData, error) {
	all, err := d.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RunningTaskData, 0, len(all))
	for _, data := range all {
		if !data.Terminal() {
			out = append(out, data)
		}
	}
	return out, nil
}
