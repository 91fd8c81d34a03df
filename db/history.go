package db

import (
	"context"
	"time"

	"github.com/BRLink/resoto/ids"
)

// TaskHistoryRecord is the archived record of one finished task run.
type TaskHistoryRecord struct {
	ID             ids.TaskId           `json:"id"`
	DescriptorID   ids.TaskDescriptorId `json:"descriptor_id"`
	DescriptorName string               `json:"descriptor_name"`
	StartedAt      time.Time            `json:"task_started_at"`
	Duration       time.Duration        `json:"duration"`
	State          string               `json:"state"`
	Log            []string             `json:"log,omitempty"`
}

// TaskHistoryDb archives finished task runs.
type TaskHistoryDb struct {
	store EntityDb[TaskHistoryRecord]
}

// NewTaskHistoryDb wraps the given entity store.
func NewTaskHistoryDb(store EntityDb[TaskHistoryRecord]) *TaskHistoryDb {
	return &TaskHistoryDb{store: store}
}

// Add archives one record.
func (d *TaskHistoryDb) Add(ctx context.Context, record TaskHistoryRecord) error {
	return d.store.Update(ctx, record)
}

// Get returns the record of one run or ErrNotFound.
func (d *TaskHistoryDb) Get(ctx context.Context, id ids.TaskId) (*TaskHistoryRecord, error) {
	return d.store.Get(ctx, string(id))
}

// All returns every archived record in insertion order.
func (d *TaskHistoryDb) All(ctx context.Context) ([]TaskHistoryRecord, error) {
	return d.store.All(ctx)
}

// ForDescriptor returns the archived runs of one descriptor.
func (d *TaskHistoryDb) ForDescriptor(ctx context.Context, id ids.TaskDescriptorId) ([]TaskHistoryRecord, error) {
	all, err := d.store.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []TaskHistoryRecord
	for _, record := range all {
		if record.DescriptorID == id {
			out = append(out, record)
		}
	}
	return out, nil
}
