package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobWireShape(t *testing.T) {
	job := &Job{
		DescriptorID: "hello",
		Command:      ExecuteCommand{Command: "echo Hello World"},
		Timeout:      10 * time.Second,
		Trigger:      TimeTrigger{Cron: "23 1 * * *"},
		Wait:         &WaitingTrigger{Event: EventTrigger{MessageType: "collect_done"}, Timeout: time.Hour},
		Env:          map[string]string{"graph": "ns", "section": "reported"},
		Active:       true,
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "hello",
		"command": {"kind": "execute_command", "command": "echo Hello World"},
		"timeout_s": 10,
		"trigger": {"kind": "time_trigger", "cron": "23 1 * * *"},
		"wait": {"trigger": {"kind": "event_trigger", "message_type": "collect_done"}, "timeout_s": 3600},
		"environment": {"graph": "ns", "section": "reported"},
		"active": true
	}`, string(data))

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *job, decoded)
}

func TestWorkflowSurvivesEncoding(t *testing.T) {
	workflow := testWorkflow()
	workflow.WorkflowTriggers = append(workflow.WorkflowTriggers, TimeTrigger{Cron: "0 * * * *"})

	data, err := json.Marshal(workflow)
	require.NoError(t, err)
	var decoded Workflow
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *workflow, decoded)
}

func TestDescriptorValidation(t *testing.T) {
	// duplicate step names
	w := NewWorkflow("w", "w", []Step{
		NewStep("a", PerformAction{MessageType: "x"}, time.Second),
		NewStep("a", PerformAction{MessageType: "y"}, time.Second),
	}, nil)
	assert.ErrorContains(t, w.Validate(), "duplicate step name")

	// no steps at all
	assert.ErrorContains(t, NewWorkflow("w", "w", nil, nil).Validate(), "at least one step")

	// unparseable cron expression
	w = NewWorkflow("w", "w", []Step{NewStep("a", PerformAction{MessageType: "x"}, time.Second)},
		[]Trigger{TimeTrigger{Cron: "not a cron"}})
	assert.ErrorContains(t, w.Validate(), "invalid cron expression")

	// job without a command
	assert.ErrorContains(t, (&Job{DescriptorID: "j"}).Validate(), "command must not be empty")

	for _, workflow := range KnownWorkflows() {
		assert.NoError(t, workflow.Validate())
	}
}
