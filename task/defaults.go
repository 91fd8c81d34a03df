package task

import "time"

// Step timeouts of the shipped workflows. The surrounding phases are
// short lived, the main phases may take a long time on large accounts.
const (
	phaseStepTimeout = 10 * time.Second
	mainStepTimeout  = time.Hour
)

func collectSteps() []Step {
	return []Step{
		NewStep("pre_collect", PerformAction{MessageType: "pre_collect"}, phaseStepTimeout),
		NewStep("collect", PerformAction{MessageType: "collect"}, mainStepTimeout),
		NewStep("merge_outer_edges", PerformAction{MessageType: "merge_outer_edges"}, phaseStepTimeout),
		NewStep("post_collect", PerformAction{MessageType: "post_collect"}, phaseStepTimeout),
	}
}

func cleanupSteps() []Step {
	return []Step{
		NewStep("pre_cleanup_plan", PerformAction{MessageType: "pre_cleanup_plan"}, phaseStepTimeout),
		NewStep("cleanup_plan", PerformAction{MessageType: "cleanup_plan"}, mainStepTimeout),
		NewStep("post_cleanup_plan", PerformAction{MessageType: "post_cleanup_plan"}, phaseStepTimeout),
		NewStep("pre_cleanup", PerformAction{MessageType: "pre_cleanup"}, phaseStepTimeout),
		NewStep("cleanup", PerformAction{MessageType: "cleanup"}, mainStepTimeout),
		NewStep("post_cleanup", PerformAction{MessageType: "post_cleanup"}, phaseStepTimeout),
	}
}

func metricsSteps() []Step {
	return []Step{
		NewStep("pre_generate_metrics", PerformAction{MessageType: "pre_generate_metrics"}, phaseStepTimeout),
		NewStep("generate_metrics", PerformAction{MessageType: "generate_metrics"}, mainStepTimeout),
		NewStep("post_generate_metrics", PerformAction{MessageType: "post_generate_metrics"}, phaseStepTimeout),
	}
}

// KnownWorkflows returns the workflows that ship with the core:
// collect, cleanup, metrics and the hourly collect_and_cleanup that
// chains all three.
func KnownWorkflows() []*Workflow {
	combined := append(append(collectSteps(), cleanupSteps()...), metricsSteps()...)
	return []*Workflow{
		NewWorkflow("collect", "collect", collectSteps(),
			[]Trigger{EventTrigger{MessageType: "start_collect_workflow"}}),
		NewWorkflow("cleanup", "cleanup", cleanupSteps(),
			[]Trigger{EventTrigger{MessageType: "start_cleanup_workflow"}}),
		NewWorkflow("metrics", "metrics", metricsSteps(),
			[]Trigger{EventTrigger{MessageType: "start_metrics_workflow"}}),
		NewWorkflow("collect_and_cleanup", "collect_and_cleanup", combined,
			[]Trigger{
				EventTrigger{MessageType: "start_collect_and_cleanup_workflow"},
				TimeTrigger{Cron: "0 * * * *"},
			}),
	}
}
