// Package metrics exposes the prometheus collectors of the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core maintains.
type Metrics struct {
	TasksStarted   *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	RunningTasks   prometheus.Gauge
	WorkerTasks    *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	MessagesOnBus  *prometheus.CounterVec
	CommandsParsed *prometheus.CounterVec
}

// New creates the collectors and registers them with the registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resotocore_tasks_started_total",
			Help: "Task instances started, by descriptor.",
		}, []string{"descriptor"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resotocore_tasks_finished_total",
			Help: "Task instances finished, by descriptor.",
		}, []string{"descriptor"}),
		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resotocore_running_tasks",
			Help: "Task instances currently in flight.",
		}),
		WorkerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resotocore_worker_tasks_total",
			Help: "Worker tasks by name and outcome.",
		}, []string{"name", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resotocore_worker_queue_depth",
			Help: "Worker tasks queued or in flight.",
		}),
		MessagesOnBus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resotocore_bus_messages_total",
			Help: "Messages emitted on the bus, by kind.",
		}, []string{"kind"}),
		CommandsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resotocore_cli_commands_total",
			Help: "CLI commands compiled, by command name.",
		}, []string{"command"}),
	}
	reg.MustRegister(
		m.TasksStarted,
		m.TasksFinished,
		m.RunningTasks,
		m.WorkerTasks,
		m.QueueDepth,
		m.MessagesOnBus,
		m.CommandsParsed,
	)
	return m
}
