package metrics

import (
	"context"
	"log/slog"

	"github.com/BRLink/resoto/bus"
)

// Observer listens on the message bus and keeps the task counters
// current. It is a passive component: losing a message skews a counter
// but never affects the engine.
type Observer struct {
	metrics *Metrics
	msgBus  *bus.MessageBus
	logger  *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewObserver creates a stopped observer.
func NewObserver(metrics *Metrics, msgBus *bus.MessageBus, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{metrics: metrics, msgBus: msgBus, logger: logger.With("component", "metrics")}
}

// Start subscribes to the bus and begins counting.
func (o *Observer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.sub = o.msgBus.Subscribe("metrics")
	o.done = make(chan struct{})
	go o.loop(loopCtx)
	o.logger.Debug("metrics observer started")
}

// Stop unsubscribes and waits for the loop to exit.
func (o *Observer) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.sub.Release()
	<-o.done
}

func (o *Observer) loop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-o.sub.Messages():
			if !ok {
				return
			}
			o.observe(m)
		}
	}
}

func (o *Observer) observe(m bus.Message) {
	o.metrics.MessagesOnBus.WithLabelValues(string(m.Kind())).Inc()
	event, ok := m.(bus.Event)
	if !ok {
		return
	}
	name, _ := event.Data["task"].(string)
	switch event.Type {
	case "task_started":
		o.metrics.TasksStarted.WithLabelValues(name).Inc()
		o.metrics.RunningTasks.Inc()
	case "task_end":
		o.metrics.TasksFinished.WithLabelValues(name).Inc()
		o.metrics.RunningTasks.Dec()
	}
}
