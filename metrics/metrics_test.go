package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCountsTaskEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := New(reg)
	msgBus := bus.NewMessageBus(logger)

	o := NewObserver(m, msgBus, logger)
	o.Start(context.Background())
	defer o.Stop()

	ctx := context.Background()
	require.NoError(t, msgBus.EmitEvent(ctx, "task_started", map[string]any{"task": "collect", "task_id": "t1"}))
	require.NoError(t, msgBus.EmitEvent(ctx, "task_end", map[string]any{"task": "collect", "task_id": "t1", "duration": 1.0}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TasksFinished.WithLabelValues("collect")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksStarted.WithLabelValues("collect")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RunningTasks))
}
