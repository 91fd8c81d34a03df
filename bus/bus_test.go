package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BRLink/resoto/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(sub *Subscription, n int, timeout time.Duration) []Message {
	var out []Message
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case m := <-sub.Messages():
			out = append(out, m)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestFanOutByType(t *testing.T) {
	b := NewMessageBus(nil)
	ctx := context.Background()

	foo := b.Subscribe(ids.SubscriberId("test"), "foo")
	bla := b.Subscribe(ids.SubscriberId("test"), "bla")
	defer bla.Release()

	emit := func() {
		require.NoError(t, b.EmitEvent(ctx, "foo", nil))
		require.NoError(t, b.EmitEvent(ctx, "foo", nil))
		require.NoError(t, b.EmitEvent(ctx, "bla", nil))
		require.NoError(t, b.EmitEvent(ctx, "bar", nil))
	}

	emit()
	assert.Len(t, collect(foo, 2, time.Second), 2)
	assert.Len(t, collect(bla, 1, time.Second), 1)

	// after release the queue no longer participates in the fan-out
	foo.Release()
	emit()
	assert.Empty(t, collect(foo, 1, 50*time.Millisecond))
	assert.Len(t, collect(bla, 1, time.Second), 1)
}

func TestSubscribeAllTypes(t *testing.T) {
	b := NewMessageBus(nil)
	all := b.Subscribe(ids.SubscriberId("all"))
	defer all.Release()

	require.NoError(t, b.EmitEvent(context.Background(), "a", nil))
	require.NoError(t, b.EmitEvent(context.Background(), "b", nil))
	got := collect(all, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].MessageType())
	assert.Equal(t, "b", got[1].MessageType())
}

func TestEmitOrderPerQueue(t *testing.T) {
	b := NewMessageBus(nil)
	sub := b.Subscribe(ids.SubscriberId("ordered"), "evt")
	defer sub.Release()

	for i := 0; i < 100; i++ {
		require.NoError(t, b.EmitEvent(context.Background(), "evt", map[string]any{"i": i}))
	}
	got := collect(sub, 100, time.Second)
	require.Len(t, got, 100)
	for i, m := range got {
		assert.Equal(t, i, m.(Event).Data["i"])
	}
}

func TestEmitBlocksOnFullQueue(t *testing.T) {
	b := &MessageBus{queueSize: 1, logger: testLogger()}
	sub := b.Subscribe(ids.SubscriberId("slow"), "evt")
	defer sub.Release()

	require.NoError(t, b.EmitEvent(context.Background(), "evt", nil))

	// the queue is full, the second emit must observe the context deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.EmitEvent(ctx, "evt", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageRoundTrip(t *testing.T) {
	taskID := ids.TaskId("123")
	subID := ids.SubscriberId("sub")
	at := time.Date(2022, 10, 23, 12, 0, 0, 0, time.UTC)

	messages := []Message{
		NewEvent("test", map[string]any{"a": "b", "c": float64(1), "d": "bla"}),
		Action{Type: "test", TaskID: taskID, Step: "step_name"},
		Action{Type: "test", TaskID: taskID, Step: "step_name", Data: map[string]any{"test": float64(1)}},
		ActionDone{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID},
		ActionDone{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID, Data: map[string]any{"test": float64(1)}},
		ActionError{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID, Error: "oops"},
		ActionError{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID, Error: "oops", Data: map[string]any{"test": float64(23)}},
		ActionInfo{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID, Level: "error", Info: "Error message"},
		ActionProgress{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID, Progress: ProgressDone("region", 1, 2), At: at},
		ActionProgress{Type: "test", TaskID: taskID, Step: "step_name", SubscriberID: subID,
			Progress: ProgressParts("account1", ProgressDone("region", 1, 2), ProgressDone("region2", 2, 2)), At: at},
	}

	for _, m := range messages {
		data, err := MarshalMessage(m)
		require.NoError(t, err)
		again, err := UnmarshalMessage(data)
		require.NoError(t, err)
		assert.Equal(t, m, again, "wire: %s", data)
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	_, err := UnmarshalMessage([]byte(`{"kind":"bogus","message_type":"x"}`))
	assert.Error(t, err)
}

func TestProgressAggregation(t *testing.T) {
	tree := ProgressParts("account",
		ProgressDone("region-a", 1, 2),
		ProgressParts("region-b",
			ProgressDone("zone-1", 2, 2),
			ProgressDone("zone-2", 0, 4),
		),
	)
	done, total := tree.Overall()
	assert.Equal(t, 3, done)
	assert.Equal(t, 8, total)
	assert.Equal(t, 37, tree.Percentage())

	empty := ProgressParts("empty")
	assert.Equal(t, 100, empty.Percentage())
}
