package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T) (*Handler, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.NewMessageBus(nil)
	store := db.NewInMemoryDb(func(s Subscriber) string { return string(s.ID) })
	h, err := NewHandler(context.Background(), store, msgBus, nil)
	require.NoError(t, err)
	return h, msgBus
}

func TestAddSubscription(t *testing.T) {
	h, msgBus := newHandler(t)
	ctx := context.Background()
	changed := msgBus.Subscribe(ids.SubscriberId("watch"), SubscriberChangedEvent)
	defer changed.Release()

	sub, err := h.AddSubscription(ctx, "sub_1", "collect", true, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "collect", sub.Subscriptions[0].MessageType)
	assert.True(t, sub.Subscriptions[0].WaitForCompletion)

	select {
	case m := <-changed.Messages():
		assert.Equal(t, SubscriberChangedEvent, m.MessageType())
	case <-time.After(time.Second):
		t.Fatal("no subscriber-changed event emitted")
	}

	// same message type is an upsert, not a duplicate
	sub, err = h.AddSubscription(ctx, "sub_1", "collect", false, time.Minute)
	require.NoError(t, err)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, time.Minute, sub.Subscriptions[0].Timeout)
	assert.False(t, sub.Subscriptions[0].WaitForCompletion)
}

func TestTimeoutMustBePositive(t *testing.T) {
	h, _ := newHandler(t)
	_, err := h.AddSubscription(context.Background(), "sub_1", "collect", true, 0)
	assert.Error(t, err)
	_, err = h.AddSubscription(context.Background(), "sub_1", "collect", true, -time.Second)
	assert.Error(t, err)
}

func TestListSubscriberForOrder(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	_, err := h.AddSubscription(ctx, "sub_2", "collect", true, time.Minute)
	require.NoError(t, err)
	_, err = h.AddSubscription(ctx, "sub_1", "collect", true, time.Minute)
	require.NoError(t, err)
	_, err = h.AddSubscription(ctx, "sub_3", "other", true, time.Minute)
	require.NoError(t, err)

	listed := h.ListSubscriberFor("collect")
	require.Len(t, listed, 2)
	// ordering is stable by registration time
	assert.Equal(t, ids.SubscriberId("sub_2"), listed[0].ID)
	assert.Equal(t, ids.SubscriberId("sub_1"), listed[1].ID)
	assert.Empty(t, h.ListSubscriberFor("unknown"))
}

func TestRemoveSubscription(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	_, err := h.AddSubscription(ctx, "sub_1", "collect", true, time.Minute)
	require.NoError(t, err)
	_, err = h.AddSubscription(ctx, "sub_1", "cleanup", true, time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.RemoveSubscription(ctx, "sub_1", "collect"))
	// idempotent
	require.NoError(t, h.RemoveSubscription(ctx, "sub_1", "collect"))
	assert.Empty(t, h.ListSubscriberFor("collect"))
	assert.Len(t, h.ListSubscriberFor("cleanup"), 1)

	// removing the last subscription removes the subscriber
	require.NoError(t, h.RemoveSubscription(ctx, "sub_1", "cleanup"))
	_, ok := h.Get("sub_1")
	assert.False(t, ok)
}

func TestRemoveSubscriber(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	_, err := h.AddSubscription(ctx, "sub_1", "collect", true, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.RemoveSubscriber(ctx, "sub_1"))
	require.NoError(t, h.RemoveSubscriber(ctx, "sub_1"))
	assert.Empty(t, h.All())
}

func TestPersistedSubscribersAreLoaded(t *testing.T) {
	store := db.NewInMemoryDb(func(s Subscriber) string { return string(s.ID) })
	ctx := context.Background()
	msgBus := bus.NewMessageBus(nil)

	h1, err := NewHandler(ctx, store, msgBus, nil)
	require.NoError(t, err)
	_, err = h1.AddSubscription(ctx, "sub_1", "collect", true, time.Minute)
	require.NoError(t, err)

	h2, err := NewHandler(ctx, store, msgBus, nil)
	require.NoError(t, err)
	listed := h2.ListSubscriberFor("collect")
	require.Len(t, listed, 1)
	assert.Equal(t, ids.SubscriberId("sub_1"), listed[0].ID)
}
