// Package subscription tracks which external subscribers accept which
// message types with which timeouts. The registry is persisted through
// an EntityDb and every mutation is announced on the message bus.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/ids"
)

// SubscriberChangedEvent is emitted whenever the registry changes.
const SubscriberChangedEvent = "subscriber-changed"

// Subscription declares that a subscriber accepts one message type.
// Timeout bounds how long a step waits for the acknowledgement of this
// subscriber when WaitForCompletion is set.
type Subscription struct {
	MessageType       string        `json:"message_type"`
	WaitForCompletion bool          `json:"wait_for_completion"`
	Timeout           time.Duration `json:"timeout"`
}

// Subscriber owns an ordered set of subscriptions, unique per message type.
type Subscriber struct {
	ID            ids.SubscriberId `json:"id"`
	Subscriptions []Subscription   `json:"subscriptions"`
}

// Subscription returns the subscription for the given message type, if any.
func (s Subscriber) Subscription(messageType string) (Subscription, bool) {
	for _, sub := range s.Subscriptions {
		if sub.MessageType == messageType {
			return sub, true
		}
	}
	return Subscription{}, false
}

// SubscriberDb persists subscribers.
type SubscriberDb = db.EntityDb[Subscriber]

// Handler is the subscriber registry. A single writer lock protects
// mutations; readers take a snapshot.
type Handler struct {
	store  SubscriberDb
	msgBus *bus.MessageBus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[ids.SubscriberId]*Subscriber
	order       []ids.SubscriberId
}

// NewHandler creates the registry and loads persisted subscribers.
func NewHandler(ctx context.Context, store SubscriberDb, msgBus *bus.MessageBus, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:       store,
		msgBus:      msgBus,
		logger:      logger,
		subscribers: make(map[ids.SubscriberId]*Subscriber),
	}
	existing, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	for i := range existing {
		sub := existing[i]
		h.subscribers[sub.ID] = &sub
		h.order = append(h.order, sub.ID)
	}
	return h, nil
}

// AddSubscription upserts a subscription for the given subscriber and
// announces the change. The timeout must be positive.
func (h *Handler) AddSubscription(ctx context.Context, sid ids.SubscriberId, messageType string, waitForCompletion bool, timeout time.Duration) (*Subscriber, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("subscription timeout must be positive, got %s", timeout)
	}
	if messageType == "" {
		return nil, fmt.Errorf("subscription message type must not be empty")
	}

	h.mu.Lock()
	subscriber, ok := h.subscribers[sid]
	if !ok {
		subscriber = &Subscriber{ID: sid}
		h.subscribers[sid] = subscriber
		h.order = append(h.order, sid)
	}
	entry := Subscription{MessageType: messageType, WaitForCompletion: waitForCompletion, Timeout: timeout}
	replaced := false
	for i, sub := range subscriber.Subscriptions {
		if sub.MessageType == messageType {
			subscriber.Subscriptions[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		subscriber.Subscriptions = append(subscriber.Subscriptions, entry)
	}
	snapshot := *subscriber
	h.mu.Unlock()

	if err := h.store.Update(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persist subscriber %s: %w", sid, err)
	}
	h.emitChanged(ctx, sid)
	h.logger.Debug("subscription added", "subscriber_id", sid, "message_type", messageType, "timeout", timeout)
	return &snapshot, nil
}

// RemoveSubscription removes one subscription of a subscriber. Removing
// a missing subscription is a no-op. A subscriber without subscriptions
// is removed entirely.
func (h *Handler) RemoveSubscription(ctx context.Context, sid ids.SubscriberId, messageType string) error {
	h.mu.Lock()
	subscriber, ok := h.subscribers[sid]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	kept := subscriber.Subscriptions[:0]
	for _, sub := range subscriber.Subscriptions {
		if sub.MessageType != messageType {
			kept = append(kept, sub)
		}
	}
	subscriber.Subscriptions = kept
	empty := len(kept) == 0
	if empty {
		h.removeLocked(sid)
	}
	snapshot := *subscriber
	h.mu.Unlock()

	var err error
	if empty {
		err = h.store.Delete(ctx, string(sid))
	} else {
		err = h.store.Update(ctx, snapshot)
	}
	if err != nil {
		return fmt.Errorf("persist subscriber %s: %w", sid, err)
	}
	h.emitChanged(ctx, sid)
	return nil
}

// RemoveSubscriber removes the subscriber and all its subscriptions.
func (h *Handler) RemoveSubscriber(ctx context.Context, sid ids.SubscriberId) error {
	h.mu.Lock()
	_, ok := h.subscribers[sid]
	if ok {
		h.removeLocked(sid)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.store.Delete(ctx, string(sid)); err != nil {
		return fmt.Errorf("delete subscriber %s: %w", sid, err)
	}
	h.emitChanged(ctx, sid)
	return nil
}

func (h *Handler) removeLocked(sid ids.SubscriberId) {
	delete(h.subscribers, sid)
	for i, id := range h.order {
		if id == sid {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the subscriber with the given id, if present.
func (h *Handler) Get(sid ids.SubscriberId) (*Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subscriber, ok := h.subscribers[sid]
	if !ok {
		return nil, false
	}
	snapshot := *subscriber
	return &snapshot, true
}

// All returns every subscriber in registration order.
func (h *Handler) All() []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Subscriber, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.subscribers[id])
	}
	return out
}

// ListSubscriberFor returns the subscribers currently accepting the
// given message type, ordered by registration time. The result is a
// snapshot: later registrations do not join a step already in flight.
func (h *Handler) ListSubscriberFor(messageType string) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Subscriber
	for _, id := range h.order {
		subscriber := h.subscribers[id]
		if _, ok := subscriber.Subscription(messageType); ok {
			out = append(out, *subscriber)
		}
	}
	return out
}

func (h *Handler) emitChanged(ctx context.Context, sid ids.SubscriberId) {
	if h.msgBus == nil {
		return
	}
	if err := h.msgBus.EmitEvent(ctx, SubscriberChangedEvent, map[string]any{"subscriber_id": string(sid)}); err != nil {
		h.logger.Warn("failed to emit subscriber-changed event", "subscriber_id", sid, "error", err)
	}
}
