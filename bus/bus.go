package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BRLink/resoto/ids"
)

// DefaultQueueSize bounds each subscriber queue. A full queue makes
// the producer wait for room.
const DefaultQueueSize = 1000

// MessageBus is a topic filtered in-process fan-out. Delivery is best
// effort: messages are handed to every queue registered at emit time,
// nothing is persisted and messages in flight are lost on crash.
type MessageBus struct {
	queueSize int
	logger    *slog.Logger

	mu      sync.Mutex
	active  []*Subscription
	counter int
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithQueueSize sets the per-subscriber queue size.
func WithQueueSize(n int) Option {
	return func(b *MessageBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewMessageBus creates a bus with the default queue size.
func NewMessageBus(logger *slog.Logger, opts ...Option) *MessageBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MessageBus{queueSize: DefaultQueueSize, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one scoped queue on the bus. It must be released
// when no longer needed, which removes it from the fan-out set and
// drains pending messages.
type Subscription struct {
	ID ids.SubscriberId

	bus     *MessageBus
	types   map[string]struct{} // nil means all
	ch      chan Message
	release sync.Once
}

// Subscribe registers a queue for the given subscriber. With no
// message types given, the queue receives every message.
func (b *MessageBus) Subscribe(id ids.SubscriberId, messageTypes ...string) *Subscription {
	sub := &Subscription{ID: id, bus: b, ch: make(chan Message, b.queueSize)}
	if len(messageTypes) > 0 {
		sub.types = make(map[string]struct{}, len(messageTypes))
		for _, t := range messageTypes {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.active = append(b.active, sub)
	b.counter++
	b.mu.Unlock()
	b.logger.Debug("bus subscription added", "subscriber_id", id, "message_types", messageTypes)
	return sub
}

// Messages returns the queue channel of this subscription.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Release removes the subscription from the fan-out set and drains
// the queue. Safe to call more than once.
func (s *Subscription) Release() {
	s.release.Do(func() {
		b := s.bus
		b.mu.Lock()
		for i, sub := range b.active {
			if sub == s {
				b.active = append(b.active[:i], b.active[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		// drain whatever is still queued
		for {
			select {
			case <-s.ch:
			default:
				return
			}
		}
	})
}

func (s *Subscription) accepts(messageType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[messageType]
	return ok
}

// Emit delivers the message to every matching queue registered at this
// moment. It completes when the message is enqueued everywhere; a full
// queue makes the call wait until there is room or the context is done.
func (b *MessageBus) Emit(ctx context.Context, m Message) error {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.active))
	for _, sub := range b.active {
		if sub.accepts(m.MessageType()) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// EmitEvent is a convenience for emitting an informational event.
func (b *MessageBus) EmitEvent(ctx context.Context, messageType string, data map[string]any) error {
	return b.Emit(ctx, NewEvent(messageType, data))
}

// ActiveSubscriptions returns the number of currently registered queues.
func (b *MessageBus) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}
