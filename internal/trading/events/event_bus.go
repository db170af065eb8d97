// Package events carries order and settlement events from the trading core
// to analytics and notification consumers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is the envelope for everything published on the bus.
type Event struct {
	Topic     string
	Type      string
	Timestamp time.Time
	Payload   interface{}
}

// Handler consumes one event. Handlers run on a per-subscriber worker, so
// a slow handler delays only its own subscription.
type Handler func(Event)

// Bus is the interface for publishing and subscribing to events.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

const subscriberQueueSize = 1024

type subscriber struct {
	queue   chan Event
	handler Handler
}

// InMemoryBus fans events out to per-subscriber queues. Delivery is
// at-least-once within the process: Publish blocks when a subscriber queue
// is full rather than dropping, and handler panics are recovered and
// logged so one bad consumer cannot take the bus down.
type InMemoryBus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string][]*subscriber

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]*subscriber),
	}
}

// Publish delivers an event to every subscriber of its topic.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := b.subs[event.Topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		case <-ctx.Done():
			b.failed.Add(1)
			b.logger.Warn("event delivery abandoned",
				zap.String("topic", event.Topic),
				zap.String("type", event.Type),
				zap.Error(ctx.Err()))
		}
	}
}

// Subscribe registers a handler for a topic and starts its worker.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	sub := &subscriber{
		queue:   make(chan Event, subscriberQueueSize),
		handler: handler,
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go b.run(topic, sub)
	b.logger.Info("subscribed handler to topic", zap.String("topic", topic))
}

func (b *InMemoryBus) run(topic string, sub *subscriber) {
	for event := range sub.queue {
		b.deliver(topic, sub, event)
	}
}

func (b *InMemoryBus) deliver(topic string, sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("event handler panic",
				zap.Any("recover", r),
				zap.String("topic", topic),
				zap.String("type", event.Type))
		}
	}()
	sub.handler(event)
	b.delivered.Add(1)
}

// Stats returns published/delivered/failed counts.
func (b *InMemoryBus) Stats() (published, delivered, failed int64) {
	return b.published.Load(), b.delivered.Load(), b.failed.Load()
}
