package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"go.uber.org/zap"
)

// Handler processes one event
type Handler func(event Event)

type subscription struct {
	id      string
	topic   Topic
	handler Handler
}

// Bus broadcasts events to subscribers of their topic.
//
// Thread Safety: Bus is safe for concurrent use. Handlers run on the
// publishing goroutine, in subscription order, without the bus lock held.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers handler for topic and returns the function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// On subscribes a handler typed by its payload. The topic comes from E.
func On[E Event](b *Bus, handler func(E)) func() {
	var zero E
	return b.Subscribe(zero.Topic(), func(event Event) {
		if e, ok := event.(E); ok {
			handler(e)
		}
	})
}

// Publish delivers event to every current subscriber of its topic before returning.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(event Event) {
	topic := event.Topic()

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	b.metrics.RecordEvent(topic.String())
	b.logger.Debug("Publishing event",
		zap.String("topic", topic.String()),
		zap.Int("subscribers", len(targets)))

	for _, sub := range targets {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("topic", event.Topic().String()),
				zap.String("subscription_id", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Subscribers returns the number of handlers registered for topic
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}
