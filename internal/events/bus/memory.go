package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
)

// subscriberQueueSize bounds the per-subscriber backlog. A subscriber that
// falls this far behind is disconnected so publishers never block.
const subscriberQueueSize = 256

// MemoryEventBus implements EventBus using per-subscriber buffered channels.
// Publish sends into every channel while holding the bus lock, which
// preserves publish order for each subscriber.
type MemoryEventBus struct {
	mu          sync.Mutex
	subscribers map[*memorySubscription]struct{}
	logger      *logger.Logger
	closed      bool
}

type memorySubscription struct {
	bus  *MemoryEventBus
	name string
	ch   chan *Event
	once sync.Once
}

// C returns the subscription's event channel.
func (s *memorySubscription) C() <-chan *Event {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *memorySubscription) Unsubscribe() {
	s.bus.remove(s)
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: make(map[*memorySubscription]struct{}),
		logger:      log.WithFields(zap.String("component", "event_bus")),
	}
}

// Publish delivers the event to every subscriber's queue. A subscriber whose
// queue is full is dropped to protect the publisher.
func (b *MemoryEventBus) Publish(event *Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var dropped []*memorySubscription
	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		b.logger.Warn("dropped slow event subscriber",
			zap.String("subscriber", sub.name),
			zap.String("event_type", event.Type))
	}

	b.logger.Debug("published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("source", event.Source))
}

// Subscribe registers a new subscriber. The name is used only for logging.
func (b *MemoryEventBus) Subscribe(name string) Subscription {
	sub := &memorySubscription{
		bus:  b,
		name: name,
		ch:   make(chan *Event, subscriberQueueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Close disconnects all subscribers and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event bus closed")
}

func (b *MemoryEventBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (s *memorySubscription) close() {
	s.once.Do(func() { close(s.ch) })
}
