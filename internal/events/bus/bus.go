// Package bus provides the in-process event bus for the control plane.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // Component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscription is an active subscription. Events arrive on C in publish order
// per publisher; the channel is closed on Unsubscribe or bus close.
type Subscription interface {
	C() <-chan *Event
	Unsubscribe()
}

// EventBus is the in-process publish/subscribe channel. Subscribers receive
// every event; filtering happens on the receiving side. Publish never blocks
// on a subscriber: each subscriber owns a bounded queue and slow consumers
// are disconnected.
type EventBus interface {
	Publish(event *Event)
	Subscribe(name string) Subscription
	Close()
}
