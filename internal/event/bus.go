// Package event provides the process-wide notification bus the SDK client
// publishes to and screens subscribe on.
package event

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/firstchat/internal/messaging"
)

// Name identifies an event kind.
type Name string

// MessageReceived fires for every message pushed by the service, from any chat.
const MessageReceived Name = "message_received"

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// Event is a single notification.
type Event struct {
	Name    Name
	Message *messaging.Message
}

// Subscription is one listener registered on a Bus.
type Subscription struct {
	ID   string
	Name Name
	ch   chan Event
}

// C returns the channel events are delivered on. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus fans events out to every subscriber of their name.
type Bus struct {
	// Subscriptions indexed by event name, then by subscription ID
	subs   map[Name]map[string]*Subscription
	buffer int
	mu     sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return NewBusWithBuffer(DefaultBuffer)
}

// NewBusWithBuffer creates an empty bus whose subscriptions buffer n events.
func NewBusWithBuffer(n int) *Bus {
	if n < 1 {
		n = 1
	}
	return &Bus{
		subs:   make(map[Name]map[string]*Subscription),
		buffer: n,
	}
}

// Subscribe registers a listener for name. The listener stays active until
// passed to Unsubscribe.
func (b *Bus) Subscribe(name Name) *Subscription {
	sub := &Subscription{
		ID:   uuid.New().String(),
		Name: name,
		ch:   make(chan Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[name] == nil {
		b.subs[name] = make(map[string]*Subscription)
	}
	b.subs[name][sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it more than once,
// or with nil, is a no-op. No event is delivered to sub after it returns.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.Name]
	if !ok {
		return
	}
	if _, ok := set[sub.ID]; !ok {
		return
	}
	delete(set, sub.ID)
	if len(set) == 0 {
		delete(b.subs, sub.Name)
	}
	close(sub.ch)
}

// Publish delivers e to every subscriber of e.Name without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs[e.Name] {
		select {
		case sub.ch <- e:
		default:
			log.Printf("event: subscriber %s buffer full, dropping %s", id, e.Name)
		}
	}
}

// SubscriberCount returns the number of active listeners for name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
