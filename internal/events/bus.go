// Package events is the in-process pub/sub bus the Supervisor uses to
// learn about contract lifecycle changes from its host (e.g. a
// contract-creation notification from the CRUD layer) and to broadcast
// stream lifecycle changes to interested observers (health reporting,
// operator tooling). Adapted from the teacher's internal/events/bus.go,
// generalized from trading events to contract/stream events.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of domain event carried on the bus.
type EventType string

const (
	EventContractCreated   EventType = "CONTRACT_CREATED"
	EventContractDeleted   EventType = "CONTRACT_DELETED"
	EventStreamStarted     EventType = "STREAM_STARTED"
	EventStreamStopped     EventType = "STREAM_STOPPED"
	EventStreamRestarted   EventType = "STREAM_RESTARTED"
	EventContractCompleted EventType = "CONTRACT_COMPLETED"
	EventUserBroken        EventType = "USER_BROKEN"
	EventSignerCompleted   EventType = "SIGNER_COMPLETED"
	EventFeedReconnected   EventType = "FEED_RECONNECTED"
	EventFeedFatal         EventType = "FEED_FATAL"
)

// Event is one message on the bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber handles one event.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish fans event out to matching subscribers, each in its own
// goroutine so a slow subscriber never blocks the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishContractCreated notifies subscribers of a newly created contract
// so the Supervisor can auto-start a stream for it.
func (b *Bus) PublishContractCreated(contractID int64) {
	b.Publish(Event{
		Type: EventContractCreated,
		Data: map[string]interface{}{"contract_id": contractID},
	})
}

// PublishContractDeleted notifies subscribers a contract row was deleted
// by the host, so the Supervisor can stop its stream before (or
// alongside) the host's own persistence write.
func (b *Bus) PublishContractDeleted(contractID int64) {
	b.Publish(Event{
		Type: EventContractDeleted,
		Data: map[string]interface{}{"contract_id": contractID},
	})
}

// PublishContractCompleted notifies subscribers a contract reached a
// terminal state.
func (b *Bus) PublishContractCompleted(contractID int64, reason string) {
	b.Publish(Event{
		Type: EventContractCompleted,
		Data: map[string]interface{}{"contract_id": contractID, "reason": reason},
	})
}

// PublishStreamStarted notifies subscribers a stream began evaluating.
func (b *Bus) PublishStreamStarted(contractID int64, mint string) {
	b.Publish(Event{
		Type: EventStreamStarted,
		Data: map[string]interface{}{"contract_id": contractID, "mint": mint},
	})
}

// PublishStreamStopped notifies subscribers a stream stopped.
func (b *Bus) PublishStreamStopped(contractID int64) {
	b.Publish(Event{
		Type: EventStreamStopped,
		Data: map[string]interface{}{"contract_id": contractID},
	})
}

// PublishFeedFatal notifies subscribers the upstream feed's reconnect
// budget was exhausted.
func (b *Bus) PublishFeedFatal(err error) {
	b.Publish(Event{
		Type: EventFeedFatal,
		Data: map[string]interface{}{"error": err.Error()},
	})
}
