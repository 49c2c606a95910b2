package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Event topics published by the coordinator.
const (
	TopicTabUnresponsive = "tab.unresponsive" // Data: protocol.TabID
	TopicRelayActive     = "relay.active"     // Data: bool
	TopicRelayTurn       = "relay.turn"       // Data: TurnEvent
	TopicAgentPhase      = "agent.phase"      // Data: PhaseEvent
	TopicTabInjected     = "tab.injected"     // Data: protocol.TabID
)

// TurnEvent describes one relay attempt.
type TurnEvent struct {
	SessionID string
	TurnID    string
	Direction protocol.Direction
	From      protocol.TabID
	To        protocol.TabID
	Text      string
	Status    protocol.Status
	At        time.Time
}

// PhaseEvent describes an agent phase transition.
type PhaseEvent struct {
	Tab      protocol.TabID
	Site     string
	Phase    string
	Previous string
}

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	Topic     string    // Event topic
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "coordinator", "agent", "control", ...
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Events is a topic-based pub/sub broker. Handlers run asynchronously.
type Events struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

// NewEvents creates an empty broker.
func NewEvents() *Events {
	return &Events{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event topic.
func (e *Events) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&e.nextID, 1))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[topic] = append(e.subs[topic], subscription{id: id, handler: handler})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (e *Events) Unsubscribe(id SubscriptionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for topic, subs := range e.subs {
		for i, sub := range subs {
			if sub.id == id {
				e.subs[topic] = append(subs[:i], subs[i+1:]...)
				if len(e.subs[topic]) == 0 {
					delete(e.subs, topic)
				}
				return true
			}
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
func (e *Events) Publish(topic string, data any) {
	e.PublishWithSource(topic, data, "coordinator")
}

// PublishWithSource broadcasts an event with source information.
func (e *Events) PublishWithSource(topic string, data any, source string) {
	if e == nil {
		return
	}
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	e.mu.RLock()
	subs := make([]subscription, len(e.subs[topic]))
	copy(subs, e.subs[topic])
	e.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	L_trace("bus: event published", "topic", topic, "subscribers", len(subs), "source", source)

	for _, sub := range subs {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// CountSubscribers returns the number of subscribers for a topic
func (e *Events) CountSubscribers(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[topic])
}
