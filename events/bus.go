// Package events provides the process-wide publish/subscribe channel that
// decouples the sync core from the presentation layer.
package events

import "sync"

// Topic identifies one event stream on the bus.
type Topic string

const (
	// TopicPeersUpdated fires when the peer registry changes.
	TopicPeersUpdated Topic = "peers-updated"
	// TopicNotesUpdated fires when the local note store changes through sync.
	TopicNotesUpdated Topic = "notes-updated"
	// TopicSyncNotification fires when an inbound share notification changes.
	TopicSyncNotification Topic = "sync-notification"
	// TopicSyncResponse fires when an outbound share reaches a terminal outcome.
	TopicSyncResponse Topic = "sync-response"
)

// DefaultSubscriptionBuffer is the per-subscriber channel capacity.
const DefaultSubscriptionBuffer = 64

// Event is one published bus event.
type Event struct {
	Topic   Topic
	Payload any
}

// Subscription receives events for the topics it was created with.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	topics map[Topic]struct{}

	closeOnce sync.Once
}

// C returns the subscriber's event channel. The channel is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus is an in-process event bus with best-effort delivery. Listeners that
// subscribe after an event fired do not receive it; there is no replay.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for the given topics. No topics means all
// topics. Returns nil if the bus is already closed.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, DefaultSubscriptionBuffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, topic := range topics {
			sub.topics[topic] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to all current subscribers of the topic. A
// subscriber with a full buffer misses the event rather than blocking the
// publisher.
func (b *Bus) Publish(topic Topic, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close tears down the bus and closes every subscriber channel. Publish and
// Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	b.subs = make(map[*Subscription]struct{})
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.closeOnce.Do(func() { close(sub.ch) })
}
