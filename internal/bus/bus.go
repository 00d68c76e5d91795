// Package bus is the in-process event spine: persistence publishes task
// state changes, the agent loop and deploy cycle publish progress, and
// notifiers and the metrics bridge consume them. Delivery is best-effort;
// a subscriber that falls behind loses events rather than stalling the
// publisher.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is one message on the bus. Payload types live in topics.go.
type Event struct {
	Topic   string
	Payload interface{}
	At      time.Time
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	prefix  string
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// Ch returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events lost because this subscriber's buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer for topics starting with topicPrefix;
// the empty prefix matches everything. The channel buffers 100 events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscription and closes its channel.
// Unsubscribing twice, or a nil subscription, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. A full buffer counts against the subscriber, not the bus.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports how many subscriptions are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
