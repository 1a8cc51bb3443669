package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names emitted by the write pipeline. Subscribers include the
// temp-id rewriter, the conflict persister and metrics.
const (
	TopicCreated     = "item:created"
	TopicUpdated     = "item:updated"
	TopicDeleted     = "item:deleted"
	TopicFailed      = "item:failed"
	TopicDropped     = "item:dropped"
	TopicInvalidated = "cache:invalidated"
)

// Event is a typed notification with an opaque JSON payload.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler receives events for one subscription. Handlers run on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a minimal in-process publish-subscribe fanout. Publish never
// blocks on a slow subscriber; handler panics are contained.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   int
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// Subscribe registers a handler for topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish marshals payload and delivers to every subscriber of topic, in
// subscription order.
func (b *Bus) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: failed to marshal payload for %s: %v", topic, err)
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("events: handler panic on %s: %v", topic, r)
				}
			}()
			s.handler(ev)
		}()
	}
}
