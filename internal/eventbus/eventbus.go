// Package eventbus is the in-process publish/subscribe fan-out sitting
// between the Event Ingester, the Board Engine, and every SSE subscriber on
// the API surface (§2, §4.2). It never blocks a publisher on a slow reader.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event is a normalized, typed occurrence broadcast to subscribers (§6.2
// taxonomy: session:started, message:updated, card:lane_changed, etc.).
type Event struct {
	Kind      string      `json:"kind"`
	ProjectID string      `json:"project_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Handler receives broadcast events. It must not block for long; the bus
// delivers to each subscriber's buffered channel and a separate goroutine
// drains it into Handler, so a slow Handler only delays that one subscriber.
type Handler func(Event)

// Publisher abstracts subscribe/unsubscribe/broadcast so components depend
// on the interface, not the concrete Bus, mirroring the decoupling pattern
// used for the bus in the reference chat gateway this package is modeled on.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

const subscriberQueueDepth = 64

type subscriber struct {
	ch     chan Event
	cancel chan struct{}
}

// Bus is the default Publisher: a registry of per-subscriber buffered
// channels. Broadcast never blocks — a full subscriber queue causes that
// event to be dropped for that subscriber only, with a log line recording
// the drop (§2 "Drops slow subscribers rather than blocking publishers").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	log         *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		log:         log,
	}
}

// Subscribe registers handler under id, replacing any existing subscription
// with the same id. The handler runs on a dedicated goroutine fed by a
// buffered channel so Broadcast callers are never blocked by it.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	if old, ok := b.subscribers[id]; ok {
		close(old.cancel)
	}
	sub := &subscriber{
		ch:     make(chan Event, subscriberQueueDepth),
		cancel: make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.cancel:
				return
			}
		}
	}()
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	close(sub.cancel)
	delete(b.subscribers, id)
}

// Broadcast delivers event to every current subscriber without blocking.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("eventbus: dropping event for slow subscriber", "subscriber", id, "kind", event.Kind)
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// used by health checks and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
