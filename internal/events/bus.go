package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus is an in-process publish/subscribe hub. It has no durability: a
// subscriber only sees events published while it is subscribed, matching
// the SSE/IPC consumers which are both live-connection-only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	log         zerolog.Logger
}

type subscription struct {
	ch     chan Envelope
	types  map[EventType]bool // nil means "all types"
}

// NewBus constructs an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]*subscription),
		log:         log.With().Str("component", "events.bus").Logger(),
	}
}

// Subscription is the handle returned by Subscribe. Ch delivers envelopes;
// the caller must call Unsubscribe when done to free the slot.
type Subscription struct {
	id  int
	bus *Bus
	Ch  <-chan Envelope
}

// Unsubscribe closes the subscriber's channel and removes it from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new subscriber. If types is non-empty, only events
// of those types are delivered; an empty list subscribes to everything.
// The returned channel is buffered so a slow consumer does not stall
// Publish; a full channel drops the event rather than blocking.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan Envelope, 64), types: filter}
	b.subscribers[id] = sub

	return &Subscription{id: id, bus: b, Ch: sub.ch}
}

// Publish wraps data in an Envelope stamped with the current time and
// fans it out to every matching subscriber. Publish never blocks on a
// slow subscriber: a full channel drops the event and is logged.
func (b *Bus) Publish(data EventData) {
	env := Envelope{Type: data.EventType(), Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[env.Type] {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.log.Warn().Str("type", string(env.Type)).Msg("subscriber channel full, dropping event")
		}
	}
}
