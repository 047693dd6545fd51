// Package events fans committed traces out to in-process subscribers.
//
// The pipeline publishes every committed trace; the WebSocket feed and any
// other observer subscribes with a buffered channel. Publish never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// request path.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kelpejol/xdr/internal/trace"
)

// subscriberBuffer bounds how far a subscriber may lag before drops begin.
const subscriberBuffer = 64

// Bus is a non-blocking fan-out of committed traces.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan trace.Trace
	nextID int
	closed bool
	log    zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan trace.Trace),
		log:  logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel is closed when the subscriber is removed or the bus shuts down.
func (b *Bus) Subscribe() (int, <-chan trace.Trace) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan trace.Trace, subscriberBuffer)
	if b.closed {
		close(ch)
		return -1, ch
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	b.log.Debug().Int("subscriber_id", id).Msg("subscriber added")
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)

	b.log.Debug().Int("subscriber_id", id).Msg("subscriber removed")
}

// Publish delivers a trace to every subscriber that has buffer room.
func (b *Bus) Publish(t trace.Trace) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- t:
		default:
			b.log.Debug().
				Int("subscriber_id", id).
				Str("trace_id", t.ID).
				Msg("subscriber lagging, event dropped")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
