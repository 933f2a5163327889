// Package events carries fleet events between the control plane's
// components: the command queue wakes connected streams, the offline
// monitor and trust checks feed the notifier and the admin live feed.
package events

import (
	"log"
	"sync"
	"time"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; anything slow brings its own channel, as the
// notify dispatcher and the websocket hub do.
type Handler func(Event)

// Bus is the in-process fan-out point. Publishing never blocks on a
// subscriber and never fails: a control-plane mutation must commit
// whether or not anyone is listening.
type Bus struct {
	mu       sync.RWMutex
	byType   map[EventType][]Handler
	wildcard []Handler
}

func NewBus() *Bus {
	return &Bus{byType: make(map[EventType][]Handler)}
}

// Subscribe registers handler for the given event types, or for every
// event when none are named.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.wildcard = append(b.wildcard, handler)
		return
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], handler)
	}
}

// Publish delivers e to every matching subscriber, stamping the
// timestamp if the producer left it zero. A panicking subscriber is
// logged and skipped; the kill path must not die because a notifier
// misbehaved.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[e.Type])+len(b.wildcard))
	handlers = append(handlers, b.byType[e.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Events] subscriber panic on %s: %v", e.Type, r)
		}
	}()
	h(e)
}
