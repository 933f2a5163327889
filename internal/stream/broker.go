// Package stream pushes commands to connected devices over SSE.
// The queue in sqlite is the source of truth; the broker here is only a
// doorbell that tells a device's stream to re-query it.
package stream

import "sync"

// Broker fans wakeups out to per-device stream handlers. Signals carry
// no data and are collapsible: one pending wakeup is as good as ten.
type Broker struct {
	mu   sync.RWMutex
	subs map[string][]chan struct{}
}

// NewBroker creates a ready-to-use broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]chan struct{})}
}

// Subscribe returns a channel that fires when the device has new work.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(deviceID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[deviceID] = append(b.subs[deviceID], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the device's subscriber list and
// closes it.
func (b *Broker) Unsubscribe(deviceID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[deviceID]
	for i, s := range subs {
		if s == ch {
			b.subs[deviceID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Wake signals every stream attached to the device. Non-blocking: a
// full buffer means a wakeup is already pending, which is enough.
func (b *Broker) Wake(deviceID string) {
	b.mu.RLock()
	subs := b.subs[deviceID]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Connected reports how many streams a device currently holds open.
func (b *Broker) Connected(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[deviceID])
}
