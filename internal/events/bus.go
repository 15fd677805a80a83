// Package events carries notifications between engine components: typed
// synchronous signals on the data path and a fan-out bus for observers.
package events

import (
	"sync"
)

// Bus fans payloads out to channel subscribers without ever blocking the
// publisher. It feeds observers such as websocket clients, never the
// trading path.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any

	// OnDrop, when set, is called for every payload a slow subscriber missed.
	OnDrop func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for e and returns its channel and an
// unsubscribe func that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish delivers payload to every subscriber of e with room in its buffer.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			if b.OnDrop != nil {
				b.OnDrop(e)
			}
		}
	}
}
