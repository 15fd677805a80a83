package events

import "sync"

// Signal is a typed synchronous notification point. Emit runs every
// connected slot in connection order on the caller's goroutine.
//
// Slots must not block for long: they run on the producer's loop and delay
// its next iteration. A slot may connect or disconnect slots (itself
// included); the change takes effect from the next Emit.
type Signal[T any] struct {
	mu    sync.Mutex
	next  uint64
	slots []slot[T]
}

type slot[T any] struct {
	id uint64
	fn func(T)
}

// Connect appends fn and returns a func that disconnects it. The returned
// func is safe to call more than once.
func (s *Signal[T]) Connect(fn func(T)) (disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	s.slots = append(s.slots, slot[T]{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sl := range s.slots {
			if sl.id == id {
				s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers v to every slot connected at the time of the call.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()

	for _, sl := range slots {
		sl.fn(v)
	}
}

// Len returns the number of connected slots.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
