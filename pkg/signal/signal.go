// Package signal provides a minimal typed publish/subscribe primitive.
//
// A Signal is owned by the component that emits on it; subscribers only
// hold the unsubscribe function returned by Subscribe.
package signal

import "sync"

// Signal broadcasts values of type T to its listeners.
type Signal[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// New returns an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Subscribe appends fn to the listener list and returns a function that
// removes exactly this registration. Calling it more than once is a no-op.
func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Signal[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// subscription order, on the calling goroutine. A panicking listener
// propagates to the caller and the remaining listeners are skipped.
func (s *Signal[T]) Emit(value T) {
	s.mu.Lock()
	snapshot := make([]listener[T], len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.fn(value)
	}
}

// Len returns the number of registered listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
