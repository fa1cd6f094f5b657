// Package listeners keeps the change callbacks of the client and its stores.
package listeners

import "sync"

// Set is a registration-ordered list of callbacks. The zero value is ready.
type Set[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    []entry[T]
}

type entry[T any] struct {
	id int
	fn func(T)
}

// Add registers fn and returns an idempotent remover
func (s *Set[T]) Add(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.fns {
				if e.id == id {
					s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
					return
				}
			}
		})
	}
}

// Notify calls every callback with v. Callers must not hold their own locks.
func (s *Set[T]) Notify(v T) {
	s.mu.Lock()
	snapshot := make([]entry[T], len(s.fns))
	copy(snapshot, s.fns)
	s.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len reports how many callbacks are registered
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}
