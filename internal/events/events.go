// Package events provides typed observer lists for lifecycle notifications.
package events

import "sync"

// Listeners is an ordered list of callbacks for one kind of event.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []entry[T]
}

type entry[T any] struct {
	id int
	fn func(T)
}

// Add registers fn and returns a function that removes it again.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)

				return
			}
		}
	}
}

// Emit calls every registered listener synchronously, in registration order.
// Listeners may register or remove listeners while being called; such
// changes take effect from the next Emit.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), len(l.entries))

	for i, e := range l.entries {
		snapshot[i] = e.fn
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
