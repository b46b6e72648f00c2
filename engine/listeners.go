package engine

import (
	"maps"
	"slices"

	"github.com/kabili207/wallpad-go/internal/syncutil"
)

// listeners is a set of callbacks that can be removed individually.
type listeners[T any] struct {
	mu   syncutil.RWMutex
	next int
	fns  map[int]func(T)
}

// add registers fn and returns a func that removes it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// emit calls every registered callback in registration order, without
// holding the lock.
func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	ids := slices.Sorted(maps.Keys(l.fns))
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
