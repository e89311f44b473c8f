package sync_

import "sync"

type Mutexer[T any] interface {
	// Locked runs a function with the lock acquired.
	Locked(f func(T) error) error
	// Get returns a copy of the inner value.
	Get() T
	// Set overwrites the inner value.
	Set(value T)
	// Swap overwrites the inner value, returning the previous inner value.
	Swap(value T) T
}

// Mutexed guards a value that is shared between goroutines, e.g. state updated from browser event callbacks.
type Mutexed[T any] struct {
	mu    sync.Mutex
	value T
}

func NewMutexed[T any](value T) *Mutexed[T] {
	m := &Mutexed[T]{value: value}
	return m
}

func (m *Mutexed[T]) Locked(f func(T) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m.value)
}

func (m *Mutexed[T]) Get() T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *Mutexed[T]) Set(value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
}

func (m *Mutexed[T]) Swap(value T) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.value
	m.value = value
	return old
}
