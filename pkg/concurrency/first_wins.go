package concurrency

import (
	"sync"
)

// FirstWins is a one-shot cell that records the first value offered to it.
// Multiple goroutines can race to offer a value, but only one of them will
// succeed; all later offers are rejected and their values discarded.
type FirstWins[T any] struct {
	lock  *sync.Mutex
	taken bool
	value T
}

func NewFirstWins[T any]() *FirstWins[T] {
	return &FirstWins[T]{
		lock: &sync.Mutex{},
	}
}

// Offer atomically tries to record v as the winning value.
// Returns true if this offer won, otherwise false (a value was already recorded).
func (fw *FirstWins[T]) Offer(v T) bool {
	fw.lock.Lock()
	defer fw.lock.Unlock()

	if fw.taken {
		return false
	}

	fw.taken = true
	fw.value = v
	return true
}

// Value returns the winning value, if one has been recorded.
func (fw *FirstWins[T]) Value() (T, bool) {
	fw.lock.Lock()
	defer fw.lock.Unlock()

	return fw.value, fw.taken
}

// Taken returns true if a winning value has been recorded.
func (fw *FirstWins[T]) Taken() bool {
	fw.lock.Lock()
	defer fw.lock.Unlock()

	return fw.taken
}
