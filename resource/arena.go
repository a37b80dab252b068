package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("resource arena closed")
	ErrFull   = errors.New("resource arena full")
)

// Arena stores values behind generation-checked handles. A removed slot is
// reused with a bumped generation, so a stale handle fails lookup instead of
// aliasing the new occupant. A slot whose generation is exhausted is retired
// rather than wrapped. Arena is safe for concurrent use.
type Arena[T any] struct {
	entries  []slot[T]
	freeList []int
	mu       sync.RWMutex
	live     int
	closed   bool
}

type slot[T any] struct {
	value T
	gen   uint16
	valid bool
}

// NewArena creates an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{
		entries:  make([]slot[T], 0, 16),
		freeList: make([]int, 0, 4),
	}
}

// Insert stores a value and returns its handle.
func (a *Arena[T]) Insert(value T) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	if n := len(a.freeList); n > 0 {
		idx := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		e := &a.entries[idx]
		e.value = value
		e.valid = true
		a.live++
		return makeHandle(idx, e.gen), nil
	}

	if len(a.entries) >= maxSlots {
		return 0, ErrFull
	}
	a.entries = append(a.entries, slot[T]{value: value, valid: true})
	a.live++
	return makeHandle(len(a.entries)-1, 0), nil
}

// Get retrieves a value by handle.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Remove drops a value and returns it. Dropper values are not dropped here;
// the caller owns the returned value.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	e, ok := a.lookup(h)
	if !ok {
		return zero, false
	}

	value := e.value
	e.value = zero
	e.valid = false
	a.live--
	if e.gen == maxGeneration {
		return value, true
	}
	e.gen++
	a.freeList = append(a.freeList, h.slot())
	return value, true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Each iterates over live values in slot order until fn returns false.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.entries {
		e := &a.entries[i]
		if !e.valid {
			continue
		}
		if !fn(makeHandle(i, e.gen), e.value) {
			return
		}
	}
}

// Close drops every live value and rejects further inserts.
// Values implementing Dropper are dropped in slot order.
func (a *Arena[T]) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	entries := a.entries
	a.entries = nil
	a.freeList = nil
	a.live = 0
	a.mu.Unlock()

	for i := range entries {
		if !entries[i].valid {
			continue
		}
		if d, ok := any(entries[i].value).(Dropper); ok {
			d.Drop()
		}
	}
	return nil
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], bool) {
	idx := h.slot()
	if idx < 0 || idx >= len(a.entries) {
		return nil, false
	}
	e := &a.entries[idx]
	if !e.valid || e.gen != h.gen() {
		return nil, false
	}
	return e, true
}
