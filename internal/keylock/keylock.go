// Package keylock serializes work per key, such as all mutations of one order.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out one slot per key.
// Entries are dropped once no goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Acquire reserves the slot for key.
// If the slot is taken, it blocks until it is released
// or the context is canceled.
// It returns ctx.Err() if acquisition is aborted due to cancellation.
func (l *Locker) Acquire(ctx context.Context, key string) error {
	s := l.ref(key)

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key)
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (l *Locker) Release(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		panic("keylock: release of unlocked key " + key)
	}
	<-s.sem
	l.unref(key)
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
