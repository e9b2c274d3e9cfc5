// Package guard provides per-key serialization for commands that
// read-then-write shared state: one user's open-position set, or one
// position's lifecycle.
package guard

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key while letting different keys run in
// parallel. Entries are reference counted and removed once idle, so the
// map stays bounded by the number of keys currently in use.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx ends first.
// The returned func releases it and must be called exactly once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() { k.release(key, s, true) }, nil
	case <-ctx.Done():
		k.release(key, s, false)
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (k *KeyedMutex) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := k.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func (k *KeyedMutex) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
