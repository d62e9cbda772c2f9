// Package keylock provides mutual exclusion keyed by string, so operations
// on the same path are serialized while distinct paths proceed in parallel.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Key returns the lock key of path p on resource.
func Key(resource, p string) string {
	return resource + "\x00" + p
}

// Locker is a set of named locks. The zero value is not usable; use New.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is held by the caller or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held panics.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		panic("keylock: unlock of unlocked key " + key)
	}
	<-e.ch
	l.release(key, e)
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// LockAll locks every distinct key in sorted order and returns a function
// releasing them all. On error nothing is held.
func (l *Locker) LockAll(ctx context.Context, keys ...string) (func(), error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	held := make([]string, 0, len(uniq))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.Unlock(held[i])
		}
	}
	for _, k := range uniq {
		if err := l.Lock(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
