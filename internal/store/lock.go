package store

import (
	"context"
	"sync"
)

// lockTable serializes turns at conversation granularity. Each entry is
// a channel-based mutex so acquisition can respect context
// cancellation; refcounting evicts entries once nobody waits on them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // holds one token when free
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) entry(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) put(id string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}

// acquire blocks until the conversation lock is available or ctx ends.
func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	e := t.entry(id)

	select {
	case <-e.ch:
		return t.releaseFunc(id, e), nil
	case <-ctx.Done():
		t.put(id, e)
		return nil, ctx.Err()
	}
}

// tryAcquire takes the lock without blocking.
func (t *lockTable) tryAcquire(id string) (func(), error) {
	e := t.entry(id)

	select {
	case <-e.ch:
		return t.releaseFunc(id, e), nil
	default:
		t.put(id, e)
		return nil, ErrTurnInFlight
	}
}

// releaseFunc returns an idempotent release for a held lock.
func (t *lockTable) releaseFunc(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.ch <- struct{}{}
			t.put(id, e)
		})
	}
}
