package store

import (
	"sync"

	"github.com/syncwell/recordsync/internal/merge"
)

// keyedMutex serializes work per record while letting different records
// proceed in parallel. Merges for the same (scope, id) never interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*entry{}}
}

// lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// conflictHooks fans one resolved conflict out to every registered observer.
type conflictHooks struct {
	mu    sync.RWMutex
	hooks []func(merge.Conflict)
}

func (h *conflictHooks) add(hook func(merge.Conflict)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *conflictHooks) fire(c merge.Conflict) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(c)
	}
}
