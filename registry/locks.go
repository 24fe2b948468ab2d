package registry

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyedMutex serializes work per identity. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[common.Address]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[common.Address]*lockEntry)}
}

// Lock blocks until the identity's lock is held and returns its release.
func (k *keyedMutex) Lock(id common.Address) func() {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
