package engine

import (
	"sync"

	"signal-gate/internal/storage"
)

// keyLocks serializes evaluations per throttle key inside one process.
// Cross-process serialization rides on the cycle-level advisory lock plus
// the compare-and-swap force consumption in storage.
type keyLocks struct {
	mu    sync.Mutex
	locks map[storage.ThrottleKey]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[storage.ThrottleKey]*sync.Mutex)}
}

func (k *keyLocks) acquire(key storage.ThrottleKey) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
