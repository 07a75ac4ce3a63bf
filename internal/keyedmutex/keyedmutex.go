// Package keyedmutex provides per-key mutual exclusion. The ledgers use it to
// make read-modify-write sequences on a single account atomic while leaving
// operations on distinct accounts free to run concurrently.
package keyedmutex

import "sync"

// Mutex hands out one lock per int64 key. Locks are created on first use and
// kept for the process lifetime; the key space (active user ids) is small
// enough that no eviction is needed.
type Mutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New constructs a keyed mutex.
func New() *Mutex {
	return &Mutex{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the lock for key, blocking until it is available.
func (m *Mutex) Lock(key int64) {
	m.lockFor(key).Lock()
}

// Unlock releases the lock for key. Unlocking a never-locked key panics, same
// as sync.Mutex.
func (m *Mutex) Unlock(key int64) {
	m.lockFor(key).Unlock()
}

func (m *Mutex) lockFor(key int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}

	return lock
}
