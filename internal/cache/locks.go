package cache

import "sync"

// LockRegistry hands out one mutex per cache key, created lazily on first
// use and retained for the process lifetime. Cardinality is bounded by the
// number of distinct host/proxy pairs observed, which is accepted in place
// of eviction.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the exclusive section for key is held and returns
// the release function. At most one caller per key is inside the section
// process-wide.
func (r *LockRegistry) Acquire(key string) (release func()) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Len returns the number of keys with a registered lock.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
