// Package cache provides the TTL header-set store and the per-key lock
// registry giving solves single-flight semantics. Both are process-lifetime,
// explicitly constructed instances so tests can isolate them.
package cache

import (
	"sync"
	"time"

	"turnstile-solver-go/internal/model"
)

// Entry is an immutable cached header-set snapshot. Entries are replaced
// wholesale on refresh, never mutated in place, which makes unlocked reads
// of a returned entry safe.
type Entry struct {
	Headers   model.HeaderSet
	CreatedAt time.Time
}

// Store is a TTL-indexed map from cache key to header-set snapshot.
// Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*Entry

	now func() time.Time // injected in tests
}

// NewStore creates a Store whose entries stay fresh for ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Get returns the entry for key if it exists and is still fresh.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.now().Sub(e.CreatedAt) >= s.ttl {
		return nil, false
	}
	return e, true
}

// Put stores headers under key with the current timestamp, unconditionally
// overwriting any prior entry.
func (s *Store) Put(key string, headers model.HeaderSet) {
	e := &Entry{Headers: headers, CreatedAt: s.now()}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Len returns the number of stored entries, fresh or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
