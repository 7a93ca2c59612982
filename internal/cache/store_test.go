package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"turnstile-solver-go/internal/model"
)

func TestStore_GetFresh(t *testing.T) {
	s := NewStore(5 * time.Minute)

	if _, ok := s.Get("missing"); ok {
		t.Fatal("Get on empty store returned an entry")
	}

	headers := model.HeaderSet{"cookie": "a=1"}
	s.Put("k", headers)

	e, ok := s.Get("k")
	if !ok {
		t.Fatal("fresh entry not returned")
	}
	if e.Headers["cookie"] != "a=1" {
		t.Errorf("Headers = %v, want cookie a=1", e.Headers)
	}
}

func TestStore_Expiry(t *testing.T) {
	s := NewStore(5 * time.Minute)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.Put("k", model.HeaderSet{"cookie": "a=1"})

	// Just inside the TTL.
	s.now = func() time.Time { return now.Add(5*time.Minute - time.Second) }
	if _, ok := s.Get("k"); !ok {
		t.Error("entry expired before its TTL elapsed")
	}

	// At the TTL boundary the entry is stale.
	s.now = func() time.Time { return now.Add(5 * time.Minute) }
	if _, ok := s.Get("k"); ok {
		t.Error("stale entry returned after TTL elapsed")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put("k", model.HeaderSet{"cookie": "old"})
	s.Put("k", model.HeaderSet{"cookie": "new"})

	e, ok := s.Get("k")
	if !ok {
		t.Fatal("entry missing after overwrite")
	}
	if e.Headers["cookie"] != "new" {
		t.Errorf("cookie = %q, want %q", e.Headers["cookie"], "new")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

// Refreshing a key replaces the entry wholesale; a snapshot read before the
// refresh must stay intact.
func TestStore_EntriesImmutable(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put("k", model.HeaderSet{"cookie": "old"})

	before, _ := s.Get("k")
	s.Put("k", model.HeaderSet{"cookie": "new"})

	if before.Headers["cookie"] != "old" {
		t.Error("previously read entry changed after refresh")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore(time.Minute)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for range 100 {
				s.Put(key, model.HeaderSet{"cookie": "v"})
				if e, ok := s.Get(key); ok && e.Headers["cookie"] != "v" {
					t.Error("read tore a concurrent write")
					return
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 4 {
		t.Errorf("Len() = %d, want 4", s.Len())
	}
}
