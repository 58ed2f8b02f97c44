// internal/pkg/ratelimit/memory_store.go
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local table of entries. Each key has its own
// mutex so unrelated clients never wait on each other.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu      sync.Mutex
	entry   Entry
	exists  bool
	removed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, p Policy) (Entry, error) {
	for {
		b := s.bucket(key)

		b.mu.Lock()
		if b.removed {
			// Swept between lookup and lock; fetch the replacement.
			b.mu.Unlock()
			continue
		}
		b.entry = p.apply(b.entry, b.exists, now)
		b.exists = true
		e := b.entry
		b.mu.Unlock()
		return e, nil
	}
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, p Policy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		b.mu.Lock()
		if b.exists && p.expired(b.entry, now) {
			b.removed = true
			delete(s.buckets, k)
			removed++
		}
		b.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}
