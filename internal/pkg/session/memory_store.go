// internal/pkg/session/memory_store.go
package session

import (
	"context"
	"sync"
	"time"

	xerrors "marketplace-auth/internal/pkg/errors"
)

// MemoryStore keeps records in process. Read-modify-write cycles are
// serialized per session id.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	locks   *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		locks:   newKeyedMutex(),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.SessionID]; exists {
		return xerrors.ErrSessionExists
	}
	s.records[rec.SessionID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, xerrors.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) (*Record, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.SessionID = sessionID

	s.mu.Lock()
	defer s.mu.Unlock()
	// A delete may have landed between the read and this write.
	if _, ok := s.records[sessionID]; !ok {
		return nil, xerrors.ErrSessionNotFound
	}
	s.records[sessionID] = current.Clone()
	return current, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *MemoryStore) DeleteCreatedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
