package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state     string
	outcome   *Outcome
	expiresAt time.Time
}

// MemoryStore is a process-local store for tests and single-instance
// deployments. Expired entries are reclaimed lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if ok && now.After(entry.expiresAt) {
		delete(s.entries, key)
		ok = false
	}
	if ok {
		if entry.state == StateCompleted {
			return &Reservation{Key: key, State: StateCompleted, Outcome: entry.outcome}, nil
		}
		return &Reservation{Key: key, State: StateInFlight}, nil
	}

	s.entries[key] = &memoryEntry{state: StateInFlight, expiresAt: now.Add(ttl)}
	return &Reservation{Key: key, State: StateReserved}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, outcome *Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memoryEntry{
		state:     StateCompleted,
		outcome:   outcome,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.state != StateCompleted {
		delete(s.entries, key)
	}
	return nil
}
