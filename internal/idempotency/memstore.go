package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillgate/quillgate/model"
)

// MemStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemStore creates a new in-memory idempotency store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached response. Returns a conflict error if the input
// hash differs.
func (s *MemStore) Check(_ context.Context, key string, inputHash string) (*StoredResponse, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Store saves a response with TTL.
func (s *MemStore) Store(_ context.Context, key string, inputHash string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: entry{
			InputHash: inputHash,
			Response:  resp,
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// HealthCheck implements Store.
func (s *MemStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
