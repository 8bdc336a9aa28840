package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillgate/quillgate/model"
)

// MemStore is an in-memory audit Store for testing and single-instance
// deployments.
type MemStore struct {
	mu     sync.RWMutex
	events map[string][]model.AuditEvent // key: entity ID
}

// NewMemStore creates a new in-memory audit store.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string][]model.AuditEvent)}
}

// Append writes a new event, assigning the next sequence number.
func (s *MemStore) Append(_ context.Context, event model.AuditEvent) (model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(event), nil
}

// appendLocked assigns the sequence and stores the event. Callers hold the
// write lock; the workflow memstore uses this through AppendBatch so one
// lock acquisition covers a whole batch.
func (s *MemStore) appendLocked(event model.AuditEvent) model.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = int64(len(s.events[event.EntityID])) + 1
	s.events[event.EntityID] = append(s.events[event.EntityID], event)
	return event
}

// AppendBatch writes several events atomically under one lock acquisition.
func (s *MemStore) AppendBatch(_ context.Context, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.appendLocked(e)
	}
	return nil
}

// History returns all events for an entity ordered by sequence number.
func (s *MemStore) History(_ context.Context, entityID string) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[entityID]
	out := make([]model.AuditEvent, len(src))
	copy(out, src)
	return out, nil
}
