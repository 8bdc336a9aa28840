package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/model"
)

// MemStore is an in-memory workflow Store for testing and single-instance
// deployments. Mutations and their audit events are applied under one lock,
// which is the in-memory equivalent of the pg store's transaction.
type MemStore struct {
	mu        sync.RWMutex
	requests  map[string]model.Request
	instances map[string]model.Instance
	locks     map[string]bool
	auditLog  *audit.MemStore
}

// NewMemStore creates a new in-memory workflow store.
func NewMemStore(auditLog *audit.MemStore) *MemStore {
	return &MemStore{
		requests:  make(map[string]model.Request),
		instances: make(map[string]model.Instance),
		locks:     make(map[string]bool),
		auditLog:  auditLog,
	}
}

// CreateRequest implements Store.
func (s *MemStore) CreateRequest(ctx context.Context, req model.Request, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	s.requests[req.ID] = req
	s.appendEvents(ctx, events)
	return nil
}

// GetRequest implements Store.
func (s *MemStore) GetRequest(_ context.Context, requestID string) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	return req, nil
}

// CreateInstance implements Store.
func (s *MemStore) CreateInstance(ctx context.Context, inst model.Instance, req model.Request, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	for _, other := range s.instances {
		if other.RequestID == inst.RequestID && !other.Terminal() {
			return model.NewConflictError(
				fmt.Sprintf("request %q already has active instance %q", inst.RequestID, other.ID),
			)
		}
	}

	stored, ok := s.requests[req.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("request %q not found", req.ID))
	}
	if stored.Version != req.Version {
		return model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d)", req.ID, req.Version),
		)
	}

	s.instances[inst.ID] = inst
	req.Version++
	req.UpdatedAt = time.Now().UTC()
	s.requests[req.ID] = req
	s.appendEvents(ctx, events)
	return nil
}

// GetInstance implements Store.
func (s *MemStore) GetInstance(_ context.Context, instanceID string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}
	return inst, nil
}

// UpdateInstance implements Store.
func (s *MemStore) UpdateInstance(ctx context.Context, inst model.Instance, req *model.Request, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
	}
	if current.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	// Both version checks run before either map is touched; a conflict must
	// leave the store exactly as it was, matching the pg transaction.
	var updatedReq *model.Request
	if req != nil {
		stored, ok := s.requests[req.ID]
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("request %q not found", req.ID))
		}
		if stored.Version != req.Version {
			return model.NewConflictError(
				fmt.Sprintf("request %q version conflict (expected %d)", req.ID, req.Version),
			)
		}
		updated := *req
		updated.Version++
		updatedReq = &updated
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	if updatedReq != nil {
		updatedReq.UpdatedAt = inst.UpdatedAt
		s.requests[updatedReq.ID] = *updatedReq
	}

	s.appendEvents(ctx, events)
	return nil
}

// FindByStatus implements Store.
func (s *MemStore) FindByStatus(_ context.Context, status string, limit int) ([]model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindStale implements Store.
func (s *MemStore) FindStale(_ context.Context, cutoff time.Time) ([]model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Instance
	for _, inst := range s.instances {
		if inst.Status == model.InstanceStatusRunning && inst.UpdatedAt.Before(cutoff) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// TryLock implements Store.
func (s *MemStore) TryLock(_ context.Context, instanceID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[instanceID] {
		return nil, model.NewAlreadyAdvancingError(instanceID)
	}
	s.locks[instanceID] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, instanceID)
		s.mu.Unlock()
	}, nil
}

func (s *MemStore) appendEvents(ctx context.Context, events []model.AuditEvent) {
	if s.auditLog == nil {
		return
	}
	_ = s.auditLog.AppendBatch(ctx, events)
}
