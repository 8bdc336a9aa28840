package step

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillgate/quillgate/model"
)

// MemAttemptStore is an in-memory AttemptStore for testing and
// single-instance deployments.
type MemAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]model.StepAttempt // key: instance ID
	byID     map[string]*model.StepAttempt
}

// NewMemAttemptStore creates a new in-memory attempt store.
func NewMemAttemptStore() *MemAttemptStore {
	return &MemAttemptStore{
		attempts: make(map[string][]model.StepAttempt),
		byID:     make(map[string]*model.StepAttempt),
	}
}

// Begin implements AttemptStore.
func (s *MemAttemptStore) Begin(_ context.Context, instanceID, stepName string) (model.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.attempts[instanceID] {
		if a.StepName == stepName && a.Attempt > n {
			n = a.Attempt
		}
	}

	attempt := model.StepAttempt{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		StepName:   stepName,
		Attempt:    n + 1,
		StartedAt:  time.Now().UTC(),
	}
	s.attempts[instanceID] = append(s.attempts[instanceID], attempt)
	stored := &s.attempts[instanceID][len(s.attempts[instanceID])-1]
	s.byID[attempt.ID] = stored
	return attempt, nil
}

// Finish implements AttemptStore.
func (s *MemAttemptStore) Finish(_ context.Context, attemptID, outcome, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[attemptID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("attempt %q not found", attemptID))
	}
	if a.Outcome != "" {
		return model.NewConflictError(fmt.Sprintf("attempt %q already finalized", attemptID))
	}
	now := time.Now().UTC()
	a.Outcome = outcome
	a.ErrorDetail = errDetail
	a.EndedAt = &now
	return nil
}

// Open implements AttemptStore.
func (s *MemAttemptStore) Open(_ context.Context, instanceID string) ([]model.StepAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []model.StepAttempt
	for _, a := range s.attempts[instanceID] {
		if a.Outcome == "" {
			open = append(open, a)
		}
	}
	return open, nil
}

// Succeeded implements AttemptStore.
func (s *MemAttemptStore) Succeeded(_ context.Context, instanceID, stepName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts[instanceID] {
		if a.StepName == stepName && a.Outcome == model.AttemptOutcomeSuccess {
			return true, nil
		}
	}
	return false, nil
}

// History implements AttemptStore.
func (s *MemAttemptStore) History(_ context.Context, instanceID string) ([]model.StepAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.attempts[instanceID]
	out := make([]model.StepAttempt, len(src))
	copy(out, src)
	return out, nil
}
