package resume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillgate/quillgate/model"
)

// MemTokenStore is an in-memory TokenStore for testing and single-instance
// deployments.
type MemTokenStore struct {
	mu     sync.Mutex
	tokens map[string]model.ResumeToken
}

// NewMemTokenStore creates a new in-memory token store.
func NewMemTokenStore() *MemTokenStore {
	return &MemTokenStore{tokens: make(map[string]model.ResumeToken)}
}

// Issue implements TokenStore.
func (s *MemTokenStore) Issue(_ context.Context, token model.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Token]; exists {
		return model.NewConflictError(fmt.Sprintf("resume token %q already exists", token.Token))
	}
	s.tokens[token.Token] = token
	return nil
}

// Get implements TokenStore.
func (s *MemTokenStore) Get(_ context.Context, token string) (model.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tokens[token]
	if !exists {
		return model.ResumeToken{}, model.NewNotFoundError("resume token not found")
	}
	return t, nil
}

// Claim implements TokenStore. The whole check-and-set happens under one
// lock, matching the pg store's single conditional UPDATE.
func (s *MemTokenStore) Claim(_ context.Context, token, by string, at time.Time) (model.ResumeToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tokens[token]
	if !exists {
		return model.ResumeToken{}, false, model.NewNotFoundError("resume token not found")
	}
	if t.Consumed() {
		return t, false, nil
	}

	t.ConsumedAt = &at
	t.ConsumedBy = by
	s.tokens[token] = t
	return t, true, nil
}

// Release implements TokenStore.
func (s *MemTokenStore) Release(_ context.Context, token, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tokens[token]
	if !exists {
		return model.NewNotFoundError("resume token not found")
	}
	if !t.Consumed() || t.ConsumedBy != by {
		return model.NewConflictError(fmt.Sprintf("resume token %q is not held by %q", token, by))
	}

	t.ConsumedAt = nil
	t.ConsumedBy = ""
	s.tokens[token] = t
	return nil
}

// Unconsumed implements TokenStore.
func (s *MemTokenStore) Unconsumed(_ context.Context, instanceID, waitPoint string) (model.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.InstanceID == instanceID && t.WaitPoint == waitPoint && !t.Consumed() {
			return t, nil
		}
	}
	return model.ResumeToken{}, model.NewNotFoundError(
		fmt.Sprintf("no open resume token for instance %q at %q", instanceID, waitPoint),
	)
}
