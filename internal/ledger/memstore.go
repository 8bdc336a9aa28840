package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/model"
)

// MemStore is an in-memory Ledger for testing and single-instance
// deployments. One mutex serializes every mutation, which gives the same
// observable semantics as the serializable pg transaction.
type MemStore struct {
	mu       sync.Mutex
	accounts map[string]model.LedgerAccount
	entries  map[string]model.LedgerEntry // key: ownerID + "\x00" + reference
	policy   EligibilityPolicy
	auditLog audit.Store
}

// NewMemStore creates a new in-memory ledger.
func NewMemStore(policy EligibilityPolicy, auditLog audit.Store) *MemStore {
	if policy == nil {
		policy = DenyPolicy{}
	}
	return &MemStore{
		accounts: make(map[string]model.LedgerAccount),
		entries:  make(map[string]model.LedgerEntry),
		policy:   policy,
		auditLog: auditLog,
	}
}

func entryKey(ownerID, reference string) string {
	return ownerID + "\x00" + reference
}

// CheckAndDeduct implements Ledger.
func (s *MemStore) CheckAndDeduct(ctx context.Context, ownerID string, amount int64, reference, actorID string) (model.DeductResult, error) {
	if amount <= 0 {
		return model.DeductResult{}, model.NewBadRequestError("deduct amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[ownerID]
	if !ok {
		return model.DeductResult{}, model.NewAccountNotFoundError(ownerID)
	}

	// Replay: the reference has already been applied. The original
	// deduction recorded the balance change, so no new audit row.
	if _, seen := s.entries[entryKey(ownerID, reference)]; seen {
		return model.DeductResult{
			Granted:   true,
			Remaining: acct.Balance,
			Unlimited: acct.Unlimited,
			Reason:    ReasonAlreadyApplied,
		}, nil
	}

	now := time.Now().UTC()
	var deducted int64
	var reason string
	switch {
	case acct.Unlimited:
		reason = ReasonUnlimited
	case acct.Balance >= amount:
		deducted = amount
	default:
		eligible, r := s.policy.Eligible(acct, amount, now)
		if !eligible {
			return model.DeductResult{
				Granted:   false,
				Remaining: acct.Balance,
				Reason:    r,
			}, nil
		}
		reason = r
	}

	acct.Balance -= deducted
	acct.UpdatedAt = now
	s.accounts[ownerID] = acct
	s.entries[entryKey(ownerID, reference)] = model.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      model.EntryKindDeduct,
		Amount:    deducted,
		Reference: reference,
		CreatedAt: now,
	}

	s.appendAudit(ctx, model.AuditEvent{
		EntityID: ownerID,
		Action:   model.AuditLedgerDeduct,
		ActorID:  actorID,
		Metadata: map[string]any{
			"amount":    deducted,
			"reference": reference,
			"balance":   acct.Balance,
			"reason":    reason,
		},
	})

	return model.DeductResult{
		Granted:   true,
		Remaining: acct.Balance,
		Unlimited: acct.Unlimited,
		Reason:    reason,
	}, nil
}

// Refund implements Ledger.
func (s *MemStore) Refund(ctx context.Context, ownerID, reference, actorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[ownerID]
	if !ok {
		return false, model.NewAccountNotFoundError(ownerID)
	}

	deduct, seen := s.entries[entryKey(ownerID, reference)]
	if !seen {
		return false, nil // Nothing was deducted under this reference.
	}
	refundRef := RefundPrefix + reference
	if _, done := s.entries[entryKey(ownerID, refundRef)]; done {
		return false, nil // Already refunded.
	}

	now := time.Now().UTC()
	acct.Balance += deduct.Amount
	acct.UpdatedAt = now
	s.accounts[ownerID] = acct
	s.entries[entryKey(ownerID, refundRef)] = model.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      model.EntryKindRefund,
		Amount:    deduct.Amount,
		Reference: refundRef,
		CreatedAt: now,
	}

	s.appendAudit(ctx, model.AuditEvent{
		EntityID: ownerID,
		Action:   model.AuditLedgerRefund,
		ActorID:  actorID,
		Metadata: map[string]any{
			"amount":    deduct.Amount,
			"reference": reference,
			"balance":   acct.Balance,
		},
	})
	return true, nil
}

// Grant implements Ledger.
func (s *MemStore) Grant(ctx context.Context, ownerID string, amount int64, eventID, actorID string) (bool, error) {
	if amount <= 0 {
		return false, model.NewBadRequestError("grant amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grantRef := GrantPrefix + eventID
	if _, done := s.entries[entryKey(ownerID, grantRef)]; done {
		return false, nil
	}

	now := time.Now().UTC()
	acct, ok := s.accounts[ownerID]
	if !ok {
		acct = model.LedgerAccount{OwnerID: ownerID}
	}
	acct.Balance += amount
	acct.UpdatedAt = now
	s.accounts[ownerID] = acct
	s.entries[entryKey(ownerID, grantRef)] = model.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      model.EntryKindGrant,
		Amount:    amount,
		Reference: grantRef,
		CreatedAt: now,
	}

	s.appendAudit(ctx, model.AuditEvent{
		EntityID: ownerID,
		Action:   model.AuditLedgerGrant,
		ActorID:  actorID,
		Metadata: map[string]any{
			"amount":   amount,
			"event_id": eventID,
			"balance":  acct.Balance,
		},
	})
	return true, nil
}

// Get implements Ledger.
func (s *MemStore) Get(_ context.Context, ownerID string) (model.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[ownerID]
	if !ok {
		return model.LedgerAccount{}, model.NewAccountNotFoundError(ownerID)
	}
	return acct, nil
}

// CreateAccount implements Ledger.
func (s *MemStore) CreateAccount(_ context.Context, acct model.LedgerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.OwnerID]; exists {
		return model.NewConflictError(fmt.Sprintf("account %q already exists", acct.OwnerID))
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = time.Now().UTC()
	}
	s.accounts[acct.OwnerID] = acct
	return nil
}

func (s *MemStore) appendAudit(ctx context.Context, event model.AuditEvent) {
	if s.auditLog == nil {
		return
	}
	_, _ = s.auditLog.Append(ctx, event)
}
