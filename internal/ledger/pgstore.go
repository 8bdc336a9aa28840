package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/model"
)

// PgStore is a PostgreSQL-backed Ledger using pgx/v5. Every mutating call
// runs in a serializable transaction that locks the account row, evaluates
// eligibility, applies the mutation, and writes the audit row in the same
// transaction.
type PgStore struct {
	pool   *pgxpool.Pool
	policy EligibilityPolicy
}

// NewPgStore creates a new PostgreSQL ledger.
func NewPgStore(pool *pgxpool.Pool, policy EligibilityPolicy) *PgStore {
	if policy == nil {
		policy = DenyPolicy{}
	}
	return &PgStore{pool: pool, policy: policy}
}

// CheckAndDeduct implements Ledger.
func (s *PgStore) CheckAndDeduct(ctx context.Context, ownerID string, amount int64, reference, actorID string) (model.DeductResult, error) {
	if amount <= 0 {
		return model.DeductResult{}, model.NewBadRequestError("deduct amount must be positive")
	}

	var result model.DeductResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		// Replay: this reference was already applied.
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE owner_id = $1 AND reference = $2)`,
			ownerID, reference,
		).Scan(&seen); err != nil {
			return fmt.Errorf("ledger: check reference: %w", err)
		}
		if seen {
			result = model.DeductResult{
				Granted:   true,
				Remaining: acct.Balance,
				Unlimited: acct.Unlimited,
				Reason:    ReasonAlreadyApplied,
			}
			return nil
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
				result = model.DeductResult{Granted: false, Remaining: acct.Balance, Reason: r}
				return nil
			}
			reason = r
		}

		newBalance := acct.Balance - deducted
		if err := applyEntry(ctx, tx, ownerID, model.EntryKindDeduct, deducted, reference, newBalance, now); err != nil {
			return err
		}
		if _, err := audit.AppendTx(ctx, tx, model.AuditEvent{
			EntityID: ownerID,
			Action:   model.AuditLedgerDeduct,
			ActorID:  actorID,
			Metadata: auditMeta(deducted, reference, newBalance, reason),
		}); err != nil {
			return err
		}

		result = model.DeductResult{
			Granted:   true,
			Remaining: newBalance,
			Unlimited: acct.Unlimited,
			Reason:    reason,
		}
		return nil
	})
	if err != nil {
		return model.DeductResult{}, err
	}
	return result, nil
}

// Refund implements Ledger.
func (s *PgStore) Refund(ctx context.Context, ownerID, reference, actorID string) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		var deducted int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM ledger_entries WHERE owner_id = $1 AND reference = $2 AND kind = $3`,
			ownerID, reference, model.EntryKindDeduct,
		).Scan(&deducted)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // No deduction under this reference.
		}
		if err != nil {
			return fmt.Errorf("ledger: lookup deduction: %w", err)
		}

		refundRef := RefundPrefix + reference
		var done bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE owner_id = $1 AND reference = $2)`,
			ownerID, refundRef,
		).Scan(&done); err != nil {
			return fmt.Errorf("ledger: check refund: %w", err)
		}
		if done {
			return nil // Already refunded.
		}

		now := time.Now().UTC()
		newBalance := acct.Balance + deducted
		if err := applyEntry(ctx, tx, ownerID, model.EntryKindRefund, deducted, refundRef, newBalance, now); err != nil {
			return err
		}
		if _, err := audit.AppendTx(ctx, tx, model.AuditEvent{
			EntityID: ownerID,
			Action:   model.AuditLedgerRefund,
			ActorID:  actorID,
			Metadata: auditMeta(deducted, reference, newBalance, ""),
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Grant implements Ledger.
func (s *PgStore) Grant(ctx context.Context, ownerID string, amount int64, eventID, actorID string) (bool, error) {
	if amount <= 0 {
		return false, model.NewBadRequestError("grant amount must be positive")
	}

	var applied bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Create the account row if the billing provider is ahead of us.
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_accounts (owner_id, balance, unlimited, updated_at)
			VALUES ($1, 0, false, $2)
			ON CONFLICT (owner_id) DO NOTHING`,
			ownerID, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("ledger: ensure account: %w", err)
		}

		acct, err := lockAccount(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		grantRef := GrantPrefix + eventID
		var done bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE owner_id = $1 AND reference = $2)`,
			ownerID, grantRef,
		).Scan(&done); err != nil {
			return fmt.Errorf("ledger: check grant: %w", err)
		}
		if done {
			return nil
		}

		now := time.Now().UTC()
		newBalance := acct.Balance + amount
		if err := applyEntry(ctx, tx, ownerID, model.EntryKindGrant, amount, grantRef, newBalance, now); err != nil {
			return err
		}
		if _, err := audit.AppendTx(ctx, tx, model.AuditEvent{
			EntityID: ownerID,
			Action:   model.AuditLedgerGrant,
			ActorID:  actorID,
			Metadata: map[string]any{"amount": amount, "event_id": eventID, "balance": newBalance},
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Get implements Ledger.
func (s *PgStore) Get(ctx context.Context, ownerID string) (model.LedgerAccount, error) {
	var acct model.LedgerAccount
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, balance, unlimited, trial_until, updated_at
		FROM ledger_accounts WHERE owner_id = $1`,
		ownerID,
	).Scan(&acct.OwnerID, &acct.Balance, &acct.Unlimited, &acct.TrialUntil, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerAccount{}, model.NewAccountNotFoundError(ownerID)
	}
	if err != nil {
		return model.LedgerAccount{}, fmt.Errorf("ledger: query account: %w", err)
	}
	return acct, nil
}

// CreateAccount implements Ledger.
func (s *PgStore) CreateAccount(ctx context.Context, acct model.LedgerAccount) error {
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_accounts (owner_id, balance, unlimited, trial_until, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		acct.OwnerID, acct.Balance, acct.Unlimited, acct.TrialUntil, acct.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("account %q already exists", acct.OwnerID))
	}
	if err != nil {
		return fmt.Errorf("ledger: insert account: %w", err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a serializable transaction, committing on nil.
func (s *PgStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockAccount reads the account row FOR UPDATE.
func lockAccount(ctx context.Context, tx pgx.Tx, ownerID string) (model.LedgerAccount, error) {
	var acct model.LedgerAccount
	err := tx.QueryRow(ctx, `
		SELECT owner_id, balance, unlimited, trial_until, updated_at
		FROM ledger_accounts WHERE owner_id = $1
		FOR UPDATE`,
		ownerID,
	).Scan(&acct.OwnerID, &acct.Balance, &acct.Unlimited, &acct.TrialUntil, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerAccount{}, model.NewAccountNotFoundError(ownerID)
	}
	if err != nil {
		return model.LedgerAccount{}, fmt.Errorf("ledger: lock account: %w", err)
	}
	return acct, nil
}

// applyEntry inserts the ledger entry and updates the account balance.
func applyEntry(ctx context.Context, tx pgx.Tx, ownerID, kind string, amount int64, reference string, newBalance int64, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, owner_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), ownerID, kind, amount, reference, now,
	); err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_accounts SET balance = $1, updated_at = $2 WHERE owner_id = $3`,
		newBalance, now, ownerID,
	); err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	return nil
}

func auditMeta(amount int64, reference string, balance int64, reason string) map[string]any {
	meta := map[string]any{
		"amount":    amount,
		"reference": reference,
		"balance":   balance,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	return meta
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
