// Package ledger is the atomic accounting subsystem for the per-owner usage
// credit. Check-and-deduct holds a row-level lock with serializable
// semantics: two concurrent debits against a balance of 1 never both
// succeed. Deduct, refund, and grant are all idempotent per reference, which
// is what lets workflow steps re-run safely after a crash.
package ledger

import (
	"context"
	"time"

	"github.com/quillgate/quillgate/model"
)

// Reference prefixes. A refund references the deduction it reverses; a grant
// references the billing provider's event id.
const (
	RefundPrefix = "refund:"
	GrantPrefix  = "grant:"
)

// Reasons reported in DeductResult.
const (
	ReasonUnlimited           = "unlimited"
	ReasonTrial               = "trial"
	ReasonInsufficientBalance = "insufficient-balance"
	ReasonAlreadyApplied      = "already-applied"
)

// Ledger exposes the balance accounting primitives. Implementations must
// make each call a single atomic round-trip; the ledger itself never
// retries, callers do.
type Ledger interface {
	// CheckAndDeduct atomically checks eligibility and applies the debit.
	// Granted=false with reason insufficient-balance is a defined business
	// refusal, not an error. A repeated call with the same reference replays
	// the earlier outcome without deducting again.
	CheckAndDeduct(ctx context.Context, ownerID string, amount int64, reference, actorID string) (model.DeductResult, error)

	// Refund restores the amount actually deducted under reference. It is
	// idempotent: the second call with the same reference applies nothing.
	// Returns whether a balance change was applied.
	Refund(ctx context.Context, ownerID, reference, actorID string) (bool, error)

	// Grant adds units to an owner's balance, creating the account if
	// needed. Idempotent per billing event id. Returns whether the grant was
	// applied (false when the event id was seen before).
	Grant(ctx context.Context, ownerID string, amount int64, eventID, actorID string) (bool, error)

	// Get returns the account for an owner.
	Get(ctx context.Context, ownerID string) (model.LedgerAccount, error)

	// CreateAccount creates a new account. Conflict if it already exists.
	CreateAccount(ctx context.Context, acct model.LedgerAccount) error
}

// EligibilityPolicy decides whether a deduction may proceed when the balance
// alone does not cover it and the account is not unlimited. It is evaluated
// inside the account row lock, against plain values only.
type EligibilityPolicy interface {
	Eligible(acct model.LedgerAccount, amount int64, now time.Time) (bool, string)
}

// TrialPolicy grants time-boxed trial allowance: deductions pass without
// touching the balance while the account's trial window is open.
type TrialPolicy struct{}

// Eligible implements EligibilityPolicy.
func (TrialPolicy) Eligible(acct model.LedgerAccount, _ int64, now time.Time) (bool, string) {
	if acct.TrialUntil != nil && now.Before(*acct.TrialUntil) {
		return true, ReasonTrial
	}
	return false, ReasonInsufficientBalance
}

// DenyPolicy refuses all out-of-balance deductions.
type DenyPolicy struct{}

// Eligible implements EligibilityPolicy.
func (DenyPolicy) Eligible(model.LedgerAccount, int64, time.Time) (bool, string) {
	return false, ReasonInsufficientBalance
}
