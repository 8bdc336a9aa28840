package model

import "time"

// Ledger entry kinds. Every balance mutation leaves an entry; refunds and
// grants are idempotent per reference.
const (
	EntryKindDeduct = "deduct"
	EntryKindRefund = "refund"
	EntryKindGrant  = "grant"
)

// LedgerAccount is the per-owner balance of the scarce resource. Balance
// never goes negative; the unlimited flag bypasses balance checks entirely.
type LedgerAccount struct {
	OwnerID    string     `json:"owner_id"`
	Balance    int64      `json:"balance"`
	Unlimited  bool       `json:"unlimited"`
	TrialUntil *time.Time `json:"trial_until,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LedgerEntry is one applied balance mutation. (OwnerID, Reference) is
// unique, which is what makes Refund and Grant idempotent.
type LedgerEntry struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// DeductResult is the outcome of a CheckAndDeduct call. Granted=false with
// an empty error means a defined business refusal, not a fault.
type DeductResult struct {
	Granted   bool   `json:"granted"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	Reason    string `json:"reason,omitempty"`
}
