package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/model"
)

func newTestLedger(t *testing.T, balance int64, unlimited bool) (*MemStore, *audit.MemStore) {
	t.Helper()
	auditLog := audit.NewMemStore()
	store := NewMemStore(TrialPolicy{}, auditLog)
	err := store.CreateAccount(context.Background(), model.LedgerAccount{
		OwnerID:   "owner-1",
		Balance:   balance,
		Unlimited: unlimited,
	})
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	return store, auditLog
}

func TestCheckAndDeduct_success(t *testing.T) {
	store, auditLog := newTestLedger(t, 3, false)
	ctx := context.Background()

	res, err := store.CheckAndDeduct(ctx, "owner-1", 1, "req-1", "user-1")
	if err != nil {
		t.Fatalf("CheckAndDeduct error: %v", err)
	}
	if !res.Granted {
		t.Fatalf("Granted = false, reason %q", res.Reason)
	}
	if res.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", res.Remaining)
	}

	events, _ := auditLog.History(ctx, "owner-1")
	if len(events) != 1 || events[0].Action != model.AuditLedgerDeduct {
		t.Errorf("audit events = %+v, want one ledger_deduct", events)
	}
}

func TestCheckAndDeduct_insufficientBalance(t *testing.T) {
	store, _ := newTestLedger(t, 0, false)

	res, err := store.CheckAndDeduct(context.Background(), "owner-1", 1, "req-1", "user-1")
	if err != nil {
		t.Fatalf("CheckAndDeduct error: %v", err)
	}
	if res.Granted {
		t.Error("Granted = true, want refusal")
	}
	if res.Reason != ReasonInsufficientBalance {
		t.Errorf("Reason = %q, want insufficient-balance", res.Reason)
	}
}

func TestCheckAndDeduct_unlimitedBypassesBalance(t *testing.T) {
	store, _ := newTestLedger(t, 0, true)

	res, err := store.CheckAndDeduct(context.Background(), "owner-1", 1, "req-1", "user-1")
	if err != nil {
		t.Fatalf("CheckAndDeduct error: %v", err)
	}
	if !res.Granted || res.Reason != ReasonUnlimited {
		t.Errorf("result = %+v, want granted via unlimited", res)
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, unlimited must not touch balance", res.Remaining)
	}
}

func TestCheckAndDeduct_trialWindow(t *testing.T) {
	auditLog := audit.NewMemStore()
	store := NewMemStore(TrialPolicy{}, auditLog)
	until := time.Now().Add(time.Hour)
	_ = store.CreateAccount(context.Background(), model.LedgerAccount{
		OwnerID:    "trial-owner",
		Balance:    0,
		TrialUntil: &until,
	})

	res, err := store.CheckAndDeduct(context.Background(), "trial-owner", 1, "req-1", "user-1")
	if err != nil {
		t.Fatalf("CheckAndDeduct error: %v", err)
	}
	if !res.Granted || res.Reason != ReasonTrial {
		t.Errorf("result = %+v, want granted via trial", res)
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, trial must not touch balance", res.Remaining)
	}
}

func TestCheckAndDeduct_expiredTrialRefused(t *testing.T) {
	auditLog := audit.NewMemStore()
	store := NewMemStore(TrialPolicy{}, auditLog)
	until := time.Now().Add(-time.Hour)
	_ = store.CreateAccount(context.Background(), model.LedgerAccount{
		OwnerID:    "trial-owner",
		TrialUntil: &until,
	})

	res, _ := store.CheckAndDeduct(context.Background(), "trial-owner", 1, "req-1", "user-1")
	if res.Granted {
		t.Error("Granted = true, want refusal after trial expiry")
	}
}

func TestCheckAndDeduct_accountNotFound(t *testing.T) {
	store := NewMemStore(nil, nil)
	_, err := store.CheckAndDeduct(context.Background(), "nobody", 1, "req-1", "user-1")
	if !model.IsCode(err, model.ErrAccountNotFound) {
		t.Errorf("err = %v, want ACCOUNT_NOT_FOUND", err)
	}
}

func TestCheckAndDeduct_replaySameReference(t *testing.T) {
	store, _ := newTestLedger(t, 2, false)
	ctx := context.Background()

	first, _ := store.CheckAndDeduct(ctx, "owner-1", 1, "req-1", "user-1")
	second, err := store.CheckAndDeduct(ctx, "owner-1", 1, "req-1", "user-1")
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !second.Granted || second.Reason != ReasonAlreadyApplied {
		t.Errorf("replay = %+v, want granted already-applied", second)
	}
	if first.Remaining != 1 || second.Remaining != 1 {
		t.Errorf("remaining = %d/%d, replay must not deduct again", first.Remaining, second.Remaining)
	}
}

// With balance B and N >> B concurrent callers, exactly B succeed.
func TestCheckAndDeduct_concurrentCallersBounded(t *testing.T) {
	const balance = 5
	const callers = 60

	store, _ := newTestLedger(t, balance, false)
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := store.CheckAndDeduct(ctx, "owner-1", 1, fmt.Sprintf("req-%d", i), "user-1")
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if granted.Load() != balance {
		t.Errorf("granted = %d, want exactly %d", granted.Load(), balance)
	}
	acct, _ := store.Get(ctx, "owner-1")
	if acct.Balance != 0 {
		t.Errorf("final balance = %d, want 0", acct.Balance)
	}
}

func TestRefund_idempotent(t *testing.T) {
	store, auditLog := newTestLedger(t, 3, false)
	ctx := context.Background()

	_, _ = store.CheckAndDeduct(ctx, "owner-1", 1, "req-1", "user-1")

	applied, err := store.Refund(ctx, "owner-1", "req-1", model.SystemActor)
	if err != nil || !applied {
		t.Fatalf("first refund: applied=%v err=%v", applied, err)
	}
	applied, err = store.Refund(ctx, "owner-1", "req-1", model.SystemActor)
	if err != nil {
		t.Fatalf("second refund error: %v", err)
	}
	if applied {
		t.Error("second refund applied, want no-op")
	}

	acct, _ := store.Get(ctx, "owner-1")
	if acct.Balance != 3 {
		t.Errorf("balance = %d, want restored 3", acct.Balance)
	}

	events, _ := auditLog.History(ctx, "owner-1")
	var refunds int
	for _, e := range events {
		if e.Action == model.AuditLedgerRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund audit events = %d, want 1", refunds)
	}
}

func TestRefund_noDeduction(t *testing.T) {
	store, _ := newTestLedger(t, 3, false)

	applied, err := store.Refund(context.Background(), "owner-1", "never-deducted", model.SystemActor)
	if err != nil {
		t.Fatalf("Refund error: %v", err)
	}
	if applied {
		t.Error("refund applied with no matching deduction")
	}
}

func TestRefund_unlimitedDeductionRestoresNothing(t *testing.T) {
	store, _ := newTestLedger(t, 0, true)
	ctx := context.Background()

	_, _ = store.CheckAndDeduct(ctx, "owner-1", 1, "req-1", "user-1")
	_, _ = store.Refund(ctx, "owner-1", "req-1", model.SystemActor)

	acct, _ := store.Get(ctx, "owner-1")
	if acct.Balance != 0 {
		t.Errorf("balance = %d, want 0 (nothing was deducted)", acct.Balance)
	}
}

func TestGrant_idempotentPerEventID(t *testing.T) {
	store := NewMemStore(nil, audit.NewMemStore())
	ctx := context.Background()

	applied, err := store.Grant(ctx, "new-owner", 10, "evt-1", "billing")
	if err != nil || !applied {
		t.Fatalf("first grant: applied=%v err=%v", applied, err)
	}
	applied, err = store.Grant(ctx, "new-owner", 10, "evt-1", "billing")
	if err != nil {
		t.Fatalf("second grant error: %v", err)
	}
	if applied {
		t.Error("second grant applied, want no-op")
	}

	acct, _ := store.Get(ctx, "new-owner")
	if acct.Balance != 10 {
		t.Errorf("balance = %d, want 10", acct.Balance)
	}
}

func TestGrant_createsAccount(t *testing.T) {
	store := NewMemStore(nil, nil)
	ctx := context.Background()

	if _, err := store.Grant(ctx, "fresh", 5, "evt-1", "billing"); err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	acct, err := store.Get(ctx, "fresh")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if acct.Balance != 5 {
		t.Errorf("balance = %d, want 5", acct.Balance)
	}
}
