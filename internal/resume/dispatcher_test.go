package resume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/internal/ledger"
	"github.com/quillgate/quillgate/internal/provider"
	"github.com/quillgate/quillgate/internal/step"
	"github.com/quillgate/quillgate/internal/workflow"
	"github.com/quillgate/quillgate/model"
)

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, in provider.GenerationInput) (provider.GenerationOutput, error) {
	return provider.GenerationOutput{Content: "draft for " + in.RequestID}, nil
}

type stubNotifier struct{}

func (stubNotifier) Notify(context.Context, []string, string, map[string]any) error { return nil }

type fixture struct {
	dispatcher *Dispatcher
	runtime    *workflow.Runtime
	store      *workflow.MemStore
	tokens     *MemTokenStore
	auditLog   *audit.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auditLog := audit.NewMemStore()
	ldg := ledger.NewMemStore(ledger.DenyPolicy{}, auditLog)
	if err := ldg.CreateAccount(context.Background(), model.LedgerAccount{OwnerID: "owner-1", Balance: 100}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	attempts := step.NewMemAttemptStore()
	executor := step.NewExecutor(attempts, step.NewBreakerRegistry(5, 1, time.Minute), nil)
	store := workflow.NewMemStore(auditLog)
	tokens := NewMemTokenStore()

	rt := workflow.NewRuntime(store, executor, ldg, stubGenerator{}, stubNotifier{}, tokens, auditLog, nil, nil, workflow.Config{
		Reviewers: []string{"reviewers"},
		DefaultPolicy: step.Policy{
			MaxAttempts:    2,
			AttemptTimeout: time.Second,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
	})
	return &fixture{
		dispatcher: NewDispatcher(tokens, rt, store, auditLog, nil),
		runtime:    rt,
		store:      store,
		tokens:     tokens,
		auditLog:   auditLog,
	}
}

// suspend starts a request and drives it to the review wait point,
// returning the instance and its resume token.
func (f *fixture) suspend(t *testing.T) (model.Instance, string) {
	t.Helper()
	ctx := context.Background()
	_, inst, err := f.runtime.Start(ctx, workflow.StartInput{OwnerID: "owner-1", Category: "proposal"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	suspended, err := f.runtime.Advance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if suspended.Status != model.InstanceStatusSuspended {
		t.Fatalf("instance status = %q, want suspended", suspended.Status)
	}
	token, err := f.tokens.Unconsumed(ctx, inst.ID, model.WaitPointReviewDecision)
	if err != nil {
		t.Fatalf("Unconsumed: %v", err)
	}
	return suspended, token.Token
}

func TestResumeApprove(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	res, err := f.dispatcher.Resume(context.Background(), inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve:      true,
		ReviewerID:   "rev-1",
		FinalContent: "shipped",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Outcome != model.ResumeApplied {
		t.Fatalf("outcome = %q, want applied", res.Outcome)
	}
	if res.Instance.Status != model.InstanceStatusCompleted {
		t.Errorf("instance status = %q, want completed", res.Instance.Status)
	}
	if res.DecidedBy != "rev-1" {
		t.Errorf("decided by = %q", res.DecidedBy)
	}
}

func TestResumeTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	ctx := context.Background()
	first, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "v1",
	})
	if err != nil {
		t.Fatalf("first Resume: %v", err)
	}
	if first.Outcome != model.ResumeApplied {
		t.Fatalf("first outcome = %q", first.Outcome)
	}

	second, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: false, ReviewerID: "rev-2", Reason: "too late",
	})
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if second.Outcome != model.ResumeConflict {
		t.Fatalf("second outcome = %q, want conflict", second.Outcome)
	}
	if second.DecidedBy != "rev-1" {
		t.Errorf("conflict decided_by = %q, want rev-1", second.DecidedBy)
	}
	if second.DecidedAt == nil {
		t.Error("conflict missing decided_at")
	}

	// The losing decision changed nothing.
	req, err := f.store.GetRequest(ctx, inst.RequestID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != model.StateCompleted || req.FinalContent != "v1" {
		t.Errorf("request = %q/%q, want completed/v1", req.Status, req.FinalContent)
	}
}

func TestConcurrentDecisionsExactlyOneApplies(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	ctx := context.Background()
	results := make([]model.ResumeResult, 2)
	errs := make([]error, 2)
	decisions := []model.Decision{
		{Approve: true, ReviewerID: "rev-a", FinalContent: "approved by a"},
		{Approve: false, ReviewerID: "rev-b", Reason: "rejected by b"},
	}

	var wg sync.WaitGroup
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, decisions[i])
		}(i)
	}
	wg.Wait()

	applied, conflicts := 0, 0
	for i := range results {
		if errs[i] != nil {
			// The loser may also observe the winner mid-flight as a
			// not-active instance; that still means it did not apply.
			if model.IsCode(errs[i], model.ErrInstanceNotActive) {
				conflicts++
				continue
			}
			t.Fatalf("Resume %d: %v", i, errs[i])
		}
		switch results[i].Outcome {
		case model.ResumeApplied:
			applied++
		case model.ResumeConflict:
			conflicts++
		}
	}
	if applied != 1 || conflicts != 1 {
		t.Fatalf("applied=%d conflicts=%d, want exactly one of each", applied, conflicts)
	}

	// Exactly one decision is in the request.
	req, _ := f.store.GetRequest(ctx, inst.RequestID)
	if req.Status != model.StateCompleted && req.Status != model.StateRejectedFinal && req.Status != model.StateRejected {
		t.Errorf("request status = %q, want a decided state", req.Status)
	}
}

func TestResumeWrongWaitPointDoesNotBurnToken(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	ctx := context.Background()
	_, err := f.dispatcher.Resume(ctx, inst.ID, "payment_confirmation", token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "x",
	})
	if !model.IsCode(err, model.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want PRECONDITION_FAILED", err)
	}

	// The token survived the bad call.
	stored, err := f.tokens.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Consumed() {
		t.Fatal("token consumed by a rejected precondition")
	}

	// A correct call still works.
	res, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "x",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Outcome != model.ResumeApplied {
		t.Fatalf("outcome = %q, want applied", res.Outcome)
	}
}

func TestResumeWrongInstance(t *testing.T) {
	f := newFixture(t)
	_, token := f.suspend(t)
	other, _ := f.suspend(t)

	_, err := f.dispatcher.Resume(context.Background(), other.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "x",
	})
	if !model.IsCode(err, model.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want PRECONDITION_FAILED", err)
	}
}

func TestResumeUnknownToken(t *testing.T) {
	f := newFixture(t)
	inst, _ := f.suspend(t)

	_, err := f.dispatcher.Resume(context.Background(), inst.ID, model.WaitPointReviewDecision, "no-such-token", model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "x",
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestResumeRequiresReviewer(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	_, err := f.dispatcher.Resume(context.Background(), inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, FinalContent: "x",
	})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestResumeMalformedDecisionKeepsToken(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		decision model.Decision
	}{
		{"approve without content", model.Decision{Approve: true, ReviewerID: "rev-1"}},
		{"reject without reason", model.Decision{Approve: false, ReviewerID: "rev-1"}},
	}
	for _, tc := range cases {
		_, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, tc.decision)
		if !model.IsCode(err, model.ErrValidationError) {
			t.Fatalf("%s: err = %v, want VALIDATION_ERROR", tc.name, err)
		}
	}

	// The bad calls never touched the token; the instance is still listed
	// for reviewers and a well-formed decision still lands.
	stored, err := f.tokens.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Consumed() {
		t.Fatal("token consumed by a rejected decision payload")
	}
	if _, err := f.tokens.Unconsumed(ctx, inst.ID, model.WaitPointReviewDecision); err != nil {
		t.Fatalf("instance dropped from the review inbox: %v", err)
	}

	res, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "v1",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Outcome != model.ResumeApplied {
		t.Fatalf("outcome = %q, want applied", res.Outcome)
	}
}

func TestResumeReleasesClaimWhenDecisionNotApplied(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)
	ctx := context.Background()

	// Hold the instance lock so the claimed decision cannot be applied.
	release, err := f.store.TryLock(ctx, inst.ID)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	_, err = f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "v1",
	})
	if !model.IsCode(err, model.ErrAlreadyAdvancing) {
		t.Fatalf("err = %v, want ALREADY_ADVANCING", err)
	}
	release()

	// The claim was rolled back, so the instance is still resumable.
	stored, err := f.tokens.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Consumed() {
		t.Fatal("token stayed consumed after an unapplied decision")
	}

	res, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "v1",
	})
	if err != nil {
		t.Fatalf("Resume after release: %v", err)
	}
	if res.Outcome != model.ResumeApplied {
		t.Fatalf("outcome = %q, want applied", res.Outcome)
	}
}

func TestConflictLeavesAuditRecord(t *testing.T) {
	f := newFixture(t)
	inst, token := f.suspend(t)

	ctx := context.Background()
	if _, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: true, ReviewerID: "rev-1", FinalContent: "v1",
	}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := f.dispatcher.Resume(ctx, inst.ID, model.WaitPointReviewDecision, token, model.Decision{
		Approve: false, ReviewerID: "rev-2", Reason: "late",
	}); err != nil {
		t.Fatalf("second Resume: %v", err)
	}

	history, err := f.auditLog.History(ctx, inst.RequestID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	found := false
	for _, evt := range history {
		if evt.Action == model.AuditResumeConflict {
			found = true
			if evt.Metadata["decided_by"] != "rev-1" {
				t.Errorf("decided_by = %v", evt.Metadata["decided_by"])
			}
		}
	}
	if !found {
		t.Fatal("no resume_conflict audit event")
	}
}
