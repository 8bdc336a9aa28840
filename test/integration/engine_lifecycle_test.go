package integration

import (
	"net/http"
	"slices"
	"testing"

	"github.com/quillgate/quillgate/model"
)

func TestLifecycle_approvalEndToEnd(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	reviewer := h.GenerateToken(ReviewerClaims())
	h.GrantCredits(t, "user-owner", 5)

	sub := h.Submit(t, owner, "blog_post")
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)

	// One credit spent on the generation run.
	var acct model.LedgerAccount
	h.AssertJSON(t, h.GET("/v1/accounts/user-owner/balance", owner), http.StatusOK, &acct)
	if acct.Balance != 4 {
		t.Errorf("balance after generation = %d, want 4", acct.Balance)
	}

	token := h.PendingToken(t, reviewer, sub.Instance.ID)
	resp := h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", map[string]any{
		"resume_token":  token,
		"approve":       true,
		"final_content": "ship it",
	}, reviewer)

	var result model.ResumeResult
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Outcome != model.ResumeApplied {
		t.Fatalf("outcome = %q, want applied", result.Outcome)
	}

	final := h.WaitForRequestState(t, owner, sub.Request.ID, model.StateCompleted)
	if final.Request.FinalContent != "ship it" {
		t.Errorf("final content = %q", final.Request.FinalContent)
	}
	if final.Request.ReviewerID != "user-reviewer" {
		t.Errorf("reviewer = %q", final.Request.ReviewerID)
	}

	// Reviewers are told about the suspension, the owner about the outcome.
	templates := h.Notifications.Templates()
	if !slices.Contains(templates, "review_requested") {
		t.Errorf("review_requested not delivered, got %v", templates)
	}
	if !slices.Contains(templates, "request_approved") {
		t.Errorf("request_approved not delivered, got %v", templates)
	}
}

func TestLifecycle_auditTrailIsGapless(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	reviewer := h.GenerateToken(ReviewerClaims())
	h.GrantCredits(t, "user-owner", 5)

	sub := h.Submit(t, owner, "blog_post")
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)
	token := h.PendingToken(t, reviewer, sub.Instance.ID)
	h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", map[string]any{
		"resume_token":  token,
		"approve":       true,
		"final_content": "approved",
	}, reviewer).Body.Close()

	status := h.WaitForRequestState(t, owner, sub.Request.ID, model.StateCompleted)
	if len(status.History) == 0 {
		t.Fatal("no audit history")
	}
	for i, ev := range status.History {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("history[%d].Sequence = %d, want %d (gapless, 1-based)", i, ev.Sequence, i+1)
		}
		if ev.EntityID != sub.Request.ID {
			t.Errorf("history[%d] belongs to %q", i, ev.EntityID)
		}
	}
}

func TestLifecycle_rejectionAndResubmit(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	reviewer := h.GenerateToken(ReviewerClaims())
	h.GrantCredits(t, "user-owner", 5)

	sub := h.Submit(t, owner, "blog_post")
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)
	token := h.PendingToken(t, reviewer, sub.Instance.ID)

	resp := h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", map[string]any{
		"resume_token":  token,
		"approve":       false,
		"reason":        "needs work",
		"resubmittable": true,
	}, reviewer)
	h.AssertStatus(t, resp, http.StatusOK)
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateRejected)

	var resub SubmitResponse
	h.AssertJSON(t, h.POST("/v1/requests/"+sub.Request.ID+"/resubmit", nil, owner),
		http.StatusAccepted, &resub)
	if resub.Instance.ID == sub.Instance.ID {
		t.Error("resubmission should start a fresh instance")
	}

	// The second round suspends for review again with a fresh token.
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)
	token2 := h.PendingToken(t, reviewer, resub.Instance.ID)
	if token2 == token {
		t.Error("resubmission should issue a new resume token")
	}
}

func TestLifecycle_finalRejectionClosesRequest(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	reviewer := h.GenerateToken(ReviewerClaims())
	h.GrantCredits(t, "user-owner", 5)

	sub := h.Submit(t, owner, "blog_post")
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)
	token := h.PendingToken(t, reviewer, sub.Instance.ID)

	h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", map[string]any{
		"resume_token":  token,
		"approve":       false,
		"reason":        "off-topic",
		"resubmittable": false,
	}, reviewer).Body.Close()
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateRejectedFinal)

	resp := h.POST("/v1/requests/"+sub.Request.ID+"/resubmit", nil, owner)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestLifecycle_concurrentDecisionLosesWithConflict(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	reviewerA := h.GenerateToken(TestClaims{SubjectID: "reviewer-a", Roles: []string{"reviewer"}})
	reviewerB := h.GenerateToken(TestClaims{SubjectID: "reviewer-b", Roles: []string{"reviewer"}})
	h.GrantCredits(t, "user-owner", 5)

	sub := h.Submit(t, owner, "blog_post")
	h.WaitForRequestState(t, owner, sub.Request.ID, model.StateAwaitingReview)
	token := h.PendingToken(t, reviewerA, sub.Instance.ID)

	decision := map[string]any{"resume_token": token, "approve": true, "final_content": "first decision wins"}
	h.AssertStatus(t, h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", decision, reviewerA),
		http.StatusOK)

	resp := h.POST("/v1/reviews/"+sub.Instance.ID+"/decision", decision, reviewerB)
	var result model.ResumeResult
	h.AssertJSON(t, resp, http.StatusConflict, &result)
	if result.Outcome != model.ResumeConflict {
		t.Errorf("outcome = %q, want conflict", result.Outcome)
	}
	if result.DecidedBy != "reviewer-a" {
		t.Errorf("decided_by = %q, want reviewer-a", result.DecidedBy)
	}
}

func TestLifecycle_idempotentSubmission(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	h.GrantCredits(t, "user-owner", 5)

	body := map[string]any{"category": "blog_post", "payload": map[string]any{"n": 1}}
	headers := map[string]string{"X-Idempotency-Key": "submit-once"}

	var first, second SubmitResponse
	h.AssertJSON(t, h.POSTWithHeaders("/v1/requests", body, owner, headers),
		http.StatusAccepted, &first)

	resp := h.POSTWithHeaders("/v1/requests", body, owner, headers)
	if resp.Header.Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay should be marked with X-Idempotency-Replayed")
	}
	h.AssertJSON(t, resp, http.StatusAccepted, &second)

	if first.Request.ID != second.Request.ID {
		t.Errorf("duplicate submission created a second request: %s vs %s",
			first.Request.ID, second.Request.ID)
	}

	// Only one instance ran, so only one credit is gone.
	h.WaitForRequestState(t, owner, first.Request.ID, model.StateAwaitingReview)
	var acct model.LedgerAccount
	h.AssertJSON(t, h.GET("/v1/accounts/user-owner/balance", owner), http.StatusOK, &acct)
	if acct.Balance != 4 {
		t.Errorf("balance = %d, want 4", acct.Balance)
	}
}

func TestLifecycle_insufficientCredit(t *testing.T) {
	h := NewTestHarness(t, WithDenyPolicy())
	owner := h.GenerateToken(OwnerClaims())
	h.GrantCredits(t, "user-owner", 0)

	sub := h.Submit(t, owner, "blog_post")
	status := h.WaitForRequestState(t, owner, sub.Request.ID, model.StateFailed)
	if status.Request.FailureReason == "" {
		t.Error("failed request should carry a failure reason")
	}
	if h.Generation.Calls() != 0 {
		t.Errorf("generation ran %d times without credit", h.Generation.Calls())
	}
	if !slices.Contains(h.Notifications.Templates(), "request_failed") {
		t.Errorf("owner was not told about the failure, got %v", h.Notifications.Templates())
	}
}
