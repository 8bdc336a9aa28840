package resume

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/internal/workflow"
	"github.com/quillgate/quillgate/model"
)

// Dispatcher resumes suspended instances from reviewer decisions with
// exactly-once semantics. Validation runs before the token is touched, so a
// request against the wrong wait point never burns the token.
type Dispatcher struct {
	tokens   TokenStore
	runtime  *workflow.Runtime
	store    workflow.Store
	auditLog audit.Store
	logger   *zap.Logger
}

// NewDispatcher creates a resume dispatcher.
func NewDispatcher(tokens TokenStore, runtime *workflow.Runtime, store workflow.Store, auditLog audit.Store, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tokens:   tokens,
		runtime:  runtime,
		store:    store,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Resume applies a reviewer decision to a suspended instance. The sequence
// is: validate the decision and the token against the instance and wait
// point, claim the token with one conditional update, then drive the
// instance forward. A lost claim returns a conflict result naming who
// decided and when; it is a defined outcome, not an error. A claim whose
// decision could not be applied is released again, so the instance never
// strands in suspension without an open token.
func (d *Dispatcher) Resume(ctx context.Context, instanceID, waitPoint, token string, decision model.Decision) (model.ResumeResult, error) {
	// The decision payload is checked against the same requirements the
	// lifecycle guards enforce, before the token is touched. A malformed
	// decision that consumed the token first would leave the instance
	// suspended with nothing left to resume it.
	var details []model.FieldError
	if decision.ReviewerID == "" {
		details = append(details, model.FieldError{Field: "reviewer_id", Code: "required", Message: "reviewer id is required"})
	}
	if decision.Approve && decision.FinalContent == "" {
		details = append(details, model.FieldError{Field: "final_content", Code: "required", Message: "final content is required to approve"})
	}
	if !decision.Approve && decision.Reason == "" {
		details = append(details, model.FieldError{Field: "reason", Code: "required", Message: "a reason is required to reject"})
	}
	if len(details) > 0 {
		return model.ResumeResult{}, model.NewValidationError(details)
	}

	stored, err := d.tokens.Get(ctx, token)
	if err != nil {
		return model.ResumeResult{}, err
	}
	if stored.InstanceID != instanceID {
		return model.ResumeResult{}, model.NewPreconditionFailedError(
			fmt.Sprintf("resume token does not belong to instance %q", instanceID),
		)
	}
	if stored.WaitPoint != waitPoint {
		return model.ResumeResult{}, model.NewPreconditionFailedError(
			fmt.Sprintf("resume token is for wait point %q, not %q", stored.WaitPoint, waitPoint),
		)
	}

	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.ResumeResult{}, err
	}
	if stored.Consumed() {
		return d.conflict(ctx, inst, stored, decision.ReviewerID)
	}
	if inst.Terminal() {
		return model.ResumeResult{}, model.NewInstanceNotActiveError(
			fmt.Sprintf("instance %q is %q", inst.ID, inst.Status),
		)
	}

	claimed, won, err := d.tokens.Claim(ctx, token, decision.ReviewerID, time.Now().UTC())
	if err != nil {
		return model.ResumeResult{}, err
	}
	if !won {
		return d.conflict(ctx, inst, claimed, decision.ReviewerID)
	}

	final, err := d.runtime.ApplyDecision(ctx, instanceID, decision)
	if err != nil {
		d.releaseClaim(ctx, instanceID, token, decision.ReviewerID, err)
		return model.ResumeResult{}, err
	}
	return model.ResumeResult{
		Outcome:   model.ResumeApplied,
		Instance:  final,
		DecidedBy: claimed.ConsumedBy,
		DecidedAt: claimed.ConsumedAt,
	}, nil
}

// releaseClaim puts a claimed token back when the decision it carried never
// landed. The instance still being suspended is the marker: ApplyDecision
// persists the decision and the wake-up in one write, so a suspended
// instance after a failed call means nothing was applied and the token must
// stay usable.
func (d *Dispatcher) releaseClaim(ctx context.Context, instanceID, token, by string, cause error) {
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil || inst.Status != model.InstanceStatusSuspended {
		return
	}
	if rerr := d.tokens.Release(ctx, token, by); rerr != nil {
		d.logger.Error("failed to release resume token for unapplied decision",
			zap.String("instance_id", instanceID),
			zap.NamedError("cause", cause),
			zap.Error(rerr),
		)
		return
	}
	d.logger.Warn("resume token released, decision was not applied",
		zap.String("instance_id", instanceID),
		zap.String("reviewer_id", by),
		zap.Error(cause),
	)
}

// conflict reports a lost claim: the decision already belongs to whoever
// consumed the token. The losing attempt is audited but changes nothing.
func (d *Dispatcher) conflict(ctx context.Context, inst model.Instance, claimed model.ResumeToken, reviewerID string) (model.ResumeResult, error) {
	d.logger.Info("resume lost the token claim",
		zap.String("instance_id", inst.ID),
		zap.String("reviewer_id", reviewerID),
		zap.String("decided_by", claimed.ConsumedBy),
	)
	_, _ = d.auditLog.Append(ctx, model.AuditEvent{
		EntityID: inst.RequestID,
		Action:   model.AuditResumeConflict,
		ActorID:  reviewerID,
		Metadata: map[string]any{
			"instance_id": inst.ID,
			"decided_by":  claimed.ConsumedBy,
		},
	})

	// Re-read: the winner may have already driven the instance on.
	current, err := d.store.GetInstance(ctx, inst.ID)
	if err != nil {
		current = inst
	}
	return model.ResumeResult{
		Outcome:   model.ResumeConflict,
		Instance:  current,
		DecidedBy: claimed.ConsumedBy,
		DecidedAt: claimed.ConsumedAt,
	}, nil
}
