package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/internal/ledger"
	"github.com/quillgate/quillgate/internal/lifecycle"
	"github.com/quillgate/quillgate/internal/provider"
	"github.com/quillgate/quillgate/internal/step"
	"github.com/quillgate/quillgate/model"
)

// Step cursor values. The cursor is persisted with the instance; after a
// crash, Advance re-enters at the same cursor and the executor's attempt
// ledger makes the re-entry idempotent.
const (
	StepDeductCredit    = "deduct_credit"
	StepGenerate        = "generate"
	StepNotifyReviewers = "notify_reviewers"
	StepAwaitReview     = "await_review"
	StepFinalize        = "finalize"
	StepRecordRejection = "record_rejection"
	StepNotifyOwner     = "notify_owner"
	StepDone            = "done"
)

// Instance state keys.
const (
	stateKeyDraft    = "draft"
	stateKeyDecision = "decision"
)

// resumeSchemaDecision names the payload shape a resume at the review wait
// point must carry.
const resumeSchemaDecision = "decision/v1"

// creditCost is the units deducted per generation run.
const creditCost = 1

// Metrics receives workflow-level counters. The observability package
// provides the real implementation; NopMetrics is used in tests.
type Metrics interface {
	WorkflowStarted()
	WorkflowFinished(status string)
	WorkflowSuspended()
	WorkflowResumed()
	StepFinished(stepName, outcome string)
	StaleInstances(count int)
}

// NopMetrics discards all workflow metrics.
type NopMetrics struct{}

func (NopMetrics) WorkflowStarted()            {}
func (NopMetrics) WorkflowFinished(string)     {}
func (NopMetrics) WorkflowSuspended()          {}
func (NopMetrics) WorkflowResumed()            {}
func (NopMetrics) StepFinished(string, string) {}
func (NopMetrics) StaleInstances(int)          {}

// Config tunes the runtime.
type Config struct {
	// Reviewers are the recipients of review notifications.
	Reviewers []string

	// Policies overrides the retry policy per step name.
	Policies map[string]step.Policy

	// DefaultPolicy applies to steps without an override.
	DefaultPolicy step.Policy

	// StaleAfter is the age past which a running instance is flagged by
	// the staleness sweep. Zero disables flagging.
	StaleAfter time.Duration
}

// Runtime drives workflow instances through the ordered step program:
// deduct credit, generate, notify reviewers, suspend for review, then
// finalize or record the rejection and notify the owner. All progress is
// persisted through the cursor, so any interrupted instance resumes by a
// plain re-Advance.
type Runtime struct {
	store     Store
	executor  *step.Executor
	ledger    ledger.Ledger
	generator provider.Generator
	notifier  provider.Notifier
	tokens    TokenIssuer
	auditLog  audit.Store
	metrics   Metrics
	logger    *zap.Logger
	cfg       Config
}

// NewRuntime creates a workflow runtime.
func NewRuntime(
	store Store,
	executor *step.Executor,
	ldg ledger.Ledger,
	generator provider.Generator,
	notifier provider.Notifier,
	tokens TokenIssuer,
	auditLog audit.Store,
	metrics Metrics,
	logger *zap.Logger,
	cfg Config,
) *Runtime {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultPolicy.MaxAttempts == 0 {
		cfg.DefaultPolicy = step.DefaultPolicy()
	}
	return &Runtime{
		store:     store,
		executor:  executor,
		ledger:    ldg,
		generator: generator,
		notifier:  notifier,
		tokens:    tokens,
		auditLog:  auditLog,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// StartInput describes a new request submission.
type StartInput struct {
	OwnerID  string
	Category string
	Payload  map[string]any
}

// Start creates the request, applies the initial lifecycle transition, and
// persists a fresh running instance positioned at the first step. It does
// not execute any step; the caller advances the returned instance (usually
// in the background) and the recovery job picks up anything missed.
func (r *Runtime) Start(ctx context.Context, in StartInput) (model.Request, model.Instance, error) {
	actor := model.ActorContextFrom(ctx)
	if actor == nil {
		actor = model.SystemContext()
	}
	if in.OwnerID == "" {
		in.OwnerID = actor.ActorID
	}
	var details []model.FieldError
	if in.OwnerID == "" {
		details = append(details, model.FieldError{Field: "owner_id", Code: "required", Message: "owner id is required"})
	}
	if in.Category == "" {
		details = append(details, model.FieldError{Field: "category", Code: "required", Message: "category is required"})
	}
	if len(details) > 0 {
		return model.Request{}, model.Instance{}, model.NewValidationError(details)
	}

	now := time.Now().UTC()
	req := model.Request{
		ID:        uuid.New().String(),
		OwnerID:   in.OwnerID,
		Category:  in.Category,
		Payload:   in.Payload,
		Status:    model.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := r.store.CreateRequest(ctx, req, []model.AuditEvent{{
		EntityID:   req.ID,
		Action:     model.AuditRequestCreated,
		ActorID:    actor.ActorID,
		AfterState: model.StateDraft,
		Metadata:   map[string]any{"category": req.Category},
	}}); err != nil {
		return model.Request{}, model.Instance{}, err
	}

	inst, err := r.startInstance(ctx, req, lifecycle.EventStart, actor.ActorID)
	if err != nil {
		return model.Request{}, model.Instance{}, err
	}
	r.metrics.WorkflowStarted()
	return inst.req, inst.inst, nil
}

// Resubmit starts a fresh instance for a rejected request. The old
// instance stays in the history untouched; instances are never reused.
func (r *Runtime) Resubmit(ctx context.Context, requestID string) (model.Request, model.Instance, error) {
	actor := model.ActorContextFrom(ctx)
	if actor == nil {
		actor = model.SystemContext()
	}
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.Request{}, model.Instance{}, err
	}
	if req.Status != model.StateRejected {
		return model.Request{}, model.Instance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("request %q is %q, only rejected requests can be resubmitted", req.ID, req.Status),
		)
	}

	inst, err := r.startInstance(ctx, req, lifecycle.EventResubmit, actor.ActorID)
	if err != nil {
		return model.Request{}, model.Instance{}, err
	}
	r.metrics.WorkflowStarted()
	return inst.req, inst.inst, nil
}

type started struct {
	req  model.Request
	inst model.Instance
}

func (r *Runtime) startInstance(ctx context.Context, req model.Request, event, actorID string) (started, error) {
	lctx := lifecycle.Context{}
	if event == lifecycle.EventResubmit {
		// A request still in "rejected" was rejected as resubmittable;
		// final rejections are closed to rejected_final on decision.
		lctx.Resubmittable = true
	}
	next, _, err := lifecycle.Transition(req.Status, event, lctx)
	if err != nil {
		return started{}, err
	}

	now := time.Now().UTC()
	inst := model.Instance{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		CurrentStep: StepDeductCredit,
		Status:      model.InstanceStatusRunning,
		State:       map[string]any{},
		StartedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	before := req.Status
	req.Status = next
	req.InstanceID = inst.ID
	req.FailureReason = ""

	events := []model.AuditEvent{
		{
			EntityID: req.ID,
			Action:   model.AuditInstanceStarted,
			ActorID:  actorID,
			Metadata: map[string]any{"instance_id": inst.ID},
		},
		{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     actorID,
			BeforeState: before,
			AfterState:  next,
			Metadata:    map[string]any{"event": event, "instance_id": inst.ID},
		},
	}
	if err := r.store.CreateInstance(ctx, inst, req, events); err != nil {
		return started{}, err
	}
	req.Version++
	return started{req: req, inst: inst}, nil
}

// Advance drives an instance forward until it suspends, finishes, or hits a
// failure that needs another attempt later. It is safe to call at any time:
// terminal and suspended instances come back unchanged, concurrent calls on
// the same instance are rejected with ALREADY_ADVANCING, and re-entry after
// a crash continues from the persisted cursor.
func (r *Runtime) Advance(ctx context.Context, instanceID string) (model.Instance, error) {
	release, err := r.store.TryLock(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	defer release()

	return r.advanceLocked(ctx, instanceID)
}

func (r *Runtime) advanceLocked(ctx context.Context, instanceID string) (model.Instance, error) {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Terminal() || inst.Status == model.InstanceStatusSuspended {
		return inst, nil
	}

	req, err := r.store.GetRequest(ctx, inst.RequestID)
	if err != nil {
		return model.Instance{}, err
	}

	for {
		var stepErr error
		switch inst.CurrentStep {
		case StepDeductCredit:
			inst, req, stepErr = r.runDeductCredit(ctx, inst, req)
		case StepGenerate:
			inst, req, stepErr = r.runGenerate(ctx, inst, req)
		case StepNotifyReviewers:
			inst, req, stepErr = r.runNotifyReviewers(ctx, inst, req)
		case StepAwaitReview:
			// Suspended in this very call, or waiting on a reviewer.
			return inst, nil
		case StepFinalize:
			inst, req, stepErr = r.runFinalize(ctx, inst, req)
		case StepRecordRejection:
			inst, req, stepErr = r.runRecordRejection(ctx, inst, req)
		case StepNotifyOwner:
			inst, req, stepErr = r.runNotifyOwner(ctx, inst, req)
		case StepDone:
			return inst, nil
		default:
			return model.Instance{}, model.NewInternalError()
		}
		if stepErr != nil {
			return inst, stepErr
		}
		if inst.Terminal() {
			return inst, nil
		}
	}
}

// runDeductCredit charges one credit keyed by the instance id, so a crash
// and re-run replays the same deduction instead of double-charging.
func (r *Runtime) runDeductCredit(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	var res model.DeductResult
	result := r.executor.Run(ctx, inst.ID, StepDeductCredit, func(c context.Context) error {
		var err error
		res, err = r.ledger.CheckAndDeduct(c, req.OwnerID, creditCost, inst.ID, model.SystemActor)
		if err != nil {
			if model.IsCode(err, model.ErrAccountNotFound) {
				return step.Fatal(err)
			}
			return step.Retryable(err)
		}
		if !res.Granted {
			return step.Fatal(model.NewInsufficientBalanceError(
				fmt.Sprintf("owner %q has no credit for request %q", req.OwnerID, req.ID),
			))
		}
		return nil
	}, r.policyFor(StepDeductCredit))

	return r.afterStep(ctx, inst, req, StepDeductCredit, result, StepGenerate, nil)
}

func (r *Runtime) runGenerate(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	var out provider.GenerationOutput
	input := provider.GenerationInput{
		RequestID: req.ID,
		OwnerID:   req.OwnerID,
		Category:  req.Category,
		Payload:   req.Payload,
	}
	result := r.executor.Run(ctx, inst.ID, StepGenerate, func(c context.Context) error {
		var err error
		out, err = r.generator.Generate(c, input)
		return err
	}, r.policyFor(StepGenerate))

	if result.Succeeded() && out.Content == "" {
		// A crash between the recorded attempt success and the cursor
		// commit loses the in-memory output; the draft was never durable,
		// so generate again.
		var err error
		out, err = r.generator.Generate(ctx, input)
		if err != nil {
			if !step.IsRetryable(err) {
				result = step.Result{Outcome: model.AttemptOutcomeFatal, Err: err}
			} else {
				result = step.Result{Outcome: model.AttemptOutcomeRetryable, Err: err}
			}
		}
	}

	// The non-empty-output guard runs before the cursor moves: a generator
	// that reports success with an empty draft must fail the instance, not
	// march it into review.
	var next string
	if result.Succeeded() {
		var terr error
		next, _, terr = lifecycle.Transition(req.Status, lifecycle.EventGenerated, lifecycle.Context{
			GenerationOutput: out.Content,
		})
		if terr != nil {
			result = step.Result{Outcome: model.AttemptOutcomeFatal, Err: terr}
		}
	}

	return r.afterStep(ctx, inst, req, StepGenerate, result, StepNotifyReviewers, func(inst *model.Instance, req *model.Request) []model.AuditEvent {
		before := req.Status
		req.Status = next
		req.DraftContent = out.Content
		inst.State[stateKeyDraft] = out.Content
		return []model.AuditEvent{{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     model.SystemActor,
			BeforeState: before,
			AfterState:  next,
			Metadata:    map[string]any{"event": lifecycle.EventGenerated, "instance_id": inst.ID},
		}}
	})
}

// runNotifyReviewers tells the reviewer pool about the new draft, then
// suspends the instance at the review wait point with a fresh single-use
// resume token. Notification is at-least-once and never blocks suspension.
func (r *Runtime) runNotifyReviewers(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	result := r.executor.Run(ctx, inst.ID, StepNotifyReviewers, func(c context.Context) error {
		return r.notifier.Notify(c, r.cfg.Reviewers, provider.TemplateReviewRequested, map[string]any{
			"request_id": req.ID,
			"category":   req.Category,
		})
	}, r.policyFor(StepNotifyReviewers))
	r.metrics.StepFinished(StepNotifyReviewers, result.Outcome)
	if !result.Succeeded() {
		r.logger.Warn("reviewer notification failed, suspending anyway",
			zap.String("instance_id", inst.ID),
			zap.Error(result.Err),
		)
	}

	token := model.ResumeToken{
		Token:      uuid.New().String(),
		InstanceID: inst.ID,
		WaitPoint:  model.WaitPointReviewDecision,
		IssuedAt:   time.Now().UTC(),
	}
	if err := r.tokens.Issue(ctx, token); err != nil {
		return inst, req, err
	}

	inst.CurrentStep = StepAwaitReview
	inst.Status = model.InstanceStatusSuspended
	inst.SuspendPoint = model.WaitPointReviewDecision
	inst.ResumeSchema = resumeSchemaDecision
	events := []model.AuditEvent{{
		EntityID: req.ID,
		Action:   model.AuditInstanceSuspended,
		ActorID:  model.SystemActor,
		Metadata: map[string]any{
			"instance_id": inst.ID,
			"wait_point":  model.WaitPointReviewDecision,
		},
	}}
	if err := r.store.UpdateInstance(ctx, inst, nil, events); err != nil {
		return inst, req, err
	}
	inst.Version++
	r.metrics.WorkflowSuspended()
	r.logger.Info("instance suspended for review",
		zap.String("instance_id", inst.ID),
		zap.String("request_id", req.ID),
	)
	return inst, req, nil
}

// ApplyDecision resumes a suspended instance with a reviewer decision. The
// caller must have claimed the resume token first; this method validates
// the wait point, applies the claim and approve/reject transitions, and
// drives the instance to its end.
func (r *Runtime) ApplyDecision(ctx context.Context, instanceID string, d model.Decision) (model.Instance, error) {
	release, err := r.store.TryLock(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	defer release()

	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Status != model.InstanceStatusSuspended {
		return model.Instance{}, model.NewInstanceNotActiveError(
			fmt.Sprintf("instance %q is %q, not suspended", inst.ID, inst.Status),
		)
	}
	if inst.SuspendPoint != model.WaitPointReviewDecision {
		return model.Instance{}, model.NewPreconditionFailedError(
			fmt.Sprintf("instance %q is suspended at %q, not %q",
				inst.ID, inst.SuspendPoint, model.WaitPointReviewDecision),
		)
	}

	req, err := r.store.GetRequest(ctx, inst.RequestID)
	if err != nil {
		return model.Instance{}, err
	}

	// Claim, then decide. Both transitions are validated before anything
	// is persisted, so a guard failure leaves the instance suspended.
	claimed, _, err := lifecycle.Transition(req.Status, lifecycle.EventClaim, lifecycle.Context{
		ReviewerID: d.ReviewerID,
	})
	if err != nil {
		return model.Instance{}, err
	}
	event := lifecycle.EventApprove
	if !d.Approve {
		event = lifecycle.EventReject
	}
	decided, _, err := lifecycle.Transition(claimed, event, lifecycle.Context{
		ReviewerID:   d.ReviewerID,
		FinalContent: d.FinalContent,
		Reason:       d.Reason,
	})
	if err != nil {
		return model.Instance{}, err
	}

	before := req.Status
	req.Status = decided
	req.ReviewerID = d.ReviewerID
	if d.Approve {
		req.FinalContent = d.FinalContent
	} else {
		req.FailureReason = d.Reason
	}

	if inst.State == nil {
		inst.State = map[string]any{}
	}
	inst.State[stateKeyDecision] = map[string]any{
		"approve":       d.Approve,
		"reviewer_id":   d.ReviewerID,
		"reason":        d.Reason,
		"resubmittable": d.Resubmittable,
	}
	inst.Status = model.InstanceStatusRunning
	inst.SuspendPoint = ""
	inst.ResumeSchema = ""
	if d.Approve {
		inst.CurrentStep = StepFinalize
	} else {
		inst.CurrentStep = StepRecordRejection
	}

	events := []model.AuditEvent{
		{
			EntityID: req.ID,
			Action:   model.AuditInstanceResumed,
			ActorID:  d.ReviewerID,
			Metadata: map[string]any{"instance_id": inst.ID, "approve": d.Approve},
		},
		{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     d.ReviewerID,
			BeforeState: before,
			AfterState:  claimed,
			Metadata:    map[string]any{"event": lifecycle.EventClaim, "instance_id": inst.ID},
		},
		{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     d.ReviewerID,
			BeforeState: claimed,
			AfterState:  decided,
			Metadata:    map[string]any{"event": event, "instance_id": inst.ID},
		},
	}
	if err := r.store.UpdateInstance(ctx, inst, &req, events); err != nil {
		return model.Instance{}, err
	}
	inst.Version++
	req.Version++
	r.metrics.WorkflowResumed()
	r.logger.Info("instance resumed with decision",
		zap.String("instance_id", inst.ID),
		zap.String("request_id", req.ID),
		zap.Bool("approve", d.Approve),
		zap.String("reviewer_id", d.ReviewerID),
	)

	return r.advanceLocked(ctx, inst.ID)
}

// runFinalize moves an approved request to completed.
func (r *Runtime) runFinalize(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	next, _, err := lifecycle.Transition(req.Status, lifecycle.EventFinalize, lifecycle.Context{})
	if err != nil {
		return inst, req, err
	}
	before := req.Status
	req.Status = next
	inst.CurrentStep = StepNotifyOwner
	events := []model.AuditEvent{{
		EntityID:    req.ID,
		Action:      model.AuditStateChanged,
		ActorID:     model.SystemActor,
		BeforeState: before,
		AfterState:  next,
		Metadata:    map[string]any{"event": lifecycle.EventFinalize, "instance_id": inst.ID},
	}}
	if err := r.store.UpdateInstance(ctx, inst, &req, events); err != nil {
		return inst, req, err
	}
	inst.Version++
	req.Version++
	return inst, req, nil
}

// runRecordRejection settles a rejected request: a final rejection closes
// it to rejected_final, a resubmittable one stays rejected so the owner can
// resubmit with a fresh instance.
func (r *Runtime) runRecordRejection(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	resubmittable := false
	if d, ok := inst.State[stateKeyDecision].(map[string]any); ok {
		resubmittable, _ = d["resubmittable"].(bool)
	}

	var events []model.AuditEvent
	if !resubmittable {
		next, _, err := lifecycle.Transition(req.Status, lifecycle.EventClose, lifecycle.Context{})
		if err != nil {
			return inst, req, err
		}
		before := req.Status
		req.Status = next
		events = append(events, model.AuditEvent{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     model.SystemActor,
			BeforeState: before,
			AfterState:  next,
			Metadata:    map[string]any{"event": lifecycle.EventClose, "instance_id": inst.ID},
		})
	}

	inst.CurrentStep = StepNotifyOwner
	if err := r.store.UpdateInstance(ctx, inst, &req, events); err != nil {
		return inst, req, err
	}
	inst.Version++
	req.Version++
	return inst, req, nil
}

// runNotifyOwner tells the owner the outcome and completes the instance.
// Delivery is at-least-once: a failed notification is logged and the
// instance still completes.
func (r *Runtime) runNotifyOwner(ctx context.Context, inst model.Instance, req model.Request) (model.Instance, model.Request, error) {
	template := provider.TemplateRequestApproved
	switch req.Status {
	case model.StateRejected, model.StateRejectedFinal:
		template = provider.TemplateRequestRejected
	case model.StateFailed:
		template = provider.TemplateRequestFailed
	}
	result := r.executor.Run(ctx, inst.ID, StepNotifyOwner, func(c context.Context) error {
		return r.notifier.Notify(c, []string{req.OwnerID}, template, map[string]any{
			"request_id": req.ID,
			"status":     req.Status,
			"reason":     req.FailureReason,
		})
	}, r.policyFor(StepNotifyOwner))
	r.metrics.StepFinished(StepNotifyOwner, result.Outcome)
	if !result.Succeeded() {
		r.logger.Warn("owner notification failed",
			zap.String("instance_id", inst.ID),
			zap.Error(result.Err),
		)
	}

	now := time.Now().UTC()
	inst.CurrentStep = StepDone
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &now
	events := []model.AuditEvent{{
		EntityID: req.ID,
		Action:   model.AuditInstanceCompleted,
		ActorID:  model.SystemActor,
		Metadata: map[string]any{"instance_id": inst.ID, "request_status": req.Status},
	}}
	if err := r.store.UpdateInstance(ctx, inst, nil, events); err != nil {
		return inst, req, err
	}
	inst.Version++
	r.metrics.WorkflowFinished(model.InstanceStatusCompleted)
	r.logger.Info("instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("request_id", req.ID),
		zap.String("request_status", req.Status),
	)
	return inst, req, nil
}

// afterStep commits the outcome of an executor-run step: on success it
// advances the cursor (applying mutate for transition bookkeeping), on a
// fatal outcome it fails the instance, and on an exhausted retryable
// outcome it leaves the cursor in place for a later re-Advance.
func (r *Runtime) afterStep(
	ctx context.Context,
	inst model.Instance,
	req model.Request,
	stepName string,
	result step.Result,
	nextStep string,
	mutate func(*model.Instance, *model.Request) []model.AuditEvent,
) (model.Instance, model.Request, error) {
	r.metrics.StepFinished(stepName, result.Outcome)

	switch result.Outcome {
	case model.AttemptOutcomeSuccess:
		var events []model.AuditEvent
		var reqChange *model.Request
		if mutate != nil {
			events = mutate(&inst, &req)
			reqChange = &req
		}
		inst.CurrentStep = nextStep
		events = append(events, model.AuditEvent{
			EntityID: req.ID,
			Action:   model.AuditStepCompleted,
			ActorID:  model.SystemActor,
			Metadata: map[string]any{"instance_id": inst.ID, "step": stepName},
		})
		if err := r.store.UpdateInstance(ctx, inst, reqChange, events); err != nil {
			return inst, req, err
		}
		inst.Version++
		if reqChange != nil {
			req.Version++
		}
		return inst, req, nil

	case model.AttemptOutcomeFatal:
		return r.failInstance(ctx, inst, req, stepName, result.Err)

	default:
		// Retries exhausted on a transient failure. The cursor stays put;
		// the recovery job or a manual re-Advance picks it up.
		r.logger.Warn("step exhausted retries, instance stays running",
			zap.String("instance_id", inst.ID),
			zap.String("step", stepName),
			zap.Error(result.Err),
		)
		return inst, req, result.Err
	}
}

// failInstance converts a fatal step failure into the failed terminal
// state. The credit refund runs first and must stick before the failure is
// persisted; refund is idempotent per instance, so a retry after an
// interrupted failure path cannot double-refund.
func (r *Runtime) failInstance(ctx context.Context, inst model.Instance, req model.Request, stepName string, cause error) (model.Instance, model.Request, error) {
	next, _, err := lifecycle.Transition(req.Status, lifecycle.EventFail, lifecycle.Context{})
	if err != nil {
		return inst, req, err
	}

	if _, err := r.ledger.Refund(ctx, req.OwnerID, inst.ID, model.SystemActor); err != nil {
		if !model.IsCode(err, model.ErrAccountNotFound) {
			return inst, req, err
		}
	}

	reason := "step failed"
	if cause != nil {
		reason = cause.Error()
	}
	before := req.Status
	req.Status = next
	req.FailureReason = reason

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusFailed
	inst.CurrentStep = StepDone
	inst.LastError = reason
	inst.CompletedAt = &now

	events := []model.AuditEvent{
		{
			EntityID: req.ID,
			Action:   model.AuditStepFailed,
			ActorID:  model.SystemActor,
			Metadata: map[string]any{"instance_id": inst.ID, "step": stepName, "error": reason},
		},
		{
			EntityID:    req.ID,
			Action:      model.AuditStateChanged,
			ActorID:     model.SystemActor,
			BeforeState: before,
			AfterState:  next,
			Metadata:    map[string]any{"event": lifecycle.EventFail, "instance_id": inst.ID},
		},
		{
			EntityID: req.ID,
			Action:   model.AuditInstanceFailed,
			ActorID:  model.SystemActor,
			Metadata: map[string]any{"instance_id": inst.ID, "error": reason},
		},
	}
	if err := r.store.UpdateInstance(ctx, inst, &req, events); err != nil {
		return inst, req, err
	}
	inst.Version++
	req.Version++
	r.metrics.WorkflowFinished(model.InstanceStatusFailed)
	r.logger.Warn("instance failed",
		zap.String("instance_id", inst.ID),
		zap.String("request_id", req.ID),
		zap.String("step", stepName),
		zap.String("error", reason),
	)

	// Best effort; the audit trail is the durable record.
	if nerr := r.notifier.Notify(ctx, []string{req.OwnerID}, provider.TemplateRequestFailed, map[string]any{
		"request_id": req.ID,
		"reason":     reason,
	}); nerr != nil {
		r.logger.Warn("failure notification failed", zap.String("request_id", req.ID), zap.Error(nerr))
	}

	return inst, req, nil
}

// Status returns the request, its current instance, and the audit-backed
// history. Reading never mutates anything.
func (r *Runtime) Status(ctx context.Context, requestID string) (model.RequestStatus, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.RequestStatus{}, err
	}

	out := model.RequestStatus{Request: req}
	if req.InstanceID != "" {
		inst, err := r.store.GetInstance(ctx, req.InstanceID)
		if err != nil && !model.IsCode(err, model.ErrNotFound) {
			return model.RequestStatus{}, err
		}
		if err == nil {
			out.Instance = &inst
		}
	}

	history, err := r.auditLog.History(ctx, requestID)
	if err != nil {
		return model.RequestStatus{}, err
	}
	out.History = history
	return out, nil
}

// PendingReviews lists suspended instances with their unconsumed resume
// tokens. Reading the inbox does not consume anything.
func (r *Runtime) PendingReviews(ctx context.Context, limit int) ([]model.PendingReview, error) {
	suspended, err := r.store.FindByStatus(ctx, model.InstanceStatusSuspended, limit)
	if err != nil {
		return nil, err
	}

	reviews := make([]model.PendingReview, 0, len(suspended))
	for _, inst := range suspended {
		req, err := r.store.GetRequest(ctx, inst.RequestID)
		if err != nil {
			return nil, err
		}
		token, err := r.tokens.Unconsumed(ctx, inst.ID, inst.SuspendPoint)
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				// Token already claimed; the decision is in flight.
				continue
			}
			return nil, err
		}
		reviews = append(reviews, model.PendingReview{
			Instance:    inst,
			Request:     req,
			WaitPoint:   inst.SuspendPoint,
			ResumeToken: token.Token,
			SuspendedAt: inst.UpdatedAt,
		})
	}
	return reviews, nil
}

// Recover re-advances running instances left behind by a crash or an
// exhausted retry. Re-entry is idempotent: steps that already succeeded are
// skipped via the attempt ledger, ledger operations replay by reference.
func (r *Runtime) Recover(ctx context.Context, limit int) (int, error) {
	running, err := r.store.FindByStatus(ctx, model.InstanceStatusRunning, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range running {
		if _, err := r.Advance(ctx, inst.ID); err != nil {
			if model.IsCode(err, model.ErrAlreadyAdvancing) {
				continue
			}
			r.logger.Warn("recovery advance failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// FlagStale logs and counts running instances older than the configured
// threshold. It never cancels them; a stuck instance is an operator
// decision, not a sweeper one.
func (r *Runtime) FlagStale(ctx context.Context) (int, error) {
	if r.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stale, err := r.store.FindStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, inst := range stale {
		r.logger.Warn("stale running instance",
			zap.String("instance_id", inst.ID),
			zap.String("request_id", inst.RequestID),
			zap.String("step", inst.CurrentStep),
			zap.Time("updated_at", inst.UpdatedAt),
		)
		_, _ = r.auditLog.Append(ctx, model.AuditEvent{
			EntityID: inst.RequestID,
			Action:   model.AuditStaleFlagged,
			ActorID:  model.SystemActor,
			Metadata: map[string]any{"instance_id": inst.ID, "step": inst.CurrentStep},
		})
	}
	r.metrics.StaleInstances(len(stale))
	return len(stale), nil
}

func (r *Runtime) policyFor(stepName string) step.Policy {
	if p, ok := r.cfg.Policies[stepName]; ok {
		return p
	}
	return r.cfg.DefaultPolicy
}
