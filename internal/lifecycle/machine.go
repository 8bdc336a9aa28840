// Package lifecycle encodes the request state machine: a pure mapping from
// (current state, event) to (next state, side effects). It performs no I/O
// and holds no mutable state, so every legal and illegal transition is
// unit-testable without mocks.
package lifecycle

import (
	"fmt"

	"github.com/quillgate/quillgate/model"
)

// Events accepted by the request state machine.
const (
	EventStart     = "start"
	EventGenerated = "generated"
	EventClaim     = "claim"
	EventApprove   = "approve"
	EventReject    = "reject"
	EventFinalize  = "finalize"
	EventClose     = "close"
	EventResubmit  = "resubmit"
	EventFail      = "fail"
)

// Side effects a transition may request. The workflow runtime dispatches
// each through the step executor so they individually retry.
const (
	EffectDeductCredit    = "deduct_credit"
	EffectGenerate        = "generate"
	EffectPersistDraft    = "persist_draft"
	EffectNotifyReviewers = "notify_reviewers"
	EffectPersistFinal    = "persist_final"
	EffectNotifyOwner     = "notify_owner"
	EffectRefundCredit    = "refund_credit"
)

// Context carries the guard inputs for a transition. All fields are plain
// values; the machine never reaches outside them.
type Context struct {
	GenerationOutput string
	ReviewerID       string
	FinalContent     string
	Reason           string
	Resubmittable    bool
}

// transitionKey identifies one row of the transition table.
type transitionKey struct {
	from  string
	event string
}

type transition struct {
	to      string
	guard   func(Context) error
	effects []string
}

// table declares every legal transition. Anything absent is an
// INVALID_TRANSITION.
var table = map[transitionKey]transition{
	{model.StateDraft, EventStart}: {
		to:      model.StateGenerating,
		effects: []string{EffectDeductCredit, EffectGenerate},
	},
	{model.StateGenerating, EventGenerated}: {
		to: model.StateAwaitingReview,
		guard: func(c Context) error {
			if c.GenerationOutput == "" {
				return fmt.Errorf("generation output is empty")
			}
			return nil
		},
		effects: []string{EffectPersistDraft, EffectNotifyReviewers},
	},
	{model.StateAwaitingReview, EventClaim}: {
		to: model.StateUnderReview,
		guard: func(c Context) error {
			if c.ReviewerID == "" {
				return fmt.Errorf("reviewer id is required")
			}
			return nil
		},
	},
	{model.StateUnderReview, EventApprove}: {
		to: model.StateApproved,
		guard: func(c Context) error {
			if c.ReviewerID == "" {
				return fmt.Errorf("reviewer id is required")
			}
			if c.FinalContent == "" {
				return fmt.Errorf("final content is required")
			}
			return nil
		},
		effects: []string{EffectPersistFinal},
	},
	{model.StateUnderReview, EventReject}: {
		to: model.StateRejected,
		guard: func(c Context) error {
			if c.Reason == "" {
				return fmt.Errorf("rejection reason is required")
			}
			return nil
		},
		effects: []string{EffectNotifyOwner},
	},
	{model.StateApproved, EventFinalize}: {
		to:      model.StateCompleted,
		effects: []string{EffectNotifyOwner},
	},
	{model.StateRejected, EventResubmit}: {
		to: model.StateGenerating,
		guard: func(c Context) error {
			if !c.Resubmittable {
				return fmt.Errorf("rejection is final")
			}
			return nil
		},
		effects: []string{EffectDeductCredit, EffectGenerate},
	},
	{model.StateRejected, EventClose}: {
		to: model.StateRejectedFinal,
	},
}

// Transition maps (current state, event) to the next state and the side
// effects to run. Any pair not in the declared table, and any event against
// an absorbing terminal state, yields an INVALID_TRANSITION envelope.
func Transition(current, event string, ctx Context) (string, []string, error) {
	if model.IsTerminalState(current) {
		return "", nil, model.NewInvalidTransitionError(
			fmt.Sprintf("state %q is terminal, event %q not accepted", current, event),
		)
	}

	// Any non-terminal state accepts a fatal failure.
	if event == EventFail {
		return model.StateFailed, []string{EffectRefundCredit, EffectNotifyOwner}, nil
	}

	tr, ok := table[transitionKey{from: current, event: event}]
	if !ok {
		return "", nil, model.NewInvalidTransitionError(
			fmt.Sprintf("no transition from %q with event %q", current, event),
		)
	}

	if tr.guard != nil {
		if err := tr.guard(ctx); err != nil {
			return "", nil, model.NewInvalidTransitionError(
				fmt.Sprintf("guard rejected %q on %q: %v", event, current, err),
			)
		}
	}

	effects := make([]string, len(tr.effects))
	copy(effects, tr.effects)
	return tr.to, effects, nil
}

// States returns every declared state, for validation and diagnostics.
func States() []string {
	return []string{
		model.StateDraft,
		model.StateGenerating,
		model.StateAwaitingReview,
		model.StateUnderReview,
		model.StateApproved,
		model.StateRejected,
		model.StateCompleted,
		model.StateRejectedFinal,
		model.StateFailed,
	}
}

// Events returns every declared event.
func Events() []string {
	return []string{
		EventStart,
		EventGenerated,
		EventClaim,
		EventApprove,
		EventReject,
		EventFinalize,
		EventClose,
		EventResubmit,
		EventFail,
	}
}
