package ledger

import (
	"context"

	"github.com/quillgate/quillgate/model"
)

// Recorder receives ledger operation outcomes. It is implemented by the
// observability metrics set.
type Recorder interface {
	RecordDeduct(reason string)
	RecordRefund()
	RecordGrant()
}

// instrumented wraps a Ledger and records operation outcomes.
type instrumented struct {
	Ledger
	rec Recorder
}

// WithMetrics returns a Ledger that records deduct, refund, and grant
// outcomes on the given recorder.
func WithMetrics(l Ledger, rec Recorder) Ledger {
	return &instrumented{Ledger: l, rec: rec}
}

func (i *instrumented) CheckAndDeduct(ctx context.Context, ownerID string, amount int64, reference, actorID string) (model.DeductResult, error) {
	res, err := i.Ledger.CheckAndDeduct(ctx, ownerID, amount, reference, actorID)
	if err == nil {
		// A plain balance deduct carries no reason.
		reason := res.Reason
		if reason == "" {
			reason = "balance"
		}
		i.rec.RecordDeduct(reason)
	}
	return res, err
}

func (i *instrumented) Refund(ctx context.Context, ownerID, reference, actorID string) (bool, error) {
	applied, err := i.Ledger.Refund(ctx, ownerID, reference, actorID)
	if err == nil && applied {
		i.rec.RecordRefund()
	}
	return applied, err
}

func (i *instrumented) Grant(ctx context.Context, ownerID string, amount int64, eventID, actorID string) (bool, error) {
	applied, err := i.Ledger.Grant(ctx, ownerID, amount, eventID, actorID)
	if err == nil && applied {
		i.rec.RecordGrant()
	}
	return applied, err
}
