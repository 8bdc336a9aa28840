// Package step runs single units of workflow work with bounded retries,
// exponential backoff with jitter, per-attempt timeouts, and a circuit
// breaker keyed by step name. Every attempt is persisted before and after
// execution so a crash mid-attempt leaves a visible open attempt.
package step

import (
	"context"

	"github.com/quillgate/quillgate/model"
)

// AttemptStore persists step attempts.
type AttemptStore interface {
	// Begin records the start of a new attempt, assigning the next attempt
	// number for (instance, step).
	Begin(ctx context.Context, instanceID, stepName string) (model.StepAttempt, error)

	// Finish finalizes an attempt with its outcome. Attempts are never
	// updated after that.
	Finish(ctx context.Context, attemptID, outcome, errDetail string) error

	// Open returns attempts for an instance that have no recorded outcome.
	// After a crash these mark interrupted work.
	Open(ctx context.Context, instanceID string) ([]model.StepAttempt, error)

	// Succeeded reports whether any attempt for (instance, step) ended in
	// success. A step is done once one attempt succeeded.
	Succeeded(ctx context.Context, instanceID, stepName string) (bool, error)

	// History returns all attempts for an instance ordered by start time.
	History(ctx context.Context, instanceID string) ([]model.StepAttempt, error)
}
