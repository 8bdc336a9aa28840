package step

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/quillgate/quillgate/model"
)

// classified wraps a step error with its retry classification.
type classified struct {
	err       error
	retryable bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Retryable marks err as transient: the executor will back off and retry up
// to the policy maximum.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// Fatal marks err as permanent: the executor stops immediately and the
// workflow converts it into an instance-level failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: false}
}

// IsRetryable reports how err is classified. Unclassified errors are
// treated as retryable; only an explicit Fatal aborts without retry.
func IsRetryable(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.retryable
	}
	return true
}

// Policy bounds the execution of one step.
type Policy struct {
	MaxAttempts       int
	AttemptTimeout    time.Duration
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	JitterFraction    float64
}

// DefaultPolicy is used when a step has no explicit policy configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		AttemptTimeout:    30 * time.Second,
		BackoffInitial:    200 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Second,
		JitterFraction:    0.2,
	}
}

// Result is the final outcome of running a step through the executor.
type Result struct {
	Outcome  string // success, retryable-failure (exhausted), fatal-failure
	Attempts int
	Err      error
}

// Succeeded reports whether the step completed.
func (r Result) Succeeded() bool { return r.Outcome == model.AttemptOutcomeSuccess }

// Executor runs steps with attempt persistence, retries, and breaker
// protection.
type Executor struct {
	attempts AttemptStore
	breakers *BreakerRegistry
	logger   *zap.Logger
}

// NewExecutor creates a step executor.
func NewExecutor(attempts AttemptStore, breakers *BreakerRegistry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{attempts: attempts, breakers: breakers, logger: logger}
}

// Run executes fn under the policy. fn must be idempotent: after a crash or
// a suspected-but-uncommitted attempt the executor re-runs it. If a prior
// attempt for this (instance, step) already succeeded, Run returns success
// without invoking fn at all, which makes crash recovery a plain re-entry.
func (e *Executor) Run(ctx context.Context, instanceID, stepName string, fn func(context.Context) error, policy Policy) Result {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	done, err := e.attempts.Succeeded(ctx, instanceID, stepName)
	if err != nil {
		return Result{Outcome: model.AttemptOutcomeRetryable, Err: err}
	}
	if done {
		e.logger.Debug("step already succeeded, skipping",
			zap.String("instance_id", instanceID),
			zap.String("step", stepName),
		)
		return Result{Outcome: model.AttemptOutcomeSuccess}
	}

	breaker := e.breakers.For(stepName)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoff(policy, attempt)
			select {
			case <-ctx.Done():
				return Result{Outcome: model.AttemptOutcomeRetryable, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		if err := breaker.Allow(); err != nil {
			e.logger.Warn("step short-circuited by open breaker",
				zap.String("instance_id", instanceID),
				zap.String("step", stepName),
			)
			lastErr = Retryable(model.NewBackendUnavailableError())
			continue
		}

		rec, err := e.attempts.Begin(ctx, instanceID, stepName)
		if err != nil {
			return Result{Outcome: model.AttemptOutcomeRetryable, Attempts: attempts, Err: err}
		}
		attempts++

		execErr := e.invoke(ctx, fn, policy.AttemptTimeout)
		if execErr == nil {
			breaker.RecordSuccess()
			if err := e.attempts.Finish(ctx, rec.ID, model.AttemptOutcomeSuccess, ""); err != nil {
				e.logger.Error("finalize attempt failed", zap.Error(err))
			}
			return Result{Outcome: model.AttemptOutcomeSuccess, Attempts: attempts}
		}

		breaker.RecordFailure()
		lastErr = execErr

		if !IsRetryable(execErr) {
			_ = e.attempts.Finish(ctx, rec.ID, model.AttemptOutcomeFatal, execErr.Error())
			e.logger.Warn("step failed fatally",
				zap.String("instance_id", instanceID),
				zap.String("step", stepName),
				zap.Int("attempt", rec.Attempt),
				zap.Error(execErr),
			)
			return Result{Outcome: model.AttemptOutcomeFatal, Attempts: attempts, Err: execErr}
		}

		_ = e.attempts.Finish(ctx, rec.ID, model.AttemptOutcomeRetryable, execErr.Error())
		e.logger.Debug("step attempt failed, will retry",
			zap.String("instance_id", instanceID),
			zap.String("step", stepName),
			zap.Int("attempt", rec.Attempt),
			zap.Int("max", policy.MaxAttempts),
			zap.Error(execErr),
		)
	}

	// Retries exhausted: the transient failure is now fatal for this step.
	if lastErr == nil {
		lastErr = fmt.Errorf("step %q: retries exhausted", stepName)
	}
	return Result{Outcome: model.AttemptOutcomeRetryable, Attempts: attempts, Err: lastErr}
}

// invoke runs fn under the per-attempt timeout.
func (e *Executor) invoke(ctx context.Context, fn func(context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(attemptCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-attemptCtx.Done():
		return Retryable(model.NewBackendTimeoutError())
	}
}

// backoff computes the delay before the given attempt (attempt >= 2), with
// exponential growth and proportional jitter.
func backoff(policy Policy, attempt int) time.Duration {
	initial := policy.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	max := policy.BackoffMax
	if max <= 0 {
		max = 2 * time.Second
	}

	delay := initial
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay > max {
			delay = max
			break
		}
	}

	if policy.JitterFraction > 0 {
		jitter := float64(delay) * policy.JitterFraction
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
