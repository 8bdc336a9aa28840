// Package model holds the domain entities, error envelope, and context
// plumbing shared by every layer of the engine.
package model

import (
	"context"
	"errors"
	"fmt"
)

// ActorContext carries identity and tracing information for the lifetime of
// an authenticated call. It is immutable after construction and safe for
// concurrent reads.
type ActorContext struct {
	ActorID       string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// SystemActor is the actor recorded for transitions the engine performs on
// its own (recovery, timeouts, side-effect steps).
const SystemActor = "system"

// Validate checks that all mandatory fields are present.
func (ac *ActorContext) Validate() error {
	var errs []error
	if ac.ActorID == "" {
		errs = append(errs, fmt.Errorf("ActorID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the ActorContext contains the given role.
func (ac *ActorContext) HasRole(role string) bool {
	for _, r := range ac.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (ac *ActorContext) Claim(key string) any {
	if ac.Claims == nil {
		return nil
	}
	return ac.Claims[key]
}

type contextKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actx *ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actx)
}

// ActorContextFrom extracts the ActorContext from the context, or returns nil
// if not present.
func ActorContextFrom(ctx context.Context) *ActorContext {
	actx, _ := ctx.Value(contextKey{}).(*ActorContext)
	return actx
}

// SystemContext returns an ActorContext for engine-initiated work.
func SystemContext() *ActorContext {
	return &ActorContext{ActorID: SystemActor}
}
