// Package workflow owns the durable instance lifecycle: it drives the
// ordered step program for one request, persists a resumable cursor,
// suspends at the review wait point without holding any goroutine, and
// recovers interrupted instances after a restart.
package workflow

import (
	"context"
	"time"

	"github.com/quillgate/quillgate/model"
)

// Store persists requests and workflow instances. Mutating methods accept
// the audit events that describe the change; implementations commit state
// and audit together, same-or-nothing.
type Store interface {
	// CreateRequest persists a new request.
	CreateRequest(ctx context.Context, req model.Request, events []model.AuditEvent) error

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, requestID string) (model.Request, error)

	// CreateInstance persists a new instance and the updated request that
	// now points at it. Enforces at most one non-terminal instance per
	// request (CONFLICT otherwise).
	CreateInstance(ctx context.Context, inst model.Instance, req model.Request, events []model.AuditEvent) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instanceID string) (model.Instance, error)

	// UpdateInstance persists an updated instance with optimistic locking
	// on its version, optionally together with an updated request. Returns
	// CONFLICT if the stored version has moved.
	UpdateInstance(ctx context.Context, inst model.Instance, req *model.Request, events []model.AuditEvent) error

	// FindByStatus returns instances with the given status, oldest first.
	FindByStatus(ctx context.Context, status string, limit int) ([]model.Instance, error)

	// FindStale returns running instances whose last update is before the
	// cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]model.Instance, error)

	// TryLock acquires the per-instance advisory lock, returning a release
	// function. Returns ALREADY_ADVANCING when another call holds it;
	// concurrent mutation of one instance must never race.
	TryLock(ctx context.Context, instanceID string) (func(), error)
}

// TokenIssuer issues resume tokens when an instance suspends and reads the
// unconsumed token back for the reviewer inbox. The resume package provides
// the implementations; token consumption lives there too.
type TokenIssuer interface {
	Issue(ctx context.Context, token model.ResumeToken) error
	Unconsumed(ctx context.Context, instanceID, waitPoint string) (model.ResumeToken, error)
}
