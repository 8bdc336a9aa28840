// Package audit provides the append-only event store. Every state
// transition in the engine lands here with actor, before/after state, and a
// per-entity sequence number that is gapless and strictly increasing.
// Events are never updated or deleted.
package audit

import (
	"context"

	"github.com/quillgate/quillgate/model"
)

// Store persists audit events.
type Store interface {
	// Append writes a new event, assigning the next sequence number for the
	// entity. The returned event carries the assigned sequence.
	Append(ctx context.Context, event model.AuditEvent) (model.AuditEvent, error)

	// History returns all events for an entity ordered by sequence number.
	History(ctx context.Context, entityID string) ([]model.AuditEvent, error)
}
