// Package resume owns the single-use resume tokens and the dispatcher that
// turns a reviewer decision into exactly one instance resume. The token is
// the concurrency primitive: consuming it is one conditional update, so of
// any number of simultaneous decisions exactly one wins and the rest get a
// conflict answer naming the winner.
package resume

import (
	"context"
	"time"

	"github.com/quillgate/quillgate/model"
)

// TokenStore persists resume tokens. It satisfies workflow.TokenIssuer, so
// the runtime issues tokens through the same store the dispatcher claims
// them from.
type TokenStore interface {
	// Issue persists a freshly minted token.
	Issue(ctx context.Context, token model.ResumeToken) error

	// Get returns a token by its value.
	Get(ctx context.Context, token string) (model.ResumeToken, error)

	// Claim consumes the token if and only if it is still unconsumed: one
	// conditional update of consumed_at from null. It returns the stored
	// token after the attempt and whether this call was the one that
	// consumed it. A lost claim is a defined outcome, not an error.
	Claim(ctx context.Context, token, by string, at time.Time) (model.ResumeToken, bool, error)

	// Release returns a claimed token to the unconsumed state, provided the
	// given claimant still holds it. The dispatcher uses it when a claimed
	// decision was never applied, so the instance stays resumable.
	Release(ctx context.Context, token, by string) error

	// Unconsumed returns the open token for an instance and wait point, or
	// NOT_FOUND if none remains.
	Unconsumed(ctx context.Context, instanceID, waitPoint string) (model.ResumeToken, error)
}
