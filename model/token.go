package model

import "time"

// ResumeToken is a single-use credential allowing exactly one resume of a
// suspended instance at a named wait point. consumed_at transitions
// null -> non-null exactly once; a second claim is a CONFLICT, never a
// silent no-op.
type ResumeToken struct {
	Token      string     `json:"token"`
	InstanceID string     `json:"instance_id"`
	WaitPoint  string     `json:"wait_point"`
	IssuedAt   time.Time  `json:"issued_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
}

// Consumed reports whether the token has been claimed.
func (t *ResumeToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// ResumeOutcome classifies the result of a Resume call.
const (
	ResumeApplied  = "applied"
	ResumeConflict = "conflict"
)

// ResumeResult is the defined outcome of a Resume call. A conflict is not an
// error surfaced as a 500: it tells the losing caller who decided and when.
type ResumeResult struct {
	Outcome    string     `json:"outcome"`
	Instance   Instance   `json:"instance"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}
