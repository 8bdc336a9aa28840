package model

import "time"

// Request lifecycle states. Transitions between them are owned by the
// lifecycle package; nothing mutates a request status directly.
const (
	StateDraft          = "draft"
	StateGenerating     = "generating"
	StateAwaitingReview = "awaiting_review"
	StateUnderReview    = "under_review"
	StateApproved       = "approved"
	StateRejected       = "rejected"
	StateCompleted      = "completed"
	StateRejectedFinal  = "rejected_final"
	StateFailed         = "failed"
)

// IsTerminalState reports whether state accepts no further events.
func IsTerminalState(state string) bool {
	switch state {
	case StateCompleted, StateRejectedFinal, StateFailed:
		return true
	}
	return false
}

// Request is the long-lived business entity driven through the approval
// workflow. It is created by its owner and mutated only by workflow steps
// and reviewer decisions; once terminal, it is immutable.
type Request struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Category      string         `json:"category"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	DraftContent  string         `json:"draft_content,omitempty"`
	FinalContent  string         `json:"final_content,omitempty"`
	InstanceID    string         `json:"instance_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ReviewerID    string         `json:"reviewer_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Version       int            `json:"version"`
}

// Terminal reports whether the request can no longer change.
func (r *Request) Terminal() bool {
	return IsTerminalState(r.Status)
}

// RequestStatus is the read-model returned to status queries: the current
// state plus the audit-backed history.
type RequestStatus struct {
	Request  Request      `json:"request"`
	Instance *Instance    `json:"instance,omitempty"`
	History  []AuditEvent `json:"history"`
}
