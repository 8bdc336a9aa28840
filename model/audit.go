package model

import "time"

// Common audit action tags. Components may record additional tags; these are
// the ones the engine itself emits.
const (
	AuditRequestCreated    = "request_created"
	AuditStateChanged      = "state_changed"
	AuditStepStarted       = "step_started"
	AuditStepCompleted     = "step_completed"
	AuditStepFailed        = "step_failed"
	AuditInstanceStarted   = "instance_started"
	AuditInstanceSuspended = "instance_suspended"
	AuditInstanceResumed   = "instance_resumed"
	AuditInstanceCompleted = "instance_completed"
	AuditInstanceFailed    = "instance_failed"
	AuditResumeConflict    = "resume_conflict"
	AuditLedgerDeduct      = "ledger_deduct"
	AuditLedgerRefund      = "ledger_refund"
	AuditLedgerGrant       = "ledger_grant"
	AuditStaleFlagged      = "stale_flagged"
)

// AuditEvent is an immutable append-only record of one state transition or
// engine action. Sequence numbers are gapless and strictly increasing per
// entity; events are written in the same transaction as the change they
// record.
type AuditEvent struct {
	ID          string         `json:"id"`
	EntityID    string         `json:"entity_id"`
	Sequence    int64          `json:"sequence"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id"`
	BeforeState string         `json:"before_state,omitempty"`
	AfterState  string         `json:"after_state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
