package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusRunning   = "running"
	InstanceStatusSuspended = "suspended"
	InstanceStatusCompleted = "completed"
	InstanceStatusFailed    = "failed"
)

// Step attempt outcome constants.
const (
	AttemptOutcomeSuccess   = "success"
	AttemptOutcomeRetryable = "retryable-failure"
	AttemptOutcomeFatal     = "fatal-failure"
)

// The single wait point in the request lifecycle. An instance suspended here
// holds no goroutine, timer, or poll loop; it is resumed solely by a
// reviewer decision claiming its resume token.
const WaitPointReviewDecision = "review_decision"

// Instance is one durable execution of the workflow engine for one Request.
// Instances are never reused: a retried request gets a fresh instance.
type Instance struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	CurrentStep  string         `json:"current_step"`
	Status       string         `json:"status"`
	SuspendPoint string         `json:"suspend_point,omitempty"`
	ResumeSchema string         `json:"resume_schema,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// Terminal reports whether the instance can no longer be advanced.
func (i *Instance) Terminal() bool {
	return i.Status == InstanceStatusCompleted || i.Status == InstanceStatusFailed
}

// StepAttempt records a single execution attempt of one step within one
// instance. A row is written before the step logic runs and finalized right
// after; an attempt with an empty outcome marks a crash mid-attempt.
type StepAttempt struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"instance_id"`
	StepName    string     `json:"step_name"`
	Attempt     int        `json:"attempt"`
	Outcome     string     `json:"outcome,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Decision is the payload a reviewer submits at the review wait point.
type Decision struct {
	Approve      bool   `json:"approve"`
	ReviewerID   string `json:"reviewer_id"`
	FinalContent string `json:"final_content,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Resubmittable bool  `json:"resubmittable,omitempty"`
}

// PendingReview is the read-model for the reviewer inbox: a suspended
// instance together with its unconsumed resume token. Reading it does not
// consume the token.
type PendingReview struct {
	Instance    Instance  `json:"instance"`
	Request     Request   `json:"request"`
	WaitPoint   string    `json:"wait_point"`
	ResumeToken string    `json:"resume_token"`
	SuspendedAt time.Time `json:"suspended_at"`
}
