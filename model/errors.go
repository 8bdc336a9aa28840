package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Engine-specific error codes.
const (
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrPreconditionFailed  = "PRECONDITION_FAILED"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrAccountNotFound     = "ACCOUNT_NOT_FOUND"
	ErrAlreadyAdvancing    = "ALREADY_ADVANCING"
	ErrInstanceNotActive   = "INSTANCE_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error envelope returned by the engine. It
// implements the error interface. Business outcomes (conflicts, invalid
// transitions, insufficient balance) travel as envelopes, never as panics.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR when err is not
// an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewPreconditionFailedError returns a PRECONDITION_FAILED error. It marks
// caller misuse (wrong wait point, resume of a non-suspended instance) as
// distinct from a business conflict.
func NewPreconditionFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPreconditionFailed, Message: msg}
}

// NewInsufficientBalanceError returns an INSUFFICIENT_BALANCE error.
func NewInsufficientBalanceError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInsufficientBalance, Message: msg}
}

// NewAccountNotFoundError returns an ACCOUNT_NOT_FOUND error.
func NewAccountNotFoundError(ownerID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAccountNotFound,
		Message: fmt.Sprintf("ledger account for owner %q not found", ownerID),
	}
}

// NewAlreadyAdvancingError returns an ALREADY_ADVANCING error.
func NewAlreadyAdvancingError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyAdvancing,
		Message: fmt.Sprintf("workflow instance %q is already being advanced", instanceID),
	}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceNotActive, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}
