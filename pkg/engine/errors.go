package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, an unreachable host during deployment.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: two callers racing for the same resource transition lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid resource spec, illegal transition, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the structured error returned by every engine operation.
// It always carries a kind (Code), the resource it concerns when there is one,
// and free-form detail.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource the error concerns, zero when not applicable.
	Resource ResourceID `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Code == "" {
		msg = fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
	switch {
	case e.Resource != 0 && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%d, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != 0:
		msg = fmt.Sprintf("%s (resource=%d)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal, so the sentinel
// values below can be used as targets.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
		Code:    ErrCodeConflict,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(id ResourceID) *EngineError {
	e.Resource = id
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable. Lock conflicts are left to the
// caller, who lost the race and decides whether to try again.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// AsEngineError converts err into an EngineError, classifying unknown errors
// as permanent with the fallback code.
func AsEngineError(err error, fallbackCode string) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError(err.Error(), err).WithCode(fallbackCode)
}

// Error codes.
const (
	ErrCodeInvalidSpec         = "INVALID_SPEC"
	ErrCodeDuplicateID         = "DUPLICATE_ID"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeLevelViolation      = "LEVEL_VIOLATION"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeDependencyFailed    = "SKIPPED_DEPENDENCY_FAILURE"
	ErrCodeDeploymentFailed    = "DEPLOYMENT_FAILED"
	ErrCodeVerificationTimeout = "VERIFICATION_TIMEOUT"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeRevocationFailed    = "REVOCATION_FAILED"
	ErrCodeStateMismatch       = "STATE_MISMATCH"
	ErrCodeAlreadyDeleted      = "ALREADY_DELETED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeRegistryClosed      = "REGISTRY_CLOSED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks.
var (
	ErrInvalidSpec       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidSpec}
	ErrDuplicateID       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateID}
	ErrNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrCycleDetected     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCycleDetected}
	ErrLevelViolation    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeLevelViolation}
	ErrInvalidTransition = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition}
	ErrConflict          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}
	ErrStateMismatch     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStateMismatch}
	ErrAlreadyDeleted    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyDeleted}
	ErrPolicyDenied      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)

func invalidSpec(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeInvalidSpec)
}

func notFound(id ResourceID) *EngineError {
	return NewPermanentError("resource not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}
