package api

import (
	"errors"
	"net/http"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/stores"
)

// ErrCodeBadRequest marks malformed requests that never reached the engine.
const ErrCodeBadRequest = "BAD_REQUEST"

// statusFor maps an engine error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeConflict, engine.ErrCodeInvalidTransition,
		engine.ErrCodeAlreadyDeleted, engine.ErrCodeStateMismatch:
		return http.StatusConflict
	case engine.ErrCodeInvalidSpec, engine.ErrCodeDuplicateID,
		engine.ErrCodeCycleDetected, engine.ErrCodeLevelViolation:
		return http.StatusUnprocessableEntity
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case engine.ErrCodeRegistryClosed, engine.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// toAPIError converts err to the response body and HTTP status.
func toAPIError(err error) (*Error, int) {
	if errors.Is(err, stores.ErrNotFound) {
		return &Error{Code: engine.ErrCodeNotFound, Message: err.Error()}, http.StatusNotFound
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return &Error{Code: engine.ErrCodeInternal, Message: err.Error()}, http.StatusInternalServerError
	}

	code := ee.Code
	if code == "" {
		code = engine.ErrCodeInternal
	}
	return &Error{
		Code:     code,
		Message:  ee.Message,
		Resource: ee.Resource,
		Details:  ee.Details,
	}, statusFor(code)
}

func badRequest(msg string, err error) error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return engine.NewPermanentError(msg, err).WithCode(ErrCodeBadRequest)
}
