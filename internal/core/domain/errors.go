// Package domain provides the canonical types and error taxonomy of the trainer.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a trainer error.
type ErrorType string

const (
	// ErrorTypeConflict indicates the request conflicts with the session state.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeNotFound indicates a session or record was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeBlocked indicates input was rejected by the security gate.
	ErrorTypeBlocked ErrorType = "blocked"

	// ErrorTypeUnavailable indicates every provider failed.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeGone indicates a session can no longer be recovered.
	ErrorTypeGone ErrorType = "gone"

	// ErrorTypeServer indicates a persistence or internal failure.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeInvalidRequest indicates a malformed request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeRateLimit indicates the client sent messages too quickly.
	ErrorTypeRateLimit ErrorType = "rate_limit"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	CodeSessionAlreadyActive  ErrorCode = "session_already_active"
	CodeSessionNotFound       ErrorCode = "session_not_found"
	CodeSessionClosed         ErrorCode = "session_closed"
	CodeTurnInProgress        ErrorCode = "turn_in_progress"
	CodeInputBlocked          ErrorCode = "input_blocked"
	CodeAllProvidersFailed    ErrorCode = "all_providers_failed"
	CodeBudgetExhausted       ErrorCode = "budget_exhausted"
	CodeSnapshotExpired       ErrorCode = "snapshot_expired"
	CodeSessionNotRecoverable ErrorCode = "session_not_recoverable"
	CodePersistenceFailure    ErrorCode = "persistence_failure"
	CodeTurnFinalized         ErrorCode = "turn_finalized"
	CodeDrainTimeout          ErrorCode = "drain_timeout"
	CodeRateLimited           ErrorCode = "rate_limited"
)

// TrainerError is a typed error that transports translate into HTTP
// statuses or wire error frames.
type TrainerError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *TrainerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches on code so wrapped copies compare equal to the sentinels.
func (e *TrainerError) Is(target error) bool {
	t, ok := target.(*TrainerError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *TrainerError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeBlocked:
		return http.StatusUnprocessableEntity
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeGone:
		return http.StatusGone
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewTrainerError creates a new trainer error.
func NewTrainerError(errType ErrorType, code ErrorCode, message string) *TrainerError {
	return &TrainerError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *TrainerError) WithStatusCode(code int) *TrainerError {
	e.StatusCode = code
	return e
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrSessionAlreadyActive  = NewTrainerError(ErrorTypeConflict, CodeSessionAlreadyActive, "session is already active")
	ErrSessionNotFound       = NewTrainerError(ErrorTypeNotFound, CodeSessionNotFound, "session not found")
	ErrSessionClosed         = NewTrainerError(ErrorTypeConflict, CodeSessionClosed, "session is closed")
	ErrTurnInProgress        = NewTrainerError(ErrorTypeConflict, CodeTurnInProgress, "a turn is already in progress for this session")
	ErrInputBlocked          = NewTrainerError(ErrorTypeBlocked, CodeInputBlocked, "input rejected by safety checks")
	ErrAllProvidersFailed    = NewTrainerError(ErrorTypeUnavailable, CodeAllProvidersFailed, "all providers failed")
	ErrBudgetExhausted       = NewTrainerError(ErrorTypeUnavailable, CodeBudgetExhausted, "session budget exhausted")
	ErrSnapshotExpired       = NewTrainerError(ErrorTypeGone, CodeSnapshotExpired, "snapshot expired")
	ErrSessionNotRecoverable = NewTrainerError(ErrorTypeGone, CodeSessionNotRecoverable, "session cannot be recovered; start a new session")
	ErrPersistenceFailure    = NewTrainerError(ErrorTypeServer, CodePersistenceFailure, "failed to persist turn")
	ErrTurnFinalized         = NewTrainerError(ErrorTypeConflict, CodeTurnFinalized, "turn status already finalized")
	ErrDrainTimeout          = NewTrainerError(ErrorTypeServer, CodeDrainTimeout, "timed out waiting for in-flight turn")
	ErrRateLimited           = NewTrainerError(ErrorTypeRateLimit, CodeRateLimited, "too many messages; slow down")
)

// AsTrainerError extracts a TrainerError from err, wrapping unknown errors
// as server errors.
func AsTrainerError(err error) *TrainerError {
	if err == nil {
		return nil
	}
	var te *TrainerError
	if errors.As(err, &te) {
		return te
	}
	return NewTrainerError(ErrorTypeServer, "", err.Error())
}
