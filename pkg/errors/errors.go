package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Matching errors
	// ErrCodeRaceLost marks a claim or accept that arrived after the
	// resource was taken; it resolves to a retry state, not a failure.
	ErrCodeRaceLost       ErrorCode = "RACE_LOST"
	ErrCodeNotWaiting     ErrorCode = "NOT_WAITING"
	ErrCodeAlreadyWaiting ErrorCode = "ALREADY_WAITING"

	// Session & call errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeCallNotFound    ErrorCode = "CALL_NOT_FOUND"
	ErrCodePeerUnreachable ErrorCode = "PEER_UNREACHABLE"
	ErrCodeMediaFailed     ErrorCode = "MEDIA_FAILED"
	ErrCodeStaleMessage    ErrorCode = "STALE_MESSAGE"
	ErrCodeCallTerminal    ErrorCode = "CALL_TERMINAL"

	// Not found / conflict
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Rate limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
// The status code defaults to 500 Internal Server Error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Matching errors

// RaceLostError is the non-error outcome of a lost claim race surfaced as a
// typed error so callers can distinguish it from real failures.
func RaceLostError(seekerID string) *AppError {
	return NewWithStatus(ErrCodeRaceLost, fmt.Sprintf("seeker %s already claimed", seekerID), http.StatusConflict)
}

func NotWaitingError(seekerID string) *AppError {
	return NewWithStatus(ErrCodeNotWaiting, fmt.Sprintf("seeker %s is not waiting", seekerID), http.StatusNotFound)
}

// Session & call errors
func SessionNotFoundError() *AppError {
	return NewWithStatus(ErrCodeSessionNotFound, "Session not found", http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func PeerUnreachableError(userID string) *AppError {
	return NewWithStatus(ErrCodePeerUnreachable, fmt.Sprintf("peer %s is not connected", userID), http.StatusGone)
}

func MediaFailedError(reason string) *AppError {
	return NewWithStatus(ErrCodeMediaFailed, reason, http.StatusBadGateway)
}

// CallTerminalError marks signaling that arrived after the call reached a
// terminal phase; handlers absorb it rather than report it.
func CallTerminalError(sessionID string) *AppError {
	return NewWithStatus(ErrCodeCallTerminal, fmt.Sprintf("call for session %s already ended", sessionID), http.StatusConflict)
}

// Not found / conflict
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

// Rate limiting
func RateLimitError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Too many messages", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string, err error) *AppError {
	return Wrap(ErrCodeInternal, message, err)
}
