package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidOwner ErrorCode = "INVALID_OWNER"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Pairing
	ErrCodeCodeInvalid     ErrorCode = "CODE_INVALID"
	ErrCodeCodeExpired     ErrorCode = "CODE_EXPIRED"
	ErrCodeCodeAlreadyUsed ErrorCode = "CODE_ALREADY_USED"

	// Tunnel
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionAlreadyActive ErrorCode = "SESSION_ALREADY_ACTIVE"
	ErrCodeHeartbeatTimeout     ErrorCode = "HEARTBEAT_TIMEOUT"
	ErrCodeProtocol             ErrorCode = "PROTOCOL_ERROR"

	// Command execution
	ErrCodeAlreadyExecuting   ErrorCode = "ALREADY_EXECUTING"
	ErrCodeProcessSpawnFailed ErrorCode = "PROCESS_SPAWN_FAILED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an AppError carrying the same code, so that
// errors.Is(err, errors.CodeInvalid()) works on wrapped errors.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func InvalidOwner(reason string) *AppError {
	return New(ErrCodeInvalidOwner, fmt.Sprintf("Invalid owner: %s", reason))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func CodeInvalid() *AppError {
	return New(ErrCodeCodeInvalid, "Pairing code is not valid")
}

func CodeExpired() *AppError {
	return New(ErrCodeCodeExpired, "Pairing code has expired")
}

func CodeAlreadyUsed() *AppError {
	return New(ErrCodeCodeAlreadyUsed, "Pairing code has already been used")
}

func SessionNotFound() *AppError {
	return New(ErrCodeSessionNotFound, "Session not found or not ready for a tunnel")
}

func SessionAlreadyActive() *AppError {
	return New(ErrCodeSessionAlreadyActive, "Session already has a connected peer")
}

func HeartbeatTimeout() *AppError {
	return New(ErrCodeHeartbeatTimeout, "Peer stopped sending heartbeats")
}

func Protocol(message string) *AppError {
	return New(ErrCodeProtocol, message)
}

func CommandNotPermitted(reason string) *AppError {
	return New(ErrCodeUnauthorized, fmt.Sprintf("Command not permitted for your role: %s", reason))
}

func AlreadyExecuting() *AppError {
	return New(ErrCodeAlreadyExecuting, "Another command is still running in this session")
}

func ProcessSpawnFailed(cause error) *AppError {
	return Wrap(ErrCodeProcessSpawnFailed, "Failed to start command", cause)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
