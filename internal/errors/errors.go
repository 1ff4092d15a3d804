package errors

import (
	"errors"
	"fmt"
	"time"

	"resilink/internal/types"
)

// ResilienceError represents a structured error for the resilience layer
type ResilienceError struct {
	Code      ErrorCode
	Message   string
	Details   map[string]interface{}
	Timestamp time.Time
	Cause     error
}

// ErrorCode represents the type of error
type ErrorCode int

const (
	// General errors
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeInvalidArgument
	ErrorCodeInternal

	// Connection-specific errors
	ErrorCodeConnectionFailed
	ErrorCodeConnectionClosed
	ErrorCodeConnectionRefused
	ErrorCodeConnectionTimeout

	// Network-specific errors
	ErrorCodeNetworkUnavailable
	ErrorCodeDNSFailure

	// Authentication-specific errors
	ErrorCodeUnauthenticated
	ErrorCodeTokenExpired
	ErrorCodePermissionDenied

	// Server/client errors
	ErrorCodeRateLimited
	ErrorCodeServerError
	ErrorCodeClientError

	// Timeout errors
	ErrorCodeDeadlineExceeded
	ErrorCodePongTimeout

	// Queue-specific errors
	ErrorCodeQueueFull
	ErrorCodeMessageExpired
	ErrorCodeDeliveryFailed

	// Storage-specific errors
	ErrorCodeStorageUnavailable
	ErrorCodeStorageWriteFailed
	ErrorCodeStorageReadFailed
)

// Error returns the error message
func (e *ResilienceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code.String(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Message)
}

// Unwrap returns the underlying error
func (e *ResilienceError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *ResilienceError) Is(target error) bool {
	var other *ResilienceError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrorCodeInternal:
		return "INTERNAL"
	case ErrorCodeConnectionFailed:
		return "CONNECTION_FAILED"
	case ErrorCodeConnectionClosed:
		return "CONNECTION_CLOSED"
	case ErrorCodeConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrorCodeConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case ErrorCodeNetworkUnavailable:
		return "NETWORK_UNAVAILABLE"
	case ErrorCodeDNSFailure:
		return "DNS_FAILURE"
	case ErrorCodeUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrorCodeTokenExpired:
		return "TOKEN_EXPIRED"
	case ErrorCodePermissionDenied:
		return "PERMISSION_DENIED"
	case ErrorCodeRateLimited:
		return "RATE_LIMITED"
	case ErrorCodeServerError:
		return "SERVER_ERROR"
	case ErrorCodeClientError:
		return "CLIENT_ERROR"
	case ErrorCodeDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case ErrorCodePongTimeout:
		return "PONG_TIMEOUT"
	case ErrorCodeQueueFull:
		return "QUEUE_FULL"
	case ErrorCodeMessageExpired:
		return "MESSAGE_EXPIRED"
	case ErrorCodeDeliveryFailed:
		return "DELIVERY_FAILED"
	case ErrorCodeStorageUnavailable:
		return "STORAGE_UNAVAILABLE"
	case ErrorCodeStorageWriteFailed:
		return "STORAGE_WRITE_FAILED"
	case ErrorCodeStorageReadFailed:
		return "STORAGE_READ_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Category maps an error code onto its classification category. Callers
// holding a structured error never need keyword matching.
func (c ErrorCode) Category() types.ErrorCategory {
	switch c {
	case ErrorCodeConnectionFailed, ErrorCodeConnectionClosed, ErrorCodeConnectionRefused, ErrorCodeConnectionTimeout:
		return types.CategoryConnection
	case ErrorCodeNetworkUnavailable, ErrorCodeDNSFailure:
		return types.CategoryNetwork
	case ErrorCodeUnauthenticated, ErrorCodeTokenExpired, ErrorCodePermissionDenied:
		return types.CategoryAuthentication
	case ErrorCodeRateLimited:
		return types.CategoryRateLimit
	case ErrorCodeServerError:
		return types.CategoryServerError
	case ErrorCodeClientError, ErrorCodeInvalidArgument:
		return types.CategoryClientError
	case ErrorCodeDeadlineExceeded, ErrorCodePongTimeout:
		return types.CategoryTimeout
	default:
		return types.CategoryUnknown
	}
}

// New creates a new ResilienceError
func New(code ErrorCode, message string) *ResilienceError {
	return &ResilienceError{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *ResilienceError {
	return &ResilienceError{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// WithDetail adds a single detail to the error
func (e *ResilienceError) WithDetail(key string, value interface{}) *ResilienceError {
	e.Details[key] = value
	return e
}

// IsErrorCode checks if the error is a ResilienceError with the specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var rerr *ResilienceError
	return errors.As(err, &rerr) && rerr.Code == code
}

// CategoryOf returns the category of a structured error, or unknown and
// false when the error carries no code.
func CategoryOf(err error) (types.ErrorCategory, bool) {
	var rerr *ResilienceError
	if errors.As(err, &rerr) {
		return rerr.Code.Category(), true
	}
	return types.CategoryUnknown, false
}
