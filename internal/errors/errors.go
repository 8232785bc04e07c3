// Package errors provides structured error types for collabhub.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the collaboration core's failure modes.
var (
	ErrAuthFailure      = errors.New("authentication failed")
	ErrRoomSeed         = errors.New("room seed failed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrAIParse          = errors.New("ai reply parse failed")
	ErrInvalidTree      = errors.New("invalid file tree")
	ErrPersist          = errors.New("persist failed")
	ErrAdapter          = errors.New("execution host failure")
	ErrNotResident      = errors.New("project not resident")

	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrDenied       = errors.New("access denied")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// Kind returns a short label for the taxonomy bucket err falls into.
// Used for metrics labels and client-facing error codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrRoomSeed):
		return "room_seed_failure"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrAIParse):
		return "ai_parse_failure"
	case errors.Is(err, ErrInvalidTree):
		return "invalid_tree"
	case errors.Is(err, ErrPersist):
		return "persist_failure"
	case errors.Is(err, ErrAdapter):
		return "adapter_failure"
	case errors.Is(err, ErrNotResident):
		return "not_resident"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimit):
		return "rate_limited"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
