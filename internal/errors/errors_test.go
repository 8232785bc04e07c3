package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("anthropic", 403, "forbidden")
	assert.Contains(t, err.Error(), "anthropic")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "anthropic", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("llm", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("llm", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewAPIError("llm", 529, "overloaded")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("save tree: %w", ErrUnavailable)))

	assert.False(t, IsRetryable(NewAPIError("llm", 401, "unauth")))
	assert.False(t, IsRetryable(NewAPIError("llm", 404, "not found")))
	assert.False(t, IsRetryable(ErrAuthFailure))
	assert.False(t, IsRetryable(ErrNotFound))
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		ErrAuthFailure:                          "auth_failure",
		fmt.Errorf("seed: %w", ErrRoomSeed):     "room_seed_failure",
		fmt.Errorf("x: %w", ErrMalformedMessage): "malformed_message",
		ErrAdapter:                              "adapter_failure",
		fmt.Errorf("persist: %w", ErrPersist):   "persist_failure",
		errors.New("boom"):                      "internal",
	}
	for err, want := range cases {
		assert.Equal(t, want, Kind(err), "err: %v", err)
	}
	assert.Equal(t, "", Kind(nil))
}
