package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "runner failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithBackend("runner")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrNoFaceDetected, "no face in characters[1]")
	wrapped := fmt.Errorf("assemble inputs: %w", inner)

	assert.Equal(t, ErrNoFaceDetected, GetErrorCode(wrapped))
	assert.False(t, IsRetryable(wrapped))

	e, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, e)

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[INVALID_REQUEST] prompt is required", NewError(ErrInvalidRequest, "prompt is required").Error())
	assert.Equal(t, "[INVALID_IMAGE] bad sketch: boom",
		Errorf(ErrInvalidImage, "bad %s", "sketch").WithCause(errors.New("boom")).Error())
}
