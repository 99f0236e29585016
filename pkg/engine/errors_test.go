package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/hostplay/pkg/transports"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		code  string
	}{
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), ErrorClassTransient, ErrCodeTimeout},
		{"cancelled", context.Canceled, ErrorClassPermanent, ErrCodeCancelled},
		{"auth", &transports.TransportError{Op: "connect", Err: errors.New("no key"), IsAuthError: true}, ErrorClassPermanent, ErrCodePermissionDenied},
		{"network", &transports.TransportError{Op: "connect", Err: errors.New("refused"), IsTemporary: true}, ErrorClassTransient, ErrCodeUnreachable},
		{"other", errors.New("boom"), ErrorClassPermanent, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError("task failed", tt.err)
			assert.Equal(t, tt.class, got.Class)
			assert.Equal(t, tt.code, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyErrorKeepsExisting(t *testing.T) {
	orig := NewConflictError("locked", nil).WithCode(ErrCodeConflict)
	wrapped := fmt.Errorf("apply: %w", orig)

	assert.Same(t, orig, ClassifyError("ignored message", wrapped))
}

func TestEngineErrorFormatting(t *testing.T) {
	err := NewPermanentError("action failed", errors.New("exit 1")).
		WithResource("web1").
		WithOperation("apt")
	assert.Equal(t, "[permanent] action failed (resource=web1, operation=apt): exit 1", err.Error())

	err = NewTransientError("connect", nil).WithResource("web2")
	assert.Equal(t, "[transient] connect (resource=web2): ", err.Error())
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewPermanentError("x", nil).WithCode(ErrCodeTemplate))

	assert.True(t, errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTemplate}))
	assert.False(t, errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCondition}))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsRetryable(err))
}

func TestEngineErrorDetails(t *testing.T) {
	err := NewThrottledError("smtp busy", nil).
		WithDetail("retry_after", "30s").
		WithDetail("relay", "mail.example.org")

	assert.True(t, IsThrottled(err))
	assert.Equal(t, "30s", err.Details["retry_after"])
	assert.Len(t, err.Details, 2)
}
