package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Stage: "extract", Message: "function not found", Entry: "CustomAPITest"}
	want := "compile extract (entry CustomAPITest): function not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestCompileErrorFormatNoEntry(t *testing.T) {
	err := &CompileError{Stage: "manifest", Message: "bad engine"}
	want := "compile manifest: bad engine"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestAsCompileError(t *testing.T) {
	inner := &CompileError{Stage: "eval", Message: "syntax error"}
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	ce, ok := AsCompileError(wrapped)
	if !ok {
		t.Fatal("AsCompileError should match through %w")
	}
	if ce.Stage != "eval" {
		t.Errorf("Stage = %q, want eval", ce.Stage)
	}

	if _, ok := AsCompileError(fmt.Errorf("plain error")); ok {
		t.Error("plain error must not match")
	}
}

func TestComponentNotFoundIsNotFound(t *testing.T) {
	assert.True(t, errors.Is(ErrComponentNotFound, ErrNotFound))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(ErrAuthInvalid))
	assert.False(t, Retryable(fmt.Errorf("load: %w", ErrAuthInvalid)))

	assert.True(t, Retryable(ErrStreamEmpty))
	assert.True(t, Retryable(&CompileError{Stage: "eval", Message: "boom"}))
	assert.True(t, Retryable(fmt.Errorf("open stream: %w", ErrUnavailable)))
	assert.True(t, Retryable(ErrRateLimit))
}
