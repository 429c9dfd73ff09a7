package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Adapters wrap these with %w so callers can classify
// failures with errors.Is regardless of which endpoint produced them.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrUnavailable  = fmt.Errorf("platform unavailable")
)

// Sentinel errors for the generation pipeline.
var (
	// ErrStreamEmpty is returned when the stream closes before any chunk
	// arrives. There is nothing to fall back to.
	ErrStreamEmpty = fmt.Errorf("stream closed before any chunk was received")

	// ErrStreamFailed wraps an explicit error event from the generator.
	ErrStreamFailed = fmt.Errorf("generation stream reported an error")

	// ErrEntryMissing is recorded when finalized source does not define the
	// expected entry point.
	ErrEntryMissing = fmt.Errorf("entry point not defined by generated source")

	// ErrBudgetExhausted marks the terminal retry state.
	ErrBudgetExhausted = fmt.Errorf("automatic retry budget exhausted")

	// ErrSessionSuperseded is returned to an attempt whose results arrived
	// after a newer attempt started.
	ErrSessionSuperseded = fmt.Errorf("generation attempt superseded")

	// ErrManifestInvalid is recorded when a component manifest fails schema
	// validation.
	ErrManifestInvalid = fmt.Errorf("component manifest invalid")

	// ErrCapabilityDenied is returned when a harness requests a host
	// capability outside its grant.
	ErrCapabilityDenied = fmt.Errorf("capability denied")

	// ErrComponentNotFound is returned when no saved component exists for an
	// API identifier.
	ErrComponentNotFound = fmt.Errorf("saved component: %w", ErrNotFound)
)

// CompileError is the structured, absorbed form of a harness compilation or
// evaluation failure. The loader never lets the underlying panic or parse
// error escape; it records one of these instead.
type CompileError struct {
	// Stage is the loader stage that failed: "transform", "eval", "extract",
	// "instantiate" or "manifest".
	Stage string
	// Message is the underlying failure text, also used as previousError
	// context on the next retry.
	Message string
	// Entry is the entry point the loader was looking for.
	Entry string
}

func (e *CompileError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("compile %s (entry %s): %s", e.Stage, e.Entry, e.Message)
	}
	return fmt.Sprintf("compile %s: %s", e.Stage, e.Message)
}

// AsCompileError unwraps err into a *CompileError if one is in the chain.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Retryable reports whether err is eligible for an automatic retry.
// Compile errors, stream errors and transport failures retry; auth failures
// do not (a new token will not appear by waiting 1.5 seconds).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthInvalid) {
		return false
	}
	return true
}
