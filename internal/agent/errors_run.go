package agent

import (
	"errors"
	"fmt"
)

// RunError is a fatal, run-terminating error. Its Reason is one of the
// fixed-template strings documented in the error handling design so
// external observers can pattern-match on RunResult.FatalError.
type RunError struct {
	Reason string
	Cause  error
}

// NewRunError builds a fatal run error from a fixed-template reason string.
func NewRunError(reason string) *RunError {
	return &RunError{Reason: reason}
}

// NewRunErrorWithCause builds a fatal run error wrapping an underlying cause.
func NewRunErrorWithCause(reason string, cause error) *RunError {
	return &RunError{Reason: reason, Cause: cause}
}

func (e *RunError) Error() string { return e.Reason }

func (e *RunError) Unwrap() error { return e.Cause }

// IsRunError reports whether err is or wraps a RunError.
func IsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// RateLimitedError indicates a provider stream ended because of a rate
// limit. RetryAfterMs is nil when the provider gave no retry hint, in which
// case the decoder treats it as fatal.
type RateLimitedError struct {
	RetryAfterMs *int
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfterMs != nil {
		return fmt.Sprintf("rate limited, retry after %dms", *e.RetryAfterMs)
	}
	return "rate limited"
}

// IsRateLimited reports whether err is or wraps a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
