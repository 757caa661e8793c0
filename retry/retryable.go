package retry

import (
	"errors"
	"strings"
)

// RetryableError marks an error as eligible or ineligible for retry,
// overriding the signature heuristics.
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether an error looks like a transient rate-limit or
// quota condition. Only those are worth a backoff retry; anything
// deterministic (bad input, malformed response) fails the same way every
// time and retrying it just burns budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"429",
		"rate limit",
		"rate_limit",
		"too many requests",
		"quota",
		"throttl",
		"overloaded",
	}
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Retryable() bool {
	return true
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// NewRetryableError marks err as a transient failure eligible for retry.
func NewRetryableError(err error) RetryableError {
	return &retryableError{err: err}
}

// FatalError represents an error that should never be retried, regardless
// of what its message looks like.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Retryable() bool {
	return false
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError marks err as ineligible for retry.
func NewFatalError(err error) *FatalError {
	return &FatalError{err: err}
}
