package retry

import (
	"errors"
	"fmt"

	"github.com/ptmai/mailpipe/internal/core/domain"
)

// RetryableError marks a failure as transient so the policy will retry it.
// Callers decide which error kinds are eligible for retry at all; the policy
// only governs how long and how often.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps an error as transient. Returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Retryablef builds a transient error from a format string.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether an error is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ExhaustedError is returned when retries are abandoned, either because the
// attempt budget ran out or the TTL elapsed. It carries the dead-letter
// diagnostic built at abandonment time.
type ExhaustedError struct {
	Last       error
	Diagnostic *domain.DeadLetter
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v",
		e.Diagnostic.AttemptCount, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
