package parser

import (
	"errors"
	"fmt"
)

// Task handler outcomes are classified through error wrapping: a nil
// error completes the job, Retryable releases it with backoff, Fatal
// buries it, Skip completes it without writing a field.

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

type skipError struct{ reason string }

func (e *skipError) Error() string { return "skipped: " + e.reason }

// Retryable marks an error as transient; the runtime releases the job
// with backoff until the attempt budget is exceeded.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal marks an error as permanent; the runtime buries the job.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Skip completes the job without recording a field.
func Skip(reason string) error {
	return &skipError{reason: reason}
}

// Retryablef is Retryable over a formatted error.
func Retryablef(format string, args ...interface{}) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Fatalf is Fatal over a formatted error.
func Fatalf(format string, args ...interface{}) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsRetryable reports whether an error was marked transient.
func IsRetryable(err error) bool {
	var target *retryableError
	return errors.As(err, &target)
}

// IsFatal reports whether an error was marked permanent.
func IsFatal(err error) bool {
	var target *fatalError
	return errors.As(err, &target)
}

// IsSkip reports whether the handler chose to skip the page.
func IsSkip(err error) bool {
	var target *skipError
	return errors.As(err, &target)
}
