package capability

import (
	"context"
	"errors"
	"net"
)

// TransientError marks a failure worth retrying: timeouts, rate limits,
// upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: invalid input,
// malformed output, misconfiguration.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient classifies an error returned by a capability. Explicit
// wrappers win; deadline overruns and network timeouts are transient;
// anything else is fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
