package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/seoflow/storage"
)

// Standard error definitions
var (
	// ErrValidation is returned for malformed caller input; nothing is mutated.
	ErrValidation = errors.New("validation error")
	// ErrInvalidState is returned when an operation does not apply to the
	// session's current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// errStaleCommit aborts a runner commit when the session moved on without it.
	errStaleCommit = errors.New("stale commit")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStateErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// translateStoreErr maps storage sentinels onto the engine's taxonomy.
func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, storage.ErrSessionNotFound):
		return &storeError{kind: ErrNotFound, err: err}
	case errors.Is(err, storage.ErrSessionTerminal):
		return &storeError{kind: ErrInvalidState, err: err}
	default:
		return err
	}
}

// storeError matches both the engine sentinel and the storage error while
// keeping the storage message, which already names the session.
type storeError struct {
	kind error
	err  error
}

func (e *storeError) Error() string   { return e.err.Error() }
func (e *storeError) Unwrap() []error { return []error{e.kind, e.err} }
