package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/songzhibin97/seoflow/types"
)

// Errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	// ErrSessionTerminal is returned when a mutation targets a finished session.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrInvariant is returned when a mutation would leave the session inconsistent.
	ErrInvariant = errors.New("session invariant violated")
)

// UpdateFunc mutates a private copy of a session. Returning an error aborts
// the update and nothing is written.
type UpdateFunc func(s *types.Session) error

// Storage defines the interface for persisting and retrieving workflow sessions.
type Storage interface {
	// CreateSession stores a new session.
	CreateSession(ctx context.Context, s types.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (types.Session, error)

	// UpdateSession applies fn atomically and returns the stored result.
	UpdateSession(ctx context.Context, id string, fn UpdateFunc) (types.Session, error)

	// ListSessions returns summaries matching the filter, newest first.
	ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error)

	// ClearTerminal removes terminal sessions last updated before the cutoff.
	ClearTerminal(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// checkNew validates a session before its first write.
func checkNew(s types.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return nil
}

// applyUpdate runs fn on a copy of current and returns the session to persist.
// Every backend funnels its mutations through here so the rules are identical.
func applyUpdate(current types.Session, fn UpdateFunc, now time.Time) (types.Session, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return types.Session{}, err
	}
	if current.Status.Terminal() {
		return types.Session{}, fmt.Errorf("%w: id=%s status=%s", ErrSessionTerminal, current.ID, current.Status)
	}
	if err := checkImmutable(current, next); err != nil {
		return types.Session{}, fmt.Errorf("%w: id=%s: %w", ErrInvariant, current.ID, err)
	}
	if current.Status != next.Status {
		if err := types.ValidateTransition(current.Status, next.Status); err != nil {
			return types.Session{}, fmt.Errorf("%w: id=%s: %w", ErrInvariant, current.ID, err)
		}
	}
	next.Normalize(now)
	if err := next.Validate(); err != nil {
		return types.Session{}, fmt.Errorf("%w: id=%s: %w", ErrInvariant, current.ID, err)
	}
	return next, nil
}

func checkImmutable(prev, next types.Session) error {
	switch {
	case prev.ID != next.ID:
		return errors.New("id is immutable")
	case prev.Keyword != next.Keyword:
		return errors.New("keyword is immutable")
	case prev.Mode != next.Mode:
		return errors.New("mode is immutable")
	case prev.Options != next.Options:
		return errors.New("options are immutable")
	case prev.CreatedAt != next.CreatedAt:
		return errors.New("created_at is immutable")
	}
	switch step := next.CurrentStage.Index() - prev.CurrentStage.Index(); {
	case step < 0:
		return fmt.Errorf("current stage regressed from %s to %s", prev.CurrentStage, next.CurrentStage)
	case step > 1:
		return fmt.Errorf("current stage skipped from %s to %s", prev.CurrentStage, next.CurrentStage)
	}
	for _, stage := range prev.Results.Keys() {
		before, _ := prev.Results.Get(stage)
		after, ok := next.Results.Get(stage)
		if !ok || !reflect.DeepEqual(before, after) {
			return fmt.Errorf("stage result %s is write-once", stage)
		}
	}
	return nil
}
