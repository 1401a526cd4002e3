package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/seoflow/types"
)

type memoryEntry struct {
	mu      sync.Mutex
	session types.Session
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// The map lock guards membership only; each session has its own lock so
// updates on different sessions never contend.
type MemoryStorage struct {
	sessions map[string]*memoryEntry
	mu       sync.RWMutex
	now      func() time.Time
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

// getEntry is a standalone generic helper function.
func getEntry[T any](ctx context.Context, m map[string]T, mu *sync.RWMutex, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// CreateSession stores a new session in memory.
func (s *MemoryStorage) CreateSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		if err := checkNew(sess); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.sessions[sess.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrSessionExists, sess.ID)
		}
		s.sessions[sess.ID] = &memoryEntry{session: sess.Clone()}
		return nil
	})
}

// GetSession retrieves a copy of a session from memory.
func (s *MemoryStorage) GetSession(ctx context.Context, id string) (types.Session, error) {
	entry, err := getEntry(ctx, s.sessions, &s.mu, id, ErrSessionNotFound)
	if err != nil {
		return types.Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Clone(), nil
}

// UpdateSession applies fn under the session's lock.
func (s *MemoryStorage) UpdateSession(ctx context.Context, id string, fn UpdateFunc) (types.Session, error) {
	entry, err := getEntry(ctx, s.sessions, &s.mu, id, ErrSessionNotFound)
	if err != nil {
		return types.Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	next, err := applyUpdate(entry.session, fn, s.now())
	if err != nil {
		return types.Session{}, err
	}
	entry.session = next
	return next.Clone(), nil
}

// ListSessions returns summaries of the stored sessions.
func (s *MemoryStorage) ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	return withContext(ctx, func() ([]types.SessionSummary, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		all := make([]types.SessionSummary, 0, len(s.sessions))
		for _, entry := range s.sessions {
			entry.mu.Lock()
			all = append(all, entry.session.Summary())
			entry.mu.Unlock()
		}
		return filter.Apply(all), nil
	})
}

// ClearTerminal removes completed, failed or cancelled sessions older than before.
func (s *MemoryStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cutoff := before.UnixMilli()
		removed := 0
		for id, entry := range s.sessions {
			entry.mu.Lock()
			stale := entry.session.Status.Terminal() && entry.session.UpdatedAt < cutoff
			entry.mu.Unlock()
			if stale {
				delete(s.sessions, id)
				removed++
			}
		}
		return removed, nil
	})
}
