package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/seoflow/events"
	"github.com/songzhibin97/seoflow/storage"
	"github.com/songzhibin97/seoflow/types"
)

// Supervisor fails sessions that claim to be PENDING or RUNNING but have no
// live runner and have not been touched for staleAfter, e.g. after a crash.
type Supervisor struct {
	store      storage.Storage
	runner     *Runner
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
	publish    func(ctx context.Context, eventType, sessionID string, data map[string]interface{})

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs Sweep every interval until Stop. Calling Start twice is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("stale sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("stale sweep", "failed_sessions", n)
			}
		}
	}
}

// Stop halts the ticker and waits for an in-flight sweep.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep marks abandoned sessions FAILED and returns how many it changed.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter).UnixMilli()
	count := 0
	for _, status := range []types.Status{types.StatusPending, types.StatusRunning} {
		rows, err := s.store.ListSessions(ctx, types.SessionFilter{Status: status})
		if err != nil {
			return count, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, row := range rows {
			if row.UpdatedAt > cutoff || s.runner.Active(row.ID) {
				continue
			}
			sess, err := s.store.UpdateSession(ctx, row.ID, func(sess *types.Session) error {
				if sess.Status != row.Status || sess.UpdatedAt != row.UpdatedAt {
					return errStaleCommit
				}
				sess.Status = types.StatusFailed
				sess.Error = &types.SessionError{
					Stage:   sess.CurrentStage,
					Message: fmt.Sprintf("no progress since %s", time.UnixMilli(row.UpdatedAt).UTC().Format(time.RFC3339)),
					Kind:    types.ErrorKindStale,
				}
				return nil
			})
			if err != nil {
				if errors.Is(err, errStaleCommit) || errors.Is(err, storage.ErrSessionTerminal) ||
					errors.Is(err, storage.ErrSessionNotFound) {
					continue
				}
				return count, fmt.Errorf("fail stale session %s: %w", row.ID, err)
			}
			count++
			s.logger.Warn("session marked stale", "session_id", sess.ID, "stage", string(sess.CurrentStage))
			s.publish(ctx, events.TypeErrorOccurred, sess.ID, map[string]interface{}{
				"stage": string(sess.CurrentStage),
				"kind":  sess.Error.Kind,
				"error": sess.Error.Message,
			})
			s.publish(ctx, events.TypeStateChanged, sess.ID, map[string]interface{}{
				"status":        string(sess.Status),
				"current_stage": string(sess.CurrentStage),
				"progress":      sess.Progress,
			})
		}
	}
	return count, nil
}
