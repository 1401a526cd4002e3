package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/seoflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a sample session
func newSession(id, keyword string, createdAt int64) types.Session {
	return types.NewSession(id, keyword, types.ModeSemiAuto, types.Options{}, time.UnixMilli(createdAt))
}

func startRunning(s *types.Session) error {
	s.Status = types.StatusRunning
	return nil
}

func advanceResearch(s *types.Session) error {
	if err := s.Results.Set(&types.ResearchResult{RelatedKeywords: []string{"花言葉"}}); err != nil {
		return err
	}
	s.CurrentStage = types.StagePlanning
	return nil
}

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		sess := newSession("s-1", "誕生花", 1000)
		require.NoError(t, store.CreateSession(ctx, sess))

		got, err := store.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, sess, got)

		err = store.CreateSession(ctx, sess)
		assert.ErrorIs(t, err, ErrSessionExists)

		_, err = store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("CreateRejectsInvalid", func(t *testing.T) {
		store := newStore(t)
		sess := newSession("s-bad", "  ", 1000)
		err := store.CreateSession(context.Background(), sess)
		assert.ErrorIs(t, err, ErrInvariant)
	})

	t.Run("UpdateDerivesFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("s-2", "kw", 1000)))

		_, err := store.UpdateSession(ctx, "s-2", startRunning)
		require.NoError(t, err)
		got, err := store.UpdateSession(ctx, "s-2", advanceResearch)
		require.NoError(t, err)
		assert.Equal(t, types.StagePlanning, got.CurrentStage)
		assert.Equal(t, types.ProgressFor(1), got.Progress)
		assert.Greater(t, got.UpdatedAt, got.CreatedAt)

		stored, err := store.GetSession(ctx, "s-2")
		require.NoError(t, err)
		assert.Equal(t, got, stored)
	})

	t.Run("UpdateMutatorErrorWritesNothing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("s-3", "kw", 1000)))

		boom := errors.New("boom")
		_, err := store.UpdateSession(ctx, "s-3", func(s *types.Session) error {
			s.Status = types.StatusRunning
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetSession(ctx, "s-3")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
	})

	t.Run("UpdateRejectsInvariantViolations", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("s-4", "kw", 1000)))
		_, err := store.UpdateSession(ctx, "s-4", startRunning)
		require.NoError(t, err)

		tests := []struct {
			name string
			fn   UpdateFunc
		}{
			{"waiting without payload", func(s *types.Session) error {
				s.Status = types.StatusWaitingApproval
				return nil
			}},
			{"failed without error", func(s *types.Session) error {
				s.Status = types.StatusFailed
				return nil
			}},
			{"skip a stage", func(s *types.Session) error {
				s.CurrentStage = types.StageWriting
				return nil
			}},
			{"result ahead of stage", func(s *types.Session) error {
				s.Results.Planning = &types.PlanningResult{}
				return nil
			}},
			{"completed early", func(s *types.Session) error {
				s.Status = types.StatusCompleted
				return nil
			}},
			{"keyword changed", func(s *types.Session) error {
				s.Keyword = "other"
				return nil
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := store.UpdateSession(ctx, "s-4", tt.fn)
				assert.ErrorIs(t, err, ErrInvariant)
			})
		}

		got, err := store.GetSession(ctx, "s-4")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status)
		assert.Equal(t, types.StageResearch, got.CurrentStage)
		assert.Equal(t, 0, got.Results.Len())
	})

	t.Run("ResultsAreWriteOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("s-5", "kw", 1000)))
		_, err := store.UpdateSession(ctx, "s-5", startRunning)
		require.NoError(t, err)
		_, err = store.UpdateSession(ctx, "s-5", advanceResearch)
		require.NoError(t, err)

		_, err = store.UpdateSession(ctx, "s-5", func(s *types.Session) error {
			s.Results.Research.RelatedKeywords = []string{"rewritten"}
			return nil
		})
		assert.ErrorIs(t, err, ErrInvariant)
	})

	t.Run("TerminalIsFrozen", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("s-6", "kw", 1000)))
		_, err := store.UpdateSession(ctx, "s-6", func(s *types.Session) error {
			s.Status = types.StatusCancelled
			return nil
		})
		require.NoError(t, err)

		_, err = store.UpdateSession(ctx, "s-6", startRunning)
		assert.ErrorIs(t, err, ErrSessionTerminal)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.UpdateSession(context.Background(), "missing", startRunning)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("ListSessions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("l-1", "k1", 1000)))
		require.NoError(t, store.CreateSession(ctx, newSession("l-2", "k2", 3000)))
		require.NoError(t, store.CreateSession(ctx, newSession("l-3", "k1", 2000)))
		_, err := store.UpdateSession(ctx, "l-3", startRunning)
		require.NoError(t, err)

		all, err := store.ListSessions(ctx, types.SessionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "l-2", all[0].ID)
		assert.Equal(t, "l-3", all[1].ID)
		assert.Equal(t, "l-1", all[2].ID)

		running, err := store.ListSessions(ctx, types.SessionFilter{Status: types.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "l-3", running[0].ID)

		limited, err := store.ListSessions(ctx, types.SessionFilter{Keyword: "k1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "l-3", limited[0].ID)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("c-1", "kw", 1000)))
		require.NoError(t, store.CreateSession(ctx, newSession("c-2", "kw", 1000)))
		_, err := store.UpdateSession(ctx, "c-2", func(s *types.Session) error {
			s.Status = types.StatusCancelled
			return nil
		})
		require.NoError(t, err)

		removed, err := store.ClearTerminal(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.GetSession(ctx, "c-1")
		assert.NoError(t, err)
		_, err = store.GetSession(ctx, "c-2")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.CreateSession(ctx, newSession("x-1", "kw", 1000))
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.GetSession(ctx, "x-1")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.UpdateSession(ctx, "x-1", startRunning)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListSessions(ctx, types.SessionFilter{})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ClearTerminal(ctx, time.Now())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentUpdatesAreSerialized", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateSession(ctx, newSession("p-1", "kw", 1000)))
		_, err := store.UpdateSession(ctx, "p-1", startRunning)
		require.NoError(t, err)

		// Every writer tries to commit the research result; exactly one may win.
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.UpdateSession(ctx, "p-1", func(s *types.Session) error {
					if s.CurrentStage != types.StageResearch {
						return fmt.Errorf("writer %d lost", i)
					}
					return advanceResearch(s)
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			if err == nil {
				wins++
			}
		}
		assert.Equal(t, 1, wins)

		got, err := store.GetSession(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, []types.Stage{types.StageResearch}, got.Results.Keys())
	})
}
