package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/seoflow/events"
	"github.com/songzhibin97/seoflow/storage"
	"github.com/songzhibin97/seoflow/types"
)

// Runner drives sessions through the pipeline, one goroutine per active
// session. Within a process a session has at most one runner; across
// processes the commit guard in UpdateSession discards stale work.
type Runner struct {
	store   storage.Storage
	exec    *StageExecutor
	publish func(ctx context.Context, eventType, sessionID string, data map[string]interface{})
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
	sem    chan struct{}
}

type runHandle struct {
	cancel context.CancelFunc
	// halt asks the runner to stop before its next attempt.
	halt   chan struct{}
	halted bool
	// again is set when Spawn races with a runner that is about to exit.
	again bool
}

func newRunner(store storage.Storage, exec *StageExecutor, maxConcurrent int, logger *slog.Logger,
	publish func(ctx context.Context, eventType, sessionID string, data map[string]interface{})) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		exec:    exec,
		publish: publish,
		logger:  logger,
		baseCtx: ctx,
		stop:    cancel,
		active:  make(map[string]*runHandle),
	}
	if maxConcurrent > 0 {
		r.sem = make(chan struct{}, maxConcurrent)
	}
	return r
}

// Spawn starts a runner for id unless one is already active. It reports
// whether a new goroutine was started. When a runner is active it is asked
// to look at the session once more before exiting.
func (r *Runner) Spawn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseCtx.Err() != nil {
		return false
	}
	if h, ok := r.active[id]; ok {
		h.again = true
		return false
	}
	r.start(id)
	return true
}

// start launches the goroutine; r.mu must be held.
func (r *Runner) start(id string) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	h := &runHandle{cancel: cancel, halt: make(chan struct{})}
	r.active[id] = h
	r.wg.Add(1)
	go r.run(ctx, h.halt, id)
}

// Active reports whether a runner for id is live in this process.
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Interrupt asks the runner for id, if any, to stop between attempts. A
// capability call in flight runs to completion and its result is dropped
// by the commit guard.
func (r *Runner) Interrupt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.active[id]; ok {
		h.again = false
		if !h.halted {
			h.halted = true
			close(h.halt)
		}
	}
}

// Wait blocks until every runner goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown interrupts all runners and waits for them, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	if h, ok := r.active[id]; ok {
		h.cancel()
		delete(r.active, id)
		if h.again && r.baseCtx.Err() == nil {
			r.start(id)
		}
	}
	r.mu.Unlock()
	r.wg.Done()
}

func (r *Runner) run(ctx context.Context, halt <-chan struct{}, id string) {
	defer r.release(id)
	logger := r.logger.With("session_id", id)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("runner panicked", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return
		}
	}

	// Commits must land even if the runner is being shut down mid-write.
	commitCtx := context.WithoutCancel(ctx)

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		logger.Error("load session", "error", err)
		return
	}
	if sess.Status == types.StatusPending {
		sess, err = r.commit(commitCtx, id, types.StatusPending, sess.CurrentStage, func(s *types.Session) error {
			s.Status = types.StatusRunning
			return nil
		})
		if err != nil {
			r.logCommitErr(logger, "start", err)
			return
		}
		r.publishState(ctx, sess)
	}
	if sess.Status != types.StatusRunning {
		logger.Debug("nothing to run", "status", string(sess.Status))
		return
	}

	for {
		stage := sess.CurrentStage

		// The last stage was approved through the gate; only completion is left.
		if sess.Results.Has(stage) {
			sess, err = r.commit(commitCtx, id, types.StatusRunning, stage, func(s *types.Session) error {
				s.Status = types.StatusCompleted
				return nil
			})
			if err != nil {
				r.commitFailed(ctx, commitCtx, logger, id, stage, 0, "complete", err)
				return
			}
			r.publishCompleted(ctx, sess)
			return
		}

		started := time.Now()
		outcome := r.exec.RunUntil(ctx, halt, sess, stage)
		logger.Debug("stage finished", "stage", string(stage), "outcome", outcome.Kind.String(),
			"attempts", outcome.Attempts, "elapsed", time.Since(started).String())

		switch outcome.Kind {
		case OutcomeInterrupted:
			logger.Info("runner interrupted", "stage", string(stage))
			return

		case OutcomeAdvance:
			sess, err = r.commit(commitCtx, id, types.StatusRunning, stage, func(s *types.Session) error {
				if err := s.Results.Set(outcome.Result); err != nil {
					return err
				}
				if next, ok := stage.Next(); ok {
					s.CurrentStage = next
				} else {
					s.Status = types.StatusCompleted
				}
				return nil
			})
			if err != nil {
				r.commitFailed(ctx, commitCtx, logger, id, stage, outcome.Attempts, "advance", err)
				return
			}
			r.publish(ctx, events.TypeStageCompleted, id, map[string]interface{}{
				"stage":    string(stage),
				"progress": sess.Progress,
			})
			if sess.Status == types.StatusCompleted {
				r.publishCompleted(ctx, sess)
				return
			}

		case OutcomePause:
			sess, err = r.commit(commitCtx, id, types.StatusRunning, stage, func(s *types.Session) error {
				s.Status = types.StatusWaitingApproval
				s.PendingApproval = outcome.Approval
				return nil
			})
			if err != nil {
				r.commitFailed(ctx, commitCtx, logger, id, stage, outcome.Attempts, "pause", err)
				return
			}
			logger.Info("waiting for approval", "stage", string(stage))
			r.publishState(ctx, sess)
			r.publish(ctx, events.TypePendingApproval, id, map[string]interface{}{
				"stage":   string(stage),
				"message": outcome.Approval.Message,
			})
			return

		case OutcomeFail:
			r.failSession(ctx, commitCtx, logger, id, stage, outcome.Err)
			return
		}
	}
}

// failSession records serr and publishes the failure. The terminal
// state_changed event comes last.
func (r *Runner) failSession(ctx, commitCtx context.Context, logger *slog.Logger, id string, stage types.Stage, serr *types.SessionError) {
	sess, err := r.commit(commitCtx, id, types.StatusRunning, stage, func(s *types.Session) error {
		s.Status = types.StatusFailed
		s.Error = serr
		return nil
	})
	if err != nil {
		r.logCommitErr(logger, "fail", err)
		return
	}
	logger.Warn("session failed", "stage", string(stage), "kind", serr.Kind, "error", serr.Message)
	r.publish(ctx, events.TypeErrorOccurred, id, map[string]interface{}{
		"stage":    string(stage),
		"kind":     serr.Kind,
		"error":    serr.Message,
		"attempts": serr.Attempts,
	})
	r.publishState(ctx, sess)
}

// commitFailed handles a rejected advance, pause or complete commit. Stale
// commits are dropped; anything else fails the session so it is not left
// RUNNING with no runner.
func (r *Runner) commitFailed(ctx, commitCtx context.Context, logger *slog.Logger, id string, stage types.Stage, attempts int, op string, err error) {
	if errors.Is(err, errStaleCommit) || errors.Is(err, storage.ErrSessionTerminal) {
		r.logCommitErr(logger, op, err)
		return
	}
	logger.Error("commit failed", "op", op, "error", err)
	r.failSession(ctx, commitCtx, logger, id, stage, &types.SessionError{
		Stage:    stage,
		Message:  fmt.Sprintf("%s: %v", op, err),
		Kind:     types.ErrorKindFatal,
		Attempts: attempts,
	})
}

// commit applies fn only if the session is still in the status and stage
// the runner last observed.
func (r *Runner) commit(ctx context.Context, id string, status types.Status, stage types.Stage, fn storage.UpdateFunc) (types.Session, error) {
	return r.store.UpdateSession(ctx, id, func(s *types.Session) error {
		if s.Status != status || s.CurrentStage != stage {
			return fmt.Errorf("%w: expected %s at %s, found %s at %s",
				errStaleCommit, status, stage, s.Status, s.CurrentStage)
		}
		return fn(s)
	})
}

func (r *Runner) logCommitErr(logger *slog.Logger, op string, err error) {
	if errors.Is(err, errStaleCommit) || errors.Is(err, storage.ErrSessionTerminal) {
		logger.Info("discarding stale commit", "op", op, "reason", err.Error())
		return
	}
	logger.Error("commit failed", "op", op, "error", err)
}

func (r *Runner) publishState(ctx context.Context, s types.Session) {
	r.publish(ctx, events.TypeStateChanged, s.ID, map[string]interface{}{
		"status":        string(s.Status),
		"current_stage": string(s.CurrentStage),
		"progress":      s.Progress,
	})
}

// publishCompleted carries the completion notification: keyword, word count
// and SEO score when those stages produced them. The terminal state_changed
// event always comes last.
func (r *Runner) publishCompleted(ctx context.Context, s types.Session) {
	r.logger.Info("workflow completed", "session_id", s.ID, "keyword", s.Keyword)
	data := map[string]interface{}{
		"keyword":  s.Keyword,
		"progress": s.Progress,
	}
	if w := s.Results.Writing; w != nil {
		data["word_count"] = w.WordCount
		data["title"] = w.Title
	}
	if a := s.Results.Analysis; a != nil {
		data["seo_score"] = a.SEOScore
	}
	r.publish(ctx, events.TypeWorkflowCompleted, s.ID, data)
	r.publishState(ctx, s)
}
