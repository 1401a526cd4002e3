package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepFailsAbandonedSessions(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 15 * time.Minute
	later := func() time.Time { return time.Now().Add(time.Hour) }
	e, store := newTestEngine(t, capability.Uniform(&MockCapability{}), WithConfig(cfg), WithClock(later))
	ctx := context.Background()

	running := types.NewSession("seo-workflow-a-20250101000000", "誕生花", types.ModeFullAuto, types.Options{}, time.Now())
	require.NoError(t, store.CreateSession(ctx, running))
	_, err := store.UpdateSession(ctx, running.ID, func(s *types.Session) error {
		s.Status = types.StatusRunning
		return nil
	})
	require.NoError(t, err)

	waiting := types.NewSession("seo-workflow-b-20250101000000", "花言葉", types.ModeSemiAuto, types.Options{}, time.Now())
	require.NoError(t, store.CreateSession(ctx, waiting))
	_, err = store.UpdateSession(ctx, waiting.ID, func(s *types.Session) error {
		s.Status = types.StatusRunning
		return nil
	})
	require.NoError(t, err)
	_, err = store.UpdateSession(ctx, waiting.ID, func(s *types.Session) error {
		s.Status = types.StatusWaitingApproval
		s.PendingApproval = &types.PendingApproval{Stage: types.StageResearch, ProposedData: &types.ResearchResult{}}
		return nil
	})
	require.NoError(t, err)

	n, err := e.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := e.Status(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, types.ErrorKindStale, view.Error.Kind)
	assert.Equal(t, types.StageResearch, view.Error.Stage)

	// Waiting for a human is not abandonment.
	view, err = e.Status(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitingApproval, view.Status)

	n, err = e.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSkipsFreshAndActiveSessions(t *testing.T) {
	release := make(chan struct{})
	blocking := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return capability.Output{}, ctx.Err()
		}
		return capability.Output{Result: cannedResult(in.Stage, in.Keyword)}, nil
	})
	cfg := testConfig()
	cfg.StaleAfter = time.Minute
	clock := time.Now()
	e, store := newTestEngine(t, capability.Uniform(blocking), WithConfig(cfg), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	fresh := types.NewSession("seo-workflow-c-20250101000000", "誕生花", types.ModeFullAuto, types.Options{}, time.Now())
	require.NoError(t, store.CreateSession(ctx, fresh))

	id, err := e.Start(ctx, StartRequest{Keyword: "花言葉", Mode: "full_auto"})
	require.NoError(t, err)
	waitForStatus(t, e, id, types.StatusRunning)

	n, err := e.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	waitForStatus(t, e, id, types.StatusCompleted)
}

func TestSupervisorStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	later := func() time.Time { return time.Now().Add(time.Hour) }
	e, store := newTestEngine(t, capability.Uniform(&MockCapability{}), WithConfig(cfg), WithClock(later))
	ctx := context.Background()

	orphan := types.NewSession("seo-workflow-d-20250101000000", "誕生花", types.ModeFullAuto, types.Options{}, time.Now())
	require.NoError(t, store.CreateSession(ctx, orphan))

	waitForStatus(t, e, orphan.ID, types.StatusFailed)
	e.supervisor.Stop()
	e.supervisor.Stop()
}
