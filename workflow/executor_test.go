package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/logging"
	"github.com/songzhibin97/seoflow/rules"
	"github.com/songzhibin97/seoflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BackoffInitial: time.Second, BackoffMax: 10 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(40))
}

func newTestExecutor(caps capability.Set, approval rules.ApprovalRules) *StageExecutor {
	return &StageExecutor{
		caps:      caps,
		offline:   caps,
		rules:     approval,
		evaluator: rules.NewExprEvaluator(),
		policy:    RetryPolicy{MaxAttempts: 3, StageTimeout: 50 * time.Millisecond, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond},
		logger:    logging.Discard(),
		now:       func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func TestExecutorOutcomes(t *testing.T) {
	semi := types.NewSession("s-1", "誕生花", types.ModeSemiAuto, types.Options{UseRealData: true}, time.Now())
	full := types.NewSession("s-2", "誕生花", types.ModeFullAuto, types.Options{UseRealData: true}, time.Now())

	t.Run("pause carries the proposal verbatim", func(t *testing.T) {
		mock := &MockCapability{approve: map[types.Stage]bool{types.StageResearch: true}}
		x := newTestExecutor(capability.Uniform(mock), nil)
		out := x.Run(context.Background(), semi, types.StageResearch)
		require.Equal(t, OutcomePause, out.Kind, out.Kind.String())
		assert.Equal(t, types.StageResearch, out.Approval.Stage)
		assert.Equal(t, cannedResult(types.StageResearch, "誕生花"), out.Approval.ProposedData)
		assert.Equal(t, int64(1700000000000), out.Approval.RequestedAt)
		assert.Nil(t, out.Result)
	})

	t.Run("full auto advances", func(t *testing.T) {
		mock := &MockCapability{approve: map[types.Stage]bool{types.StageResearch: true}}
		x := newTestExecutor(capability.Uniform(mock), nil)
		out := x.Run(context.Background(), full, types.StageResearch)
		assert.Equal(t, OutcomeAdvance, out.Kind)
		assert.Equal(t, 1, out.Attempts)
	})

	t.Run("rule pauses", func(t *testing.T) {
		x := newTestExecutor(capability.Uniform(&MockCapability{}),
			rules.ApprovalRules{types.StageResearch: `mode == "semi_auto" && completed == 0`})
		out := x.Run(context.Background(), semi, types.StageResearch)
		assert.Equal(t, OutcomePause, out.Kind)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		slow := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
			<-ctx.Done()
			return capability.Output{}, ctx.Err()
		})
		x := newTestExecutor(capability.Uniform(slow), nil)
		out := x.Run(context.Background(), full, types.StageResearch)
		require.Equal(t, OutcomeFail, out.Kind)
		assert.Equal(t, types.ErrorKindTransient, out.Err.Kind)
		assert.Equal(t, 3, out.Attempts)
	})

	t.Run("explicit fatal", func(t *testing.T) {
		bad := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
			return capability.Output{}, capability.Fatal(errors.New("quota exhausted"))
		})
		x := newTestExecutor(capability.Uniform(bad), nil)
		out := x.Run(context.Background(), full, types.StageResearch)
		require.Equal(t, OutcomeFail, out.Kind)
		assert.Equal(t, types.ErrorKindFatal, out.Err.Kind)
		assert.Equal(t, 1, out.Err.Attempts)
	})

	t.Run("cancelled parent interrupts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		blocking := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
			cancel()
			return capability.Output{}, capability.Transient(errors.New("interrupted"))
		})
		x := newTestExecutor(capability.Uniform(blocking), nil)
		out := x.Run(ctx, full, types.StageResearch)
		assert.Equal(t, OutcomeInterrupted, out.Kind)
	})

	t.Run("halt stops retries", func(t *testing.T) {
		halt := make(chan struct{})
		var calls int
		flaky := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
			calls++
			close(halt)
			return capability.Output{}, capability.Transient(errors.New("rate limited"))
		})
		x := newTestExecutor(capability.Uniform(flaky), nil)
		out := x.RunUntil(context.Background(), halt, full, types.StageResearch)
		assert.Equal(t, OutcomeInterrupted, out.Kind)
		assert.Equal(t, 1, calls)
	})

	t.Run("halt lets the call in flight finish", func(t *testing.T) {
		halt := make(chan struct{})
		mock := &MockCapability{}
		slow := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
			close(halt)
			assert.NoError(t, ctx.Err())
			return mock.Execute(ctx, in)
		})
		x := newTestExecutor(capability.Uniform(slow), nil)
		out := x.RunUntil(context.Background(), halt, full, types.StageResearch)
		assert.Equal(t, OutcomeAdvance, out.Kind)
	})

	t.Run("missing capability", func(t *testing.T) {
		x := newTestExecutor(capability.Set{}, nil)
		out := x.Run(context.Background(), full, types.StageResearch)
		require.Equal(t, OutcomeFail, out.Kind)
		assert.Contains(t, out.Err.Message, "no capability")
	})
}

func TestExecutorPassesPriorResults(t *testing.T) {
	s := types.NewSession("s-1", "誕生花", types.ModeFullAuto, types.Options{UseRealData: true}, time.Now())
	require.NoError(t, s.Results.Set(&types.ResearchResult{RelatedKeywords: []string{"花言葉"}}))
	s.CurrentStage = types.StagePlanning

	var seen capability.Input
	spy := capability.Func(func(ctx context.Context, in capability.Input) (capability.Output, error) {
		seen = in
		in.Prior.Research.RelatedKeywords[0] = "mutated"
		return capability.Output{Result: &types.PlanningResult{}}, nil
	})
	x := newTestExecutor(capability.Uniform(spy), nil)
	out := x.Run(context.Background(), s, types.StagePlanning)
	require.Equal(t, OutcomeAdvance, out.Kind)

	assert.Equal(t, "s-1", seen.SessionID)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, types.DefaultTargetWordCount, seen.Options.TargetWordCount)
	assert.Equal(t, "花言葉", s.Results.Research.RelatedKeywords[0])
}
