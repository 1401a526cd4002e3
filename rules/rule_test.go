package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/seoflow/types"
)

func whitepaperSession(t *testing.T, completed ...types.StageResult) types.Session {
	t.Helper()
	sess := types.NewSession("seo-workflow-1", "誕生花", types.ModeSemiAuto, types.Options{
		ContentType:     "whitepaper",
		TargetAudience:  "花屋",
		TargetWordCount: 6000,
	}, time.UnixMilli(1))
	for _, r := range completed {
		require.NoError(t, sess.Results.Set(r))
	}
	return sess
}

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()
	env := Env(whitepaperSession(t, &types.ResearchResult{}), types.StagePlanning)

	tests := []struct {
		name       string
		expression string
		want       bool
		wantErr    string
	}{
		{name: "string match", expression: `content_type == "whitepaper"`, want: true},
		{name: "numeric threshold", expression: `target_word_count > 8000`, want: false},
		{name: "stage and progress", expression: `stage == "planning" && completed == 1`, want: true},
		{name: "membership", expression: `"research" in completed_stages`, want: true},
		{name: "non-boolean", expression: `target_word_count + 1`, wantErr: "expected bool"},
		{name: "syntax error", expression: `keyword >>> 1`, wantErr: "compile"},
		{name: "unknown variable", expression: `budget > 10`, wantErr: "unknown name budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, env)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("programs are cached", func(t *testing.T) {
		_, err := evaluator.Evaluate(`mode == "semi_auto"`, env)
		require.NoError(t, err)
		evaluator.mu.RLock()
		_, cached := evaluator.cache[`mode == "semi_auto"`]
		evaluator.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := evaluator.Evaluate(`keyword == "誕生花"`, env)
				assert.NoError(t, err)
				assert.True(t, got)
			}()
		}
		wg.Wait()
	})
}

func TestOptionFuncs(t *testing.T) {
	e := NewExprEvaluator()
	env := Env(whitepaperSession(t, &types.ResearchResult{}, &types.PlanningResult{}), types.StageWriting)

	_, err := e.Evaluate(`has_result("planning")`, env)
	require.Error(t, err, "helper is not registered yet")

	e.AddOptionFunc("has_result", HasResultFunc)
	got, err := e.Evaluate(`has_result("planning") && !has_result("writing")`, env)
	require.NoError(t, err)
	assert.True(t, got)
	assert.NotContains(t, env, "has_result", "caller env is not modified")
}

func TestApprovalRules(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("has_result", HasResultFunc)

	rules, err := ParseApprovalRules(map[string]string{
		"Editing":    `content_type == "whitepaper" && has_result("writing")`,
		"publishing": `target_word_count > 8000`,
		"analysis":   `keyword + "x"`,
	})
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	_, err = ParseApprovalRules(map[string]string{"drafting": "true"})
	assert.Error(t, err)

	sess := whitepaperSession(t, &types.ResearchResult{}, &types.PlanningResult{}, &types.WritingResult{})

	need, err := rules.RequiresApproval(evaluator, sess, types.StageEditing)
	require.NoError(t, err)
	assert.True(t, need)

	need, err = rules.RequiresApproval(evaluator, sess, types.StagePublishing)
	require.NoError(t, err)
	assert.False(t, need)

	need, err = rules.RequiresApproval(evaluator, sess, types.StageResearch)
	require.NoError(t, err)
	assert.False(t, need, "stages without a rule never ask")

	need, err = rules.RequiresApproval(nil, sess, types.StageEditing)
	require.NoError(t, err)
	assert.False(t, need, "no evaluator, no rule")

	_, err = rules.RequiresApproval(evaluator, sess, types.StageAnalysis)
	assert.Error(t, err)

	assert.Error(t, rules.Validate(evaluator))
	delete(rules, types.StageAnalysis)
	assert.NoError(t, rules.Validate(evaluator))

	env := Env(sess, types.StageEditing)
	assert.Equal(t, 3, env["completed"])
	assert.Equal(t, "editing", env["stage"])
	assert.Equal(t, []string{"research", "planning", "writing"}, env["completed_stages"])
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("has_result", HasResultFunc)
	sess := types.NewSession("seo-workflow-1", "誕生花", types.ModeSemiAuto, types.Options{}, time.UnixMilli(1))
	env := Env(sess, types.StageEditing)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(`has_result("writing") || target_word_count > 3000`, env)
	}
}
