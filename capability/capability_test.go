package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/seoflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", Transient(errors.New("rate limited")), true},
		{"wrapped transient", fmt.Errorf("call: %w", Transient(errors.New("x"))), true},
		{"fatal", Fatal(errors.New("bad input")), false},
		{"fatal beats deadline", Fatal(context.DeadlineExceeded), false},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))
}

func TestSet(t *testing.T) {
	noop := Func(func(ctx context.Context, in Input) (Output, error) { return Output{}, nil })
	set := Uniform(noop)
	assert.NoError(t, set.Validate())

	partial := Set{types.StageResearch: noop}
	err := partial.Validate()
	assert.ErrorIs(t, err, ErrMissing)

	override := set.With(types.StageWriting, nil)
	_, err = override.Get(types.StageWriting)
	assert.ErrorIs(t, err, ErrMissing)
	_, err = set.Get(types.StageWriting)
	assert.NoError(t, err)
}

func TestDefaultScriptCoversEveryStage(t *testing.T) {
	c := NewScripted(DefaultScript())
	ctx := context.Background()
	for _, stage := range types.Stages() {
		out, err := c.Execute(ctx, Input{
			SessionID: "s-1",
			Stage:     stage,
			Keyword:   `誕生花 "quoted"`,
			Options:   types.Options{TargetWordCount: 4200},
			Attempt:   1,
		})
		require.NoError(t, err, stage)
		require.NotNil(t, out.Result)
		assert.Equal(t, stage, out.Result.Stage())
		assert.Equal(t, stage == types.StagePlanning, out.RequiresApproval, stage)
	}

	out, err := c.Execute(ctx, Input{Stage: types.StagePlanning, Keyword: "誕生花", Attempt: 1})
	require.NoError(t, err)
	plan := out.Result.(*types.PlanningResult)
	assert.Equal(t, "誕生花とは？基本と由来", plan.Headings[0].Text)
	assert.Equal(t, types.DefaultTargetWordCount, plan.ContentStrategy.WordCountTarget)
	for _, h := range plan.Headings {
		assert.NoError(t, h.Validate())
	}
	assert.NotEmpty(t, out.Message)
}

func TestScriptedFailures(t *testing.T) {
	script, err := ParseScript([]byte(`
stages:
  research:
    fail_times: 2
    result:
      keyword_analysis:
        primary_keyword: "{{keyword}}"
  planning:
    fail_times: 1
    fail_kind: fatal
    result: {}
`))
	require.NoError(t, err)
	c := NewScripted(script)
	ctx := context.Background()

	_, err = c.Execute(ctx, Input{Stage: types.StageResearch, Keyword: "k", Attempt: 1})
	assert.True(t, IsTransient(err))
	_, err = c.Execute(ctx, Input{Stage: types.StageResearch, Keyword: "k", Attempt: 2})
	assert.True(t, IsTransient(err))
	out, err := c.Execute(ctx, Input{Stage: types.StageResearch, Keyword: "k", Attempt: 3})
	require.NoError(t, err)
	assert.Equal(t, "k", out.Result.(*types.ResearchResult).KeywordAnalysis.PrimaryKeyword)

	_, err = c.Execute(ctx, Input{Stage: types.StagePlanning, Keyword: "k", Attempt: 1})
	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)

	_, err = c.Execute(ctx, Input{Stage: types.StageWriting, Keyword: "k", Attempt: 1})
	assert.ErrorAs(t, err, &fatal)
}

func TestScriptedDelayHonoursContext(t *testing.T) {
	script, err := ParseScript([]byte("stages:\n  research:\n    delay: 10s\n    result: {}\n"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = NewScripted(script).Execute(ctx, Input{Stage: types.StageResearch, Attempt: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
}

func TestParseScriptErrors(t *testing.T) {
	_, err := ParseScript([]byte("stages:\n  drafting:\n    result: {}\n"))
	assert.Error(t, err)
	_, err = ParseScript([]byte("stages:\n  research:\n    fail_kind: sometimes\n"))
	assert.Error(t, err)
	_, err = ParseScript([]byte("stages: ["))
	assert.Error(t, err)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  research:\n    result:\n      related_keywords: [a]\n"), 0o644))

	c, err := NewScriptedFromFile(path, false)
	require.NoError(t, err)
	out, err := c.Execute(context.Background(), Input{Stage: types.StageResearch, Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out.Result.(*types.ResearchResult).RelatedKeywords)

	_, err = NewScriptedFromFile("", false)
	assert.ErrorIs(t, err, ErrNoScript)
	fallback, err := NewScriptedFromFile("", true)
	require.NoError(t, err)
	assert.NotNil(t, fallback)
	_, err = NewScriptedFromFile(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}

func TestRemote(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var in Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/stages/planning":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"headings": []map[string]string{{"level": "H1", "text": in.Keyword}},
				},
				"requires_approval": true,
				"message":           "review",
			})
		case "/stages/research":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/stages/writing":
			http.Error(w, "bad keyword", http.StatusUnprocessableEntity)
		case "/stages/editing":
			_, _ = w.Write([]byte("not json"))
		case "/stages/publishing":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"result": null}`))
		}
	}))
	defer srv.Close()

	r := NewRemote(srv.URL+"/", time.Second)
	ctx := context.Background()

	out, err := r.Execute(ctx, Input{Stage: types.StagePlanning, Keyword: "誕生花"})
	require.NoError(t, err)
	assert.True(t, out.RequiresApproval)
	assert.Equal(t, "review", out.Message)
	assert.Equal(t, "誕生花", out.Result.(*types.PlanningResult).Headings[0].Text)

	_, err = r.Execute(ctx, Input{Stage: types.StageResearch})
	assert.True(t, IsTransient(err))
	_, err = r.Execute(ctx, Input{Stage: types.StagePublishing})
	assert.True(t, IsTransient(err))

	_, err = r.Execute(ctx, Input{Stage: types.StageWriting})
	assert.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "bad keyword")

	_, err = r.Execute(ctx, Input{Stage: types.StageEditing})
	assert.Error(t, err)
	assert.False(t, IsTransient(err))

	_, err = r.Execute(ctx, Input{Stage: types.StageAnalysis})
	assert.Error(t, err)
	assert.False(t, IsTransient(err))

	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
}

func TestRemoteUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemote(url, time.Second).Execute(context.Background(), Input{Stage: types.StageResearch})
	assert.True(t, IsTransient(err))
}
