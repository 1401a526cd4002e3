package workflow

import (
	"testing"

	"github.com/songzhibin97/seoflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposedPlan() *types.PlanningResult {
	return &types.PlanningResult{
		ArticleConcept: types.ArticleConcept{MainTheme: "誕生花の完全ガイド"},
		Headings: []types.Heading{
			{Level: "H1", Text: "誕生花とは", Keywords: []string{"誕生花"}},
			{Level: "H2", Text: "誕生花の一覧"},
		},
		ContentStrategy: types.ContentStrategy{WordCountTarget: 3000},
	}
}

func TestMergeDecision(t *testing.T) {
	tests := []struct {
		name    string
		d       Decision
		check   func(t *testing.T, plan *types.PlanningResult)
		wantErr error
	}{
		{
			name: "no changes keeps the proposal",
			d:    Decision{},
			check: func(t *testing.T, plan *types.PlanningResult) {
				assert.Equal(t, proposedPlan(), plan)
			},
		},
		{
			name: "approved headings replace proposed ones",
			d: Decision{ApprovedData: map[string]interface{}{
				"headings": []types.Heading{{Level: "h1", Text: "新しい見出し"}},
			}},
			check: func(t *testing.T, plan *types.PlanningResult) {
				assert.Equal(t, []types.Heading{{Level: "h1", Text: "新しい見出し"}}, plan.Headings)
				assert.Equal(t, "誕生花の完全ガイド", plan.ArticleConcept.MainTheme)
			},
		},
		{
			name: "empty approved headings keep proposed ones",
			d:    Decision{ApprovedData: map[string]interface{}{"headings": []interface{}{}}},
			check: func(t *testing.T, plan *types.PlanningResult) {
				assert.Equal(t, proposedPlan().Headings, plan.Headings)
			},
		},
		{
			name: "modifications apply after approved data",
			d: Decision{
				ApprovedData: map[string]interface{}{
					"headings": []map[string]string{{"level": "H1", "text": "a"}, {"level": "H2", "text": "b"}},
				},
				Modifications: map[string]interface{}{
					"headings.1.text":                     "b2",
					"content_strategy.word_count_target":  4500,
					"article_concept.unique_angle":        "月別に比較",
					"content_strategy.seo_focus_keywords": []string{"誕生花", "花言葉"},
				},
			},
			check: func(t *testing.T, plan *types.PlanningResult) {
				assert.Equal(t, "a", plan.Headings[0].Text)
				assert.Equal(t, "b2", plan.Headings[1].Text)
				assert.Equal(t, 4500, plan.ContentStrategy.WordCountTarget)
				assert.Equal(t, []string{"誕生花", "花言葉"}, plan.ContentStrategy.FocusKeywords)
				assert.Equal(t, "月別に比較", plan.ArticleConcept.UniqueAngle)
			},
		},
		{
			name: "modifications run in sorted order",
			d: Decision{Modifications: map[string]interface{}{
				"headings.0":      map[string]interface{}{"level": "H1", "text": "whole"},
				"headings.0.text": "field",
			}},
			check: func(t *testing.T, plan *types.PlanningResult) {
				assert.Equal(t, types.Heading{Level: "H1", Text: "field"}, plan.Headings[0])
			},
		},
		{
			name:    "index out of range",
			d:       Decision{Modifications: map[string]interface{}{"headings.2.text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "negative index",
			d:       Decision{Modifications: map[string]interface{}{"headings.-1.text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "missing intermediate field",
			d:       Decision{Modifications: map[string]interface{}{"outline.title": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "path through a scalar",
			d:       Decision{Modifications: map[string]interface{}{"headings.0.text.more": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "malformed path",
			d:       Decision{Modifications: map[string]interface{}{"headings..text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name: "empty heading text",
			d: Decision{ApprovedData: map[string]interface{}{
				"headings": []types.Heading{{Level: "H2", Text: ""}},
			}},
			wantErr: ErrValidation,
		},
		{
			name:    "bad heading level",
			d:       Decision{Modifications: map[string]interface{}{"headings.0.level": "H7"}},
			wantErr: ErrValidation,
		},
		{
			name:    "type mismatch",
			d:       Decision{ApprovedData: map[string]interface{}{"headings": "not a list"}},
			wantErr: ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mergeDecision(types.StagePlanning, proposedPlan(), tt.d)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			plan, ok := result.(*types.PlanningResult)
			require.True(t, ok)
			tt.check(t, plan)
		})
	}
}

func TestMergeDecisionOtherStages(t *testing.T) {
	proposed := &types.EditingResult{Improvements: []string{"a"}, FinalQualityScore: 80}
	result, err := mergeDecision(types.StageEditing, proposed, Decision{
		ApprovedData:  map[string]interface{}{"improvements": []string{}},
		Modifications: map[string]interface{}{"final_quality_score": 90.5},
	})
	require.NoError(t, err)
	edited := result.(*types.EditingResult)
	// Only planning headings get the keep-if-empty treatment.
	assert.Empty(t, edited.Improvements)
	assert.Equal(t, 90.5, edited.FinalQualityScore)
	assert.Equal(t, &types.EditingResult{Improvements: []string{"a"}, FinalQualityScore: 80}, proposed)
}
