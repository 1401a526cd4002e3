package rules

import (
	"fmt"
	"time"

	"github.com/songzhibin97/seoflow/types"
)

// ApprovalRules maps a stage to an expression that, when true, makes the
// stage approval-bearing in addition to whatever its capability reports.
type ApprovalRules map[types.Stage]string

// ParseApprovalRules converts configuration (stage name to expression) into rules.
func ParseApprovalRules(raw map[string]string) (ApprovalRules, error) {
	out := make(ApprovalRules, len(raw))
	for name, expression := range raw {
		stage, err := types.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("approval rule: %w", err)
		}
		out[stage] = expression
	}
	return out, nil
}

// Env builds the evaluation environment for a stage of a session.
func Env(s types.Session, stage types.Stage) map[string]interface{} {
	completed := s.Results.Keys()
	names := make([]string, len(completed))
	for i, st := range completed {
		names[i] = string(st)
	}
	return map[string]interface{}{
		"stage":             string(stage),
		"keyword":           s.Keyword,
		"mode":              string(s.Mode),
		"target_audience":   s.Options.TargetAudience,
		"content_type":      s.Options.ContentType,
		"use_real_data":     s.Options.UseRealData,
		"target_word_count": s.Options.TargetWordCount,
		"completed":         len(completed),
		"completed_stages":  names,
	}
}

// HasResultFunc is an option func exposing has_result("research") to rules.
func HasResultFunc(env map[string]interface{}) interface{} {
	names, _ := env["completed_stages"].([]string)
	return func(stage string) bool {
		for _, n := range names {
			if n == stage {
				return true
			}
		}
		return false
	}
}

// Validate compiles every rule against a representative environment.
func (r ApprovalRules) Validate(e *ExprEvaluator) error {
	sample := types.NewSession("validate", "keyword", types.ModeSemiAuto, types.Options{}, time.Time{})
	for stage, expression := range r {
		if err := e.Compile(expression, Env(sample, stage)); err != nil {
			return fmt.Errorf("approval rule for %s: %w", stage, err)
		}
	}
	return nil
}

// RequiresApproval evaluates the rule for stage, if any.
func (r ApprovalRules) RequiresApproval(e Evaluator, s types.Session, stage types.Stage) (bool, error) {
	expression, ok := r[stage]
	if !ok || expression == "" || e == nil {
		return false, nil
	}
	return e.Evaluate(expression, Env(s, stage))
}
