package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/rules"
	"github.com/songzhibin97/seoflow/types"
)

// OutcomeKind classifies the result of running one stage.
type OutcomeKind int

const (
	// OutcomeAdvance: commit Result and move on.
	OutcomeAdvance OutcomeKind = iota
	// OutcomePause: SEMI_AUTO sign-off needed; Approval holds the proposal.
	OutcomePause
	// OutcomeFail: the stage failed for good; Err describes it.
	OutcomeFail
	// OutcomeInterrupted: the runner was told to stop; nothing should be written.
	OutcomeInterrupted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAdvance:
		return "advance"
	case OutcomePause:
		return "pause"
	case OutcomeFail:
		return "fail"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what StageExecutor.Run decided.
type Outcome struct {
	Kind     OutcomeKind
	Result   types.StageResult
	Approval *types.PendingApproval
	Err      *types.SessionError
	Attempts int
}

// RetryPolicy bounds how a stage is retried.
type RetryPolicy struct {
	MaxAttempts    int
	StageTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("capability panicked: %v", e.value) }

// StageExecutor runs a single stage with timeouts, retries, error
// classification and the approval decision.
type StageExecutor struct {
	caps      capability.Set
	offline   capability.Set
	rules     rules.ApprovalRules
	evaluator rules.Evaluator
	policy    RetryPolicy
	logger    *slog.Logger
	now       func() time.Time
}

func (x *StageExecutor) capabilityFor(s types.Session, stage types.Stage) (capability.Capability, error) {
	if !s.Options.UseRealData && x.offline != nil {
		return x.offline.Get(stage)
	}
	return x.caps.Get(stage)
}

func fail(stage types.Stage, kind string, attempts int, err error) Outcome {
	return Outcome{
		Kind:     OutcomeFail,
		Attempts: attempts,
		Err: &types.SessionError{
			Stage:    stage,
			Message:  err.Error(),
			Kind:     kind,
			Attempts: attempts,
		},
	}
}

// Run executes stage for s. It never returns an error: every failure is
// folded into the Outcome.
func (x *StageExecutor) Run(ctx context.Context, s types.Session, stage types.Stage) Outcome {
	return x.RunUntil(ctx, nil, s, stage)
}

// RunUntil is Run with a cooperative stop: once halt is closed no further
// attempt starts and backoff ends early, but a capability call already in
// flight is never cancelled by it. Cancelling ctx does interrupt the call.
func (x *StageExecutor) RunUntil(ctx context.Context, halt <-chan struct{}, s types.Session, stage types.Stage) Outcome {
	logger := x.logger.With("session_id", s.ID, "stage", string(stage))

	c, err := x.capabilityFor(s, stage)
	if err != nil {
		return fail(stage, types.ErrorKindFatal, 0, err)
	}

	maxAttempts := x.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out capability.Output
	attempt := 0
	for {
		attempt++
		if ctx.Err() != nil || halted(halt) {
			return Outcome{Kind: OutcomeInterrupted, Attempts: attempt - 1}
		}

		out, err = x.attempt(ctx, c, capability.Input{
			SessionID: s.ID,
			Stage:     stage,
			Keyword:   s.Keyword,
			Mode:      s.Mode,
			Options:   s.Options,
			Prior:     s.Results.Clone(),
			Attempt:   attempt,
		})
		if err == nil {
			out.Result, err = checkOutput(stage, out)
			if err != nil {
				return fail(stage, types.ErrorKindFatal, attempt, err)
			}
			break
		}

		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeInterrupted, Attempts: attempt}
		}
		var pe *panicError
		if errors.As(err, &pe) {
			logger.Error("capability panicked", "attempt", attempt, "panic", fmt.Sprint(pe.value), "stack", string(pe.stack))
			return fail(stage, types.ErrorKindPanic, attempt, err)
		}
		if !capability.IsTransient(err) {
			logger.Warn("stage failed", "attempt", attempt, "error", err)
			return fail(stage, types.ErrorKindFatal, attempt, err)
		}
		if attempt >= maxAttempts {
			logger.Warn("stage retries exhausted", "attempt", attempt, "error", err)
			return fail(stage, types.ErrorKindTransient, attempt,
				fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		}

		wait := x.policy.Backoff(attempt)
		logger.Info("retrying stage", "attempt", attempt, "backoff", wait.String(), "error", err)
		if !sleep(ctx, halt, wait) {
			return Outcome{Kind: OutcomeInterrupted, Attempts: attempt}
		}
	}

	needsApproval := out.RequiresApproval
	if byRule, err := x.rules.RequiresApproval(x.evaluator, s, stage); err != nil {
		return fail(stage, types.ErrorKindFatal, attempt, fmt.Errorf("approval rule: %w", err))
	} else if byRule {
		needsApproval = true
	}

	if needsApproval && s.Mode == types.ModeSemiAuto {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("%s result requires approval", stage)
		}
		return Outcome{
			Kind:     OutcomePause,
			Attempts: attempt,
			Approval: &types.PendingApproval{
				Stage:        stage,
				ProposedData: out.Result,
				Message:      msg,
				RequestedAt:  x.now().UnixMilli(),
			},
		}
	}
	return Outcome{Kind: OutcomeAdvance, Result: out.Result, Attempts: attempt}
}

// attempt runs the capability once under the per-attempt deadline and
// turns a panic into an error.
func (x *StageExecutor) attempt(ctx context.Context, c capability.Capability, in capability.Input) (out capability.Output, err error) {
	if x.policy.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.policy.StageTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = capability.Output{}
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return c.Execute(ctx, in)
}

// checkOutput returns the result re-decoded into the stage's own variant,
// so anything that cannot be stored (foreign types, NaN scores) fails here.
func checkOutput(stage types.Stage, out capability.Output) (types.StageResult, error) {
	if out.Result == nil || reflect.ValueOf(out.Result).IsNil() {
		return nil, fmt.Errorf("capability returned no result for %s", stage)
	}
	if got := out.Result.Stage(); got != stage {
		return nil, fmt.Errorf("capability returned a %s result for %s", got, stage)
	}
	raw, err := json.Marshal(out.Result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", stage, err)
	}
	return types.DecodeResult(stage, raw)
}

func halted(halt <-chan struct{}) bool {
	select {
	case <-halt:
		return true
	default:
		return false
	}
}

// sleep waits for d, or until ctx is done or halt closes; it reports
// whether the full wait elapsed.
func sleep(ctx context.Context, halt <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !halted(halt)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-halt:
		return false
	case <-timer.C:
		return true
	}
}
