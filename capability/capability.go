// Package capability defines the boundary between the workflow engine and
// the services that actually produce stage content.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/seoflow/types"
)

// ErrMissing is returned when a stage has no capability registered.
var ErrMissing = errors.New("no capability registered for stage")

// Input is everything a stage may look at. Prior is a private copy of the
// results recorded so far; capabilities cannot affect the session through it.
type Input struct {
	SessionID string             `json:"session_id"`
	Stage     types.Stage        `json:"stage"`
	Keyword   string             `json:"keyword"`
	Mode      types.Mode         `json:"workflow_mode"`
	Options   types.Options      `json:"options"`
	Prior     types.StageResults `json:"prior_results"`
	Attempt   int                `json:"attempt"`
}

// Output is a successful stage execution.
type Output struct {
	Result types.StageResult
	// RequiresApproval asks SEMI_AUTO sessions to pause with Result as the proposal.
	RequiresApproval bool
	// Message is shown to the approver.
	Message string
}

// Capability performs one stage. Implementations must be safe to retry.
type Capability interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, in Input) (Output, error)

// Execute implements Capability.
func (f Func) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Set maps every stage to the capability that runs it.
type Set map[types.Stage]Capability

// Uniform returns a Set that routes every stage to c.
func Uniform(c Capability) Set {
	set := make(Set, types.TotalStages)
	for _, stage := range types.Stages() {
		set[stage] = c
	}
	return set
}

// Get returns the capability for a stage.
func (s Set) Get(stage types.Stage) (Capability, error) {
	c, ok := s[stage]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissing, stage)
	}
	return c, nil
}

// Validate requires a capability for every stage.
func (s Set) Validate() error {
	for _, stage := range types.Stages() {
		if _, err := s.Get(stage); err != nil {
			return err
		}
	}
	return nil
}

// With returns a copy of s with stage overridden.
func (s Set) With(stage types.Stage, c Capability) Set {
	out := make(Set, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[stage] = c
	return out
}
