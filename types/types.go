package types

import (
	"fmt"
	"strings"
)

// Stage is one of the seven fixed pipeline steps.
type Stage string

const (
	StageResearch    Stage = "research"
	StagePlanning    Stage = "planning"
	StageWriting     Stage = "writing"
	StageEditing     Stage = "editing"
	StagePublishing  Stage = "publishing"
	StageAnalysis    Stage = "analysis"
	StageImprovement Stage = "improvement"
)

// TotalStages is the length of the pipeline.
const TotalStages = 7

var stageOrder = [TotalStages]Stage{
	StageResearch,
	StagePlanning,
	StageWriting,
	StageEditing,
	StagePublishing,
	StageAnalysis,
	StageImprovement,
}

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	out := make([]Stage, TotalStages)
	copy(out, stageOrder[:])
	return out
}

// FirstStage is where every session starts.
func FirstStage() Stage { return stageOrder[0] }

// LastStage is the final pipeline step.
func LastStage() Stage { return stageOrder[TotalStages-1] }

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Next returns the following stage. ok is false for the last stage.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i == TotalStages-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// ParseStage converts a wire value into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid stage: %q", raw)
	}
	return s, nil
}

// Mode controls whether approval-bearing stages pause the pipeline.
type Mode string

const (
	ModeFullAuto Mode = "full_auto"
	ModeSemiAuto Mode = "semi_auto"
)

// ParseMode accepts "semi_auto", "SEMI_AUTO", "full_auto" or "FULL_AUTO".
func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case ModeFullAuto, ModeSemiAuto:
		return m, nil
	default:
		return "", fmt.Errorf("invalid workflow mode: %q", raw)
	}
}

// Status is the session lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further mutation may happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if err := ValidateStatus(s); err != nil {
		return "", err
	}
	return s, nil
}

// Options are the request inputs handed to every stage capability.
type Options struct {
	TargetAudience  string `json:"target_audience"`
	ContentType     string `json:"content_type"`
	UseRealData     bool   `json:"use_real_data"`
	TargetWordCount int    `json:"target_word_count"`
}

// Default option values.
const (
	DefaultTargetAudience  = "一般"
	DefaultContentType     = "記事"
	DefaultTargetWordCount = 3000
)

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if strings.TrimSpace(o.TargetAudience) == "" {
		o.TargetAudience = DefaultTargetAudience
	}
	if strings.TrimSpace(o.ContentType) == "" {
		o.ContentType = DefaultContentType
	}
	if o.TargetWordCount <= 0 {
		o.TargetWordCount = DefaultTargetWordCount
	}
	return o
}
