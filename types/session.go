package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Session represents one workflow execution for a single keyword.
type Session struct {
	ID              string           `json:"id"`
	Keyword         string           `json:"keyword"`
	Mode            Mode             `json:"mode"`
	Options         Options          `json:"options"`
	CurrentStage    Stage            `json:"current_stage"`
	Status          Status           `json:"status"`
	Progress        int              `json:"progress"`
	Results         StageResults     `json:"stage_results"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	Error           *SessionError    `json:"error,omitempty"`
	CreatedAt       int64            `json:"created_at"`
	UpdatedAt       int64            `json:"updated_at"`
}

// PendingApproval is the proposal a human must confirm before the
// pipeline continues. ProposedData is not part of Results yet.
type PendingApproval struct {
	Stage        Stage       `json:"stage"`
	ProposedData StageResult `json:"proposed_data"`
	Message      string      `json:"message,omitempty"`
	RequestedAt  int64       `json:"requested_at"`
}

// UnmarshalJSON decodes ProposedData into the variant named by Stage.
func (p *PendingApproval) UnmarshalJSON(data []byte) error {
	var aux struct {
		Stage        Stage           `json:"stage"`
		ProposedData json.RawMessage `json:"proposed_data"`
		Message      string          `json:"message"`
		RequestedAt  int64           `json:"requested_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Stage = aux.Stage
	p.Message = aux.Message
	p.RequestedAt = aux.RequestedAt
	p.ProposedData = nil
	if len(aux.ProposedData) > 0 && string(aux.ProposedData) != "null" {
		proposed, err := DecodeResult(aux.Stage, aux.ProposedData)
		if err != nil {
			return err
		}
		p.ProposedData = proposed
	}
	return nil
}

// Error kinds recorded on failed sessions.
const (
	ErrorKindTransient = "transient"
	ErrorKindFatal     = "fatal"
	ErrorKindStale     = "stale"
	ErrorKindPanic     = "panic"
)

// SessionError describes why a session failed.
type SessionError struct {
	Stage    Stage  `json:"stage"`
	Message  string `json:"message"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts,omitempty"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

// ProgressFor derives the progress percentage from the number of completed stages.
func ProgressFor(completed int) int {
	if completed <= 0 {
		return 0
	}
	if completed >= TotalStages {
		return 100
	}
	return 100 * completed / TotalStages
}

// NewSession builds a PENDING session at the first stage.
func NewSession(id, keyword string, mode Mode, opts Options, now time.Time) Session {
	ms := now.UnixMilli()
	return Session{
		ID:           id,
		Keyword:      strings.TrimSpace(keyword),
		Mode:         mode,
		Options:      opts.WithDefaults(),
		CurrentStage: FirstStage(),
		Status:       StatusPending,
		CreatedAt:    ms,
		UpdatedAt:    ms,
	}
}

// Normalize recomputes derived fields after a mutation.
func (s *Session) Normalize(now time.Time) {
	s.Progress = ProgressFor(s.Results.Len())
	s.UpdatedAt = now.UnixMilli()
}

// Validate checks the session invariants.
func (s Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(s.Keyword) == "" {
		return errors.New("keyword is required")
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if err := ValidateStatus(s.Status); err != nil {
		return err
	}
	idx := s.CurrentStage.Index()
	if idx < 0 {
		return fmt.Errorf("invalid current stage: %q", s.CurrentStage)
	}

	keys := s.Results.Keys()
	for i, k := range keys {
		if k.Index() != i {
			return fmt.Errorf("stage results are not a contiguous prefix: %v", keys)
		}
	}
	n := len(keys)
	switch {
	case n == idx:
	case n == idx+1 && s.CurrentStage == LastStage():
	default:
		return fmt.Errorf("stage results %v inconsistent with current stage %s", keys, s.CurrentStage)
	}
	if s.Status == StatusCompleted && n != TotalStages {
		return fmt.Errorf("completed session has %d of %d stage results", n, TotalStages)
	}

	if (s.Status == StatusWaitingApproval) != (s.PendingApproval != nil) {
		return fmt.Errorf("pending approval must be present exactly when status is %s", StatusWaitingApproval)
	}
	if s.PendingApproval != nil {
		if s.PendingApproval.Stage != s.CurrentStage {
			return fmt.Errorf("pending approval for %s but current stage is %s", s.PendingApproval.Stage, s.CurrentStage)
		}
		if s.PendingApproval.ProposedData == nil || s.PendingApproval.ProposedData.Stage() != s.PendingApproval.Stage {
			return errors.New("pending approval has no proposed data for its stage")
		}
	}
	if (s.Status == StatusFailed) != (s.Error != nil) {
		return fmt.Errorf("error must be present exactly when status is %s", StatusFailed)
	}
	if s.Progress != ProgressFor(n) {
		return fmt.Errorf("progress %d does not match %d completed stages", s.Progress, n)
	}
	return nil
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.Results = s.Results.Clone()
	if s.PendingApproval != nil {
		pa := *s.PendingApproval
		if pa.ProposedData != nil {
			if data, err := json.Marshal(pa.ProposedData); err == nil {
				if proposed, err := DecodeResult(pa.Stage, data); err == nil {
					pa.ProposedData = proposed
				}
			}
		}
		out.PendingApproval = &pa
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID           string `json:"session_id"`
	Keyword      string `json:"keyword"`
	Mode         Mode   `json:"workflow_mode"`
	Status       Status `json:"status"`
	CurrentStage Stage  `json:"current_step"`
	Progress     int    `json:"progress"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Summary returns the list view.
func (s Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Keyword:      s.Keyword,
		Mode:         s.Mode,
		Status:       s.Status,
		CurrentStage: s.CurrentStage,
		Progress:     s.Progress,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Status  Status
	Keyword string
	Limit   int
}

// Match reports whether the session passes the filter.
func (f SessionFilter) Match(s SessionSummary) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Keyword != "" && s.Keyword != f.Keyword {
		return false
	}
	return true
}

// Apply filters, sorts newest first and truncates to Limit.
func (f SessionFilter) Apply(in []SessionSummary) []SessionSummary {
	out := make([]SessionSummary, 0, len(in))
	for _, s := range in {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
