package api

import (
	"github.com/songzhibin97/seoflow/types"
)

// StartRequest is the body of POST /workflow/start.
type StartRequest struct {
	Keyword         string `json:"keyword"`
	TargetAudience  string `json:"target_audience,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	WorkflowMode    string `json:"workflow_mode,omitempty"`
	UseRealData     *bool  `json:"use_real_data,omitempty"`
	TargetWordCount int    `json:"target_word_count,omitempty"`
}

// StartResponse is returned once a session is accepted.
type StartResponse struct {
	SessionID string       `json:"session_id"`
	Status    types.Status `json:"status"`
	Keyword   string       `json:"keyword"`
	Message   string       `json:"message"`
}

// ApproveRequest is the body of POST /workflow/approve-headings.
type ApproveRequest struct {
	SessionID        string                 `json:"session_id"`
	ApprovedHeadings []types.Heading        `json:"approved_headings"`
	Modifications    map[string]interface{} `json:"modifications,omitempty"`
}

// SessionStatusResponse answers approve and cancel calls.
type SessionStatusResponse struct {
	SessionID string       `json:"session_id"`
	Status    types.Status `json:"status"`
}

// SessionsResponse is the body of GET /workflow/sessions.
type SessionsResponse struct {
	Sessions []types.SessionSummary `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
