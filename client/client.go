// Package client talks to a seoflow server over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/seoflow/api"
	"github.com/songzhibin97/seoflow/types"
	"github.com/songzhibin97/seoflow/workflow"
)

// APIError is a non-2xx reply. It unwraps to the matching workflow
// sentinel so callers can use errors.Is on either side of the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return workflow.ErrValidation
	case http.StatusNotFound:
		return workflow.ErrNotFound
	case http.StatusConflict:
		return workflow.ErrInvalidState
	default:
		return nil
	}
}

// Client is a typed HTTP client for the workflow API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTP = hc }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.RequestIDHeader, uuid.NewString())
	return req, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e api.ErrorResponse
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
}

// call sends a JSON request and decodes a JSON reply into out.
func (c *Client) call(ctx context.Context, method, endpoint string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

// Start begins a workflow.
func (c *Client) Start(ctx context.Context, req api.StartRequest) (api.StartResponse, error) {
	var out api.StartResponse
	err := c.call(ctx, http.MethodPost, "/workflow/start", req, &out)
	return out, err
}

// Demo starts a FULL_AUTO workflow with defaults.
func (c *Client) Demo(ctx context.Context, keyword string) (api.StartResponse, error) {
	var out api.StartResponse
	err := c.call(ctx, http.MethodPost, "/workflow/demo/"+url.PathEscape(keyword), nil, &out)
	return out, err
}

// Status fetches the session snapshot.
func (c *Client) Status(ctx context.Context, id string) (workflow.StatusView, error) {
	var out workflow.StatusView
	err := c.call(ctx, http.MethodGet, "/workflow/status/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Results fetches the stage results.
func (c *Client) Results(ctx context.Context, id string) (workflow.ResultsView, error) {
	var out workflow.ResultsView
	err := c.call(ctx, http.MethodGet, "/workflow/results/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ApproveHeadings answers a pending approval.
func (c *Client) ApproveHeadings(ctx context.Context, req api.ApproveRequest) (api.SessionStatusResponse, error) {
	var out api.SessionStatusResponse
	err := c.call(ctx, http.MethodPost, "/workflow/approve-headings", req, &out)
	return out, err
}

// Cancel cancels a live session.
func (c *Client) Cancel(ctx context.Context, id string) (api.SessionStatusResponse, error) {
	var out api.SessionStatusResponse
	err := c.call(ctx, http.MethodPost, "/workflow/cancel/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Sessions lists sessions matching filter.
func (c *Client) Sessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Keyword != "" {
		q.Set("keyword", filter.Keyword)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	endpoint := "/workflow/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out api.SessionsResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// WaitFor polls Status every interval until done returns true or ctx ends.
func (c *Client) WaitFor(ctx context.Context, id string, interval time.Duration, done func(workflow.StatusView) bool) (workflow.StatusView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.Status(ctx, id)
		if err != nil {
			return view, err
		}
		if done(view) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrStopStream can be returned by an Events callback to end the stream early.
var ErrStopStream = errors.New("stop stream")

// Events reads the session's Server-Sent Events, calling fn with each
// event name and JSON payload, until the server closes the stream, ctx
// ends or fn returns an error.
func (c *Client) Events(ctx context.Context, id string, fn func(event string, data []byte) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/workflow/events/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streams outlive the request timeout of the regular client.
	hc := *c.HTTP
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var name string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				if err := fn(name, bytes.Clone(data.Bytes())); err != nil {
					if errors.Is(err, ErrStopStream) {
						return nil
					}
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
