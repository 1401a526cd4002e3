package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/songzhibin97/seoflow/types"
)

// Remote delegates stages to an external content service:
// POST {endpoint}/stages/{stage} with the Input as JSON.
type Remote struct {
	endpoint string
	http     *http.Client
}

// RemoteOption configures Remote.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.http = c }
}

// NewRemote builds a remote capability. timeout bounds each HTTP call; the
// executor's per-attempt deadline still applies on top.
func NewRemote(endpoint string, timeout time.Duration, opts ...RemoteOption) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := &Remote{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type remoteResponse struct {
	Result           json.RawMessage `json:"result"`
	RequiresApproval bool            `json:"requires_approval"`
	Message          string          `json:"message"`
}

// Execute implements Capability.
func (r *Remote) Execute(ctx context.Context, in Input) (Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, Fatal(err)
	}
	url := fmt.Sprintf("%s/stages/%s", r.endpoint, in.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Output{}, Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		// Connection refused, resets and timeouts are all worth another try.
		return Output{}, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("content service %s: %d %s", in.Stage, resp.StatusCode, strings.TrimSpace(string(b)))
		if retryableStatus(resp.StatusCode) {
			return Output{}, Transient(err)
		}
		return Output{}, Fatal(err)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Output{}, Fatal(fmt.Errorf("decode content service response: %w", err))
	}
	if len(out.Result) == 0 || string(out.Result) == "null" {
		return Output{}, Fatal(fmt.Errorf("content service returned no result for %s", in.Stage))
	}
	result, err := types.DecodeResult(in.Stage, out.Result)
	if err != nil {
		return Output{}, Fatal(err)
	}
	return Output{
		Result:           result,
		RequiresApproval: out.RequiresApproval,
		Message:          out.Message,
	}, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
