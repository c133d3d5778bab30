package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentcert/backend/internal/core"
)

// DirectHTTP posts each task to the agent's endpoint as a single JSON
// request and reads the response synchronously.
type DirectHTTP struct {
	endpoint   string
	httpClient *http.Client
}

// NewDirectHTTP builds an executor for an agent that exposes a plain
// request/response endpoint.
func NewDirectHTTP(endpoint string, timeout time.Duration) *DirectHTTP {
	return &DirectHTTP{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type directResponse struct {
	Output   string                 `json:"output"`
	Response string                 `json:"response"`
	Trace    string                 `json:"trace,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (e *DirectHTTP) Execute(ctx context.Context, task *Task) (*Response, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: task %s cancelled", core.ErrTimeout, task.ID)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read agent response: %v", core.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent returned %d", core.ErrUpstream, resp.StatusCode)
	}

	var parsed directResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// A non-JSON body is taken verbatim as the output.
		return &Response{Output: string(raw), LatencyMs: time.Since(start).Milliseconds()}, nil
	}
	output := parsed.Output
	if output == "" {
		output = parsed.Response
	}
	return &Response{
		Output:    output,
		Trace:     parsed.Trace,
		Metadata:  parsed.Metadata,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
