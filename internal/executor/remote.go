package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentcert/backend/internal/circuitbreaker"
	"github.com/agentcert/backend/internal/core"
)

// RemoteThread drives agents that expose a thread/run API: create a thread,
// post the task as a message, start a run, poll until the run is terminal.
type RemoteThread struct {
	baseURL      string
	httpClient   *http.Client
	breaker      *circuitbreaker.Breaker
	pollInterval time.Duration
}

func NewRemoteThread(baseURL string, timeout time.Duration) *RemoteThread {
	return &RemoteThread{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		breaker:      circuitbreaker.New("agent " + baseURL),
		pollInterval: time.Second,
	}
}

type threadRef struct {
	ID string `json:"id"`
}

type runState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (e *RemoteThread) Execute(ctx context.Context, task *Task) (*Response, error) {
	start := time.Now()

	thread, err := e.post(ctx, "/threads", map[string]interface{}{"metadata": task.Context})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	var tr threadRef
	if err := json.Unmarshal(thread, &tr); err != nil || tr.ID == "" {
		return nil, fmt.Errorf("%w: thread create returned no id", core.ErrUpstream)
	}

	run, err := e.post(ctx, "/threads/"+tr.ID+"/runs", map[string]interface{}{
		"task_id": task.ID,
		"prompt":  task.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	var rs runState
	if err := json.Unmarshal(run, &rs); err != nil || rs.ID == "" {
		return nil, fmt.Errorf("%w: run create returned no id", core.ErrUpstream)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: task %s cancelled while polling run", core.ErrTimeout, task.ID)
		case <-ticker.C:
		}

		raw, err := e.get(ctx, "/threads/"+tr.ID+"/runs/"+rs.ID)
		if err != nil {
			return nil, fmt.Errorf("poll run: %w", err)
		}
		if err := json.Unmarshal(raw, &rs); err != nil {
			return nil, fmt.Errorf("%w: malformed run state", core.ErrUpstream)
		}

		switch rs.Status {
		case "completed":
			return &Response{Output: rs.Output, LatencyMs: time.Since(start).Milliseconds()}, nil
		case "failed", "cancelled", "expired":
			return nil, fmt.Errorf("%w: run %s ended %s: %s", core.ErrUpstream, rs.ID, rs.Status, rs.Error)
		}
	}
}

func (e *RemoteThread) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *RemoteThread) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return e.do(req)
}

func (e *RemoteThread) do(req *http.Request) ([]byte, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}
	raw, err := e.doOnce(req)
	e.breaker.Record(err)
	return raw, err
}

func (e *RemoteThread) doOnce(req *http.Request) ([]byte, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s returned %d", core.ErrUpstream, req.URL.Path, resp.StatusCode)
	}
	return raw, nil
}
