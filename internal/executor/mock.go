package executor

import (
	"context"
	"sync"
	"time"
)

// Mock returns scripted responses keyed by task id, with an optional default
// and artificial delay. Safe for concurrent use.
type Mock struct {
	mu        sync.Mutex
	responses map[string]string
	fallback  string
	delay     time.Duration
	calls     []string
}

func NewMock(fallback string) *Mock {
	return &Mock{
		responses: make(map[string]string),
		fallback:  fallback,
	}
}

// Script sets the response returned for a specific task id.
func (m *Mock) Script(taskID, response string) *Mock {
	m.mu.Lock()
	m.responses[taskID] = response
	m.mu.Unlock()
	return m
}

// WithDelay makes every execution take at least d.
func (m *Mock) WithDelay(d time.Duration) *Mock {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
	return m
}

// Calls returns the task ids executed so far, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Execute(ctx context.Context, task *Task) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task.ID)
	response, ok := m.responses[task.ID]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		response = m.fallback
	}
	return &Response{Output: response, LatencyMs: delay.Milliseconds()}, nil
}
