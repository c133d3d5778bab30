// Package executor abstracts how an evaluation task reaches the agent under
// test. The engine only sees the Executor interface; transports differ.
package executor

import "context"

// Task is one unit of work sent to the agent under test.
type Task struct {
	ID      string                 `json:"task_id"`
	Prompt  string                 `json:"prompt"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Response is what came back from the agent.
type Response struct {
	Output    string                 `json:"output"`
	Trace     string                 `json:"trace,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	LatencyMs int64                  `json:"latency_ms"`
}

// Executor delivers a task to an agent and returns its response. Execute
// must honour ctx cancellation; the engine enforces per-task timeouts
// through it.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Response, error)
}
