// Package extract normalises provider wire formats into one unified trace
// schema. Extractors are stateless; the registry dispatches by provider name
// or URL path prefix.
package extract

import "time"

// MessageType classifies a conversation turn.
type MessageType string

const (
	MessageHuman  MessageType = "human"
	MessageAI     MessageType = "ai"
	MessageTool   MessageType = "tool"
	MessageSystem MessageType = "system"
)

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Usage carries token accounting attached to an assistant message.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Message is one normalised conversation turn.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`

	// AI messages only.
	ToolCalls        []ToolCall             `json:"tool_calls,omitempty"`
	UsageMetadata    *Usage                 `json:"usage_metadata,omitempty"`
	ResponseMetadata map[string]interface{} `json:"response_metadata,omitempty"`

	// Tool messages only.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ExtractedTrace is the provider-independent result of one extraction.
type ExtractedTrace struct {
	Provider          string                 `json:"provider"`
	Model             string                 `json:"model"`
	ThreadID          string                 `json:"thread_id,omitempty"`
	Messages          []Message              `json:"messages"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           time.Time              `json:"ended_at"`
	LatencyMs         int64                  `json:"latency_ms"`
	TotalInputTokens  int64                  `json:"total_input_tokens"`
	TotalOutputTokens int64                  `json:"total_output_tokens"`
	TotalTokens       int64                  `json:"total_tokens"`
	ToolCallCount     int64                  `json:"tool_call_count"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// finishAggregates fills the counters derivable from the message list.
func (t *ExtractedTrace) finishAggregates() {
	for _, m := range t.Messages {
		if m.UsageMetadata != nil {
			t.TotalInputTokens += m.UsageMetadata.InputTokens
			t.TotalOutputTokens += m.UsageMetadata.OutputTokens
			t.TotalTokens += m.UsageMetadata.TotalTokens
		}
		t.ToolCallCount += int64(len(m.ToolCalls))
	}
}
