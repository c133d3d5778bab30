package extract

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AnthropicExtractor handles the Messages API wire format: content blocks
// (text, tool_use, tool_result), string-or-array system prompts, and usage
// on the response.
type AnthropicExtractor struct{}

func NewAnthropicExtractor() *AnthropicExtractor { return &AnthropicExtractor{} }

func (e *AnthropicExtractor) ProviderName() string { return "anthropic" }

func (e *AnthropicExtractor) HandledPaths() []string {
	return []string{"/v1/messages", "/v1/complete"}
}

type anthropicRequest struct {
	Model    string             `json:"model"`
	System   json.RawMessage    `json:"system,omitempty"`
	Messages []anthropicMessage `json:"messages"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (e *AnthropicExtractor) Extract(requestBody, responseBody []byte, latencyMs int64, headers http.Header) (*ExtractedTrace, error) {
	var req anthropicRequest
	if err := json.Unmarshal(requestBody, &req); err != nil {
		return nil, fmt.Errorf("malformed anthropic request: %w", err)
	}

	ended := time.Now().UTC()
	trace := &ExtractedTrace{
		Provider:  e.ProviderName(),
		Model:     req.Model,
		StartedAt: ended.Add(-time.Duration(latencyMs) * time.Millisecond),
		EndedAt:   ended,
		LatencyMs: latencyMs,
		Metadata:  req.Metadata,
	}
	if headers != nil {
		trace.ThreadID = headers.Get("X-Thread-Id")
	}

	if system := extractAnthropicSystem(req.System); system != "" {
		trace.Messages = append(trace.Messages, Message{Type: MessageSystem, Content: system})
	}
	for _, m := range req.Messages {
		trace.Messages = append(trace.Messages, convertAnthropicMessage(m)...)
	}

	if len(responseBody) > 0 {
		var resp anthropicResponse
		if err := json.Unmarshal(responseBody, &resp); err != nil {
			return nil, fmt.Errorf("malformed anthropic response: %w", err)
		}
		if resp.Model != "" {
			trace.Model = resp.Model
		}
		trace.Messages = append(trace.Messages, convertAnthropicResponse(&resp))
	}

	trace.finishAggregates()
	return trace, nil
}

// extractAnthropicSystem handles both the string and the content-block-array
// form of the system prompt; array parts are joined with newlines.
func extractAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertAnthropicMessage maps one request turn. A user turn carrying
// tool_result blocks becomes one tool message per block plus a single human
// message collating the remaining text.
func convertAnthropicMessage(m anthropicMessage) []Message {
	// String content is the simple case.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []Message{{Type: roleToType(m.Role), Content: text}}
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}

	if m.Role == "assistant" {
		msg := Message{Type: MessageAI}
		var parts []string
		for _, b := range blocks {
			switch b.Type {
			case "text":
				parts = append(parts, b.Text)
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Args: b.Input})
			}
		}
		msg.Content = strings.Join(parts, "\n")
		return []Message{msg}
	}

	var out []Message
	var textParts []string
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			out = append(out, Message{
				Type:       MessageTool,
				Content:    blockContentText(b.Content),
				ToolCallID: b.ToolUseID,
			})
		case "text":
			textParts = append(textParts, b.Text)
		}
	}
	if len(textParts) > 0 || len(out) == 0 {
		out = append(out, Message{Type: roleToType(m.Role), Content: strings.Join(textParts, "\n")})
	}
	return out
}

func convertAnthropicResponse(resp *anthropicResponse) Message {
	msg := Message{
		Type: MessageAI,
		UsageMetadata: &Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		ResponseMetadata: map[string]interface{}{"finish_reason": resp.StopReason},
	}
	var parts []string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Args: b.Input})
		}
	}
	msg.Content = strings.Join(parts, "\n")
	return msg
}

// blockContentText renders a tool_result content field, which may be a bare
// string or an array of text blocks.
func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func roleToType(role string) MessageType {
	switch role {
	case "assistant":
		return MessageAI
	case "system":
		return MessageSystem
	default:
		return MessageHuman
	}
}
