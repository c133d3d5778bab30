package extract

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIExtractor handles chat-completions payloads, including the legacy
// function_call form and compatible gateways that reuse the same schema.
type OpenAIExtractor struct{}

func NewOpenAIExtractor() *OpenAIExtractor { return &OpenAIExtractor{} }

func (e *OpenAIExtractor) ProviderName() string { return "openai" }

func (e *OpenAIExtractor) HandledPaths() []string {
	return []string{"/v1/chat/completions", "/v1/completions", "/openai/"}
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	User     string          `json:"user,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type openaiMessage struct {
	Role         string           `json:"role"`
	Content      json.RawMessage  `json:"content,omitempty"`
	ToolCalls    []openaiToolCall `json:"tool_calls,omitempty"`
	FunctionCall *openaiFunction  `json:"function_call,omitempty"`
	ToolCallID   string           `json:"tool_call_id,omitempty"`
	Name         string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded string
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (e *OpenAIExtractor) Extract(requestBody, responseBody []byte, latencyMs int64, headers http.Header) (*ExtractedTrace, error) {
	var req openaiRequest
	if err := json.Unmarshal(requestBody, &req); err != nil {
		return nil, fmt.Errorf("malformed openai request: %w", err)
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
	if trace.ThreadID == "" {
		trace.ThreadID = req.User
	}

	for _, m := range req.Messages {
		trace.Messages = append(trace.Messages, convertOpenAIMessage(m, nil))
	}

	if len(responseBody) > 0 {
		var resp openaiResponse
		if err := json.Unmarshal(responseBody, &resp); err != nil {
			return nil, fmt.Errorf("malformed openai response: %w", err)
		}
		if resp.Model != "" {
			trace.Model = resp.Model
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			msg := convertOpenAIMessage(choice.Message, &Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			})
			msg.ResponseMetadata = map[string]interface{}{"finish_reason": choice.FinishReason}
			trace.Messages = append(trace.Messages, msg)
		}
	}

	trace.finishAggregates()
	return trace, nil
}

func convertOpenAIMessage(m openaiMessage, usage *Usage) Message {
	msg := Message{Type: openaiRoleToType(m.Role), Content: openaiContentText(m.Content)}

	switch msg.Type {
	case MessageAI:
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: parseToolArgs(tc.Function.Arguments),
			})
		}
		// Legacy single function_call becomes a synthetic tool call.
		if m.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   "func_call",
				Name: m.FunctionCall.Name,
				Args: parseToolArgs(m.FunctionCall.Arguments),
			})
		}
		msg.UsageMetadata = usage
	case MessageTool:
		msg.ToolCallID = m.ToolCallID
		msg.Name = m.Name
	}
	return msg
}

// parseToolArgs decodes JSON-string arguments; anything unparseable is
// preserved verbatim under "raw".
func parseToolArgs(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return args
}

// openaiContentText tolerates both plain-string and multi-part content.
func openaiContentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

func openaiRoleToType(role string) MessageType {
	switch role {
	case "assistant":
		return MessageAI
	case "system", "developer":
		return MessageSystem
	case "tool", "function":
		return MessageTool
	default:
		return MessageHuman
	}
}
