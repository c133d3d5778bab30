package core

import "time"

// SpanKind classifies a unit of work inside a trace.
type SpanKind string

const (
	SpanLLMCall     SpanKind = "llm_call"
	SpanToolCall    SpanKind = "tool_call"
	SpanAgentAction SpanKind = "agent_action"
	SpanDecision    SpanKind = "decision"
	SpanFileOp      SpanKind = "file_operation"
	SpanAPICall     SpanKind = "api_call"
	SpanCustom      SpanKind = "custom"
)

// spanKindAliases maps client-submitted kind strings to canonical kinds.
// Anything unlisted resolves to SpanCustom.
var spanKindAliases = map[string]SpanKind{
	"llm":            SpanLLMCall,
	"llm_call":       SpanLLMCall,
	"tool":           SpanToolCall,
	"tool_call":      SpanToolCall,
	"agent_action":   SpanAgentAction,
	"decision":       SpanDecision,
	"file":           SpanFileOp,
	"file_operation": SpanFileOp,
	"api":            SpanAPICall,
	"api_call":       SpanAPICall,
	"custom":         SpanCustom,
}

// ResolveSpanKind normalises a client-submitted span type string.
func ResolveSpanKind(raw string) SpanKind {
	if kind, ok := spanKindAliases[raw]; ok {
		return kind
	}
	return SpanCustom
}

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	SpanOK        SpanStatus = "ok"
	SpanError     SpanStatus = "error"
	SpanCancelled SpanStatus = "cancelled"
)

// TraceStatus is the lifecycle state of a trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceCompleted TraceStatus = "completed"
	TraceFailed    TraceStatus = "failed"
)

// Trace is a time-ordered record of one agent execution with aggregated
// counters. It is opened on first span insert or explicit start and never
// mutated after finalisation.
type Trace struct {
	ID                string                 `json:"id"`
	AgentID           string                 `json:"agent_id"`
	OrgID             string                 `json:"org_id"`
	ThreadID          string                 `json:"thread_id,omitempty"`
	Status            TraceStatus            `json:"status"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           *time.Time             `json:"ended_at,omitempty"`
	TotalInputTokens  int64                  `json:"total_input_tokens"`
	TotalOutputTokens int64                  `json:"total_output_tokens"`
	TotalTokens       int64                  `json:"total_tokens"`
	ToolCallCount     int64                  `json:"tool_call_count"`
	TotalLatencyMs    int64                  `json:"total_latency_ms"`
	SpanCount         int                    `json:"span_count"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Span is a timed, typed unit of work nested under a trace. parent_span_id
// refers to a span of the same trace or is empty.
type Span struct {
	ID           string                 `json:"id"`
	TraceID      string                 `json:"trace_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Seq          uint64                 `json:"seq"`
	Kind         SpanKind               `json:"kind"`
	Name         string                 `json:"name"`
	Status       SpanStatus             `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`

	// Kind-specific named fields. The open attribute bag stays for
	// extensibility, but everything the pipeline aggregates is typed.
	Model        string                 `json:"model,omitempty"`
	InputTokens  int64                  `json:"input_tokens,omitempty"`
	OutputTokens int64                  `json:"output_tokens,omitempty"`
	TotalTokens  int64                  `json:"total_tokens,omitempty"`
	LatencyMs    int64                  `json:"latency_ms,omitempty"`
	ToolName     string                 `json:"tool_name,omitempty"`
	ToolInput    map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput   string                 `json:"tool_output,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
