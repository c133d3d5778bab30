package trace

import (
	"time"

	"github.com/agentcert/backend/internal/core"
)

// EventType names the live events the pipeline fans out.
type EventType string

const (
	EventTraceStarted   EventType = "trace_started"
	EventSpanAdded      EventType = "span_added"
	EventTraceCompleted EventType = "trace_completed"
	EventKeepalive      EventType = "keepalive"
)

// Event is one fan-out message. Exactly one of Trace/Span is set depending
// on the type.
type Event struct {
	Type    EventType   `json:"type"`
	OrgID   string      `json:"org_id"`
	TraceID string      `json:"trace_id"`
	Trace   *core.Trace `json:"trace,omitempty"`
	Span    *core.Span  `json:"span,omitempty"`
	At      time.Time   `json:"at"`
}
