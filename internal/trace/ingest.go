// Package trace implements the ingestion path and live streaming of agent
// execution traces. Ingestion is atomic per batch; fan-out happens strictly
// after commit, in submission order.
package trace

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/metrics"
	"github.com/agentcert/backend/internal/store"
)

// SpanInput is one client-submitted span. SpanID and ParentSpanID are
// client-side identifiers, remapped to server ids within the batch.
type SpanInput struct {
	SpanID       string                 `json:"span_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Type         string                 `json:"type"`
	Name         string                 `json:"name"`
	Status       string                 `json:"status,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`

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

// IngestInput is one ingestion batch. At most one of TraceID/ThreadID is
// honoured; neither means a fresh trace.
type IngestInput struct {
	AgentID  string                 `json:"agent_id"`
	TraceID  string                 `json:"trace_id,omitempty"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Spans    []SpanInput            `json:"spans"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IngestResult reports what one batch did.
type IngestResult struct {
	Trace     *core.Trace  `json:"trace"`
	Spans     []*core.Span `json:"spans"`
	Created   bool         `json:"created"`
	Finalized bool         `json:"finalized"`
}

// Publisher receives post-commit trace events. The local Streamer satisfies
// it directly; multi-pod deployments wrap it in a Bridge.
type Publisher interface {
	Publish(*Event)
}

// Service is the trace ingestion and query layer.
type Service struct {
	store    *store.Store
	streamer Publisher
	logger   *log.Logger
}

func NewService(s *store.Store, streamer Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRACE] ", log.LstdFlags)
	}
	return &Service{store: s, streamer: streamer, logger: logger}
}

// Ingest persists a span batch atomically, then fans out trace_started,
// span_added (one per span, submission order) and trace_completed.
func (s *Service) Ingest(ctx context.Context, input *IngestInput) (*IngestResult, error) {
	agent, err := s.store.GetAgent(input.AgentID)
	if err != nil {
		return nil, err
	}
	if len(input.Spans) == 0 {
		return nil, core.InvalidArgumentf("span batch is empty")
	}

	tr, created, err := s.resolveTrace(agent, input)
	if err != nil {
		return nil, err
	}
	if tr.Status != core.TraceRunning {
		return nil, core.PreconditionFailedf("trace %s is %s and immutable", tr.ID, tr.Status)
	}

	// Local client-id -> server-id map, valid for this batch only.
	idMap := make(map[string]string, len(input.Spans))
	// Server ids already persisted under this trace, loaded on first
	// out-of-batch parent reference.
	var stored map[string]bool
	spans := make([]*core.Span, 0, len(input.Spans))
	allEnded := true
	allOK := true
	var latestEnd time.Time

	for i, in := range input.Spans {
		span := &core.Span{
			ID:           uuid.NewString(),
			TraceID:      tr.ID,
			Seq:          uint64(tr.SpanCount + i),
			Kind:         core.ResolveSpanKind(in.Type),
			Name:         in.Name,
			Status:       resolveSpanStatus(in.Status),
			StartedAt:    in.StartedAt.UTC(),
			Attributes:   in.Attributes,
			Model:        in.Model,
			InputTokens:  in.InputTokens,
			OutputTokens: in.OutputTokens,
			TotalTokens:  in.TotalTokens,
			LatencyMs:    in.LatencyMs,
			ToolName:     in.ToolName,
			ToolInput:    in.ToolInput,
			ToolOutput:   in.ToolOutput,
			ErrorType:    in.ErrorType,
			ErrorMessage: in.ErrorMessage,
		}
		if in.EndedAt != nil {
			ended := in.EndedAt.UTC()
			if ended.Before(span.StartedAt) {
				return nil, core.InvalidArgumentf("span %q ends before it starts", in.Name)
			}
			span.EndedAt = &ended
			if ended.After(latestEnd) {
				latestEnd = ended
			}
		} else {
			allEnded = false
		}
		if span.Status != core.SpanOK {
			allOK = false
		}
		if in.SpanID != "" {
			idMap[in.SpanID] = span.ID
		}
		if in.ParentSpanID != "" {
			if serverID, ok := idMap[in.ParentSpanID]; ok {
				span.ParentSpanID = serverID
			} else {
				// Parent outside this batch must be a persisted span of
				// this same trace.
				if stored == nil {
					existing, err := s.store.ListSpans(tr.ID)
					if err != nil {
						return nil, err
					}
					stored = make(map[string]bool, len(existing))
					for _, sp := range existing {
						stored[sp.ID] = true
					}
				}
				if !stored[in.ParentSpanID] {
					return nil, core.InvalidArgumentf("span %q parent %q is not a span of trace %s", in.Name, in.ParentSpanID, tr.ID)
				}
				span.ParentSpanID = in.ParentSpanID
			}
		}
		spans = append(spans, span)

		tr.TotalInputTokens += in.InputTokens
		tr.TotalOutputTokens += in.OutputTokens
		tr.TotalTokens += in.TotalTokens
		tr.TotalLatencyMs += in.LatencyMs
		if span.Kind == core.SpanToolCall {
			tr.ToolCallCount++
		}
	}
	tr.SpanCount += len(spans)

	finalized := false
	if allEnded {
		end := latestEnd
		tr.EndedAt = &end
		if allOK {
			tr.Status = core.TraceCompleted
		} else {
			tr.Status = core.TraceFailed
		}
		finalized = true
	}

	if err := s.store.AppendSpans(tr, spans); err != nil {
		return nil, err
	}

	// Post-commit fan-out, strictly ordered.
	if s.streamer != nil {
		if created {
			s.streamer.Publish(&Event{Type: EventTraceStarted, OrgID: tr.OrgID, TraceID: tr.ID, Trace: tr})
		}
		for _, span := range spans {
			s.streamer.Publish(&Event{Type: EventSpanAdded, OrgID: tr.OrgID, TraceID: tr.ID, Span: span})
		}
		if finalized {
			s.streamer.Publish(&Event{Type: EventTraceCompleted, OrgID: tr.OrgID, TraceID: tr.ID, Trace: tr})
		}
	}

	for _, span := range spans {
		metrics.SpansIngested.WithLabelValues(string(span.Kind)).Inc()
	}
	if finalized {
		metrics.TracesFinalized.WithLabelValues(string(tr.Status)).Inc()
	}

	return &IngestResult{Trace: tr, Spans: spans, Created: created, Finalized: finalized}, nil
}

func (s *Service) resolveTrace(agent *core.Agent, input *IngestInput) (*core.Trace, bool, error) {
	if input.TraceID != "" {
		tr, err := s.store.GetTrace(input.TraceID)
		if err != nil {
			return nil, false, err
		}
		return tr, false, nil
	}

	if input.ThreadID != "" {
		tr, err := s.store.LatestTraceForThread(agent.ID, input.ThreadID)
		if err != nil {
			return nil, false, err
		}
		if tr != nil && tr.Status == core.TraceRunning {
			return tr, false, nil
		}
	}

	started := earliestStart(input.Spans)
	tr := &core.Trace{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		OrgID:     agent.OrgID,
		ThreadID:  input.ThreadID,
		Status:    core.TraceRunning,
		StartedAt: started,
		Metadata:  input.Metadata,
	}
	return tr, true, nil
}

// Get returns a trace with its spans in persistence order.
func (s *Service) Get(traceID string) (*core.Trace, []*core.Span, error) {
	tr, err := s.store.GetTrace(traceID)
	if err != nil {
		return nil, nil, err
	}
	spans, err := s.store.ListSpans(traceID)
	if err != nil {
		return nil, nil, err
	}
	return tr, spans, nil
}

// List returns an organisation's traces, newest first.
func (s *Service) List(filter store.TraceFilter) ([]*core.Trace, error) {
	return s.store.ListTraces(filter)
}

// PruneOlderThan deletes traces started before now minus the retention
// window. Registered as a cron job.
func (s *Service) PruneOlderThan(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	pruned, err := s.store.PruneTracesBefore(cutoff)
	if err != nil {
		s.logger.Printf("retention prune failed: %v", err)
		return
	}
	if pruned > 0 {
		s.logger.Printf("retention prune removed %d trace(s) older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}

func resolveSpanStatus(raw string) core.SpanStatus {
	switch raw {
	case "error":
		return core.SpanError
	case "cancelled":
		return core.SpanCancelled
	default:
		return core.SpanOK
	}
}

func earliestStart(spans []SpanInput) time.Time {
	start := spans[0].StartedAt.UTC()
	for _, span := range spans[1:] {
		if span.StartedAt.UTC().Before(start) {
			start = span.StartedAt.UTC()
		}
	}
	return start
}
