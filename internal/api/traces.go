package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/extract"
	"github.com/agentcert/backend/internal/store"
	"github.com/agentcert/backend/internal/trace"
)

func (s *Server) handleIngestTraces(w http.ResponseWriter, r *http.Request) {
	var input trace.IngestInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.traces.Ingest(r.Context(), &input)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

type extractTraceRequest struct {
	AgentID      string          `json:"agent_id"`
	Provider     string          `json:"provider,omitempty"`
	Path         string          `json:"path,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	RequestBody  json.RawMessage `json:"request_body"`
	ResponseBody json.RawMessage `json:"response_body"`
	LatencyMs    int64           `json:"latency_ms,omitempty"`
}

// handleExtractTrace normalises one provider request/response pair and
// ingests it as an llm_call span with tool-result child spans. Dispatch is
// by provider name, or by the original request path when the caller only
// captured the URL.
func (s *Server) handleExtractTrace(w http.ResponseWriter, r *http.Request) {
	var req extractTraceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		extractor extract.Extractor
		err       error
	)
	switch {
	case req.Provider != "":
		extractor, err = s.extract.ByProvider(req.Provider)
	case req.Path != "":
		extractor, err = s.extract.ByPath(req.Path)
	default:
		err = core.InvalidArgumentf("provider or path is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	extracted, err := extractor.Extract(req.RequestBody, req.ResponseBody, req.LatencyMs, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = extracted.ThreadID
	}
	result, err := s.traces.Ingest(r.Context(), extractedToIngest(req.AgentID, threadID, extracted))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// extractedToIngest maps the unified extraction schema onto a span batch:
// one llm_call root carrying the normalised messages, one tool_call child
// per executed tool result.
func extractedToIngest(agentID, threadID string, ex *extract.ExtractedTrace) *trace.IngestInput {
	ended := ex.EndedAt
	root := trace.SpanInput{
		SpanID:    "llm-0",
		Type:      string(core.SpanLLMCall),
		Name:      ex.Provider + " " + ex.Model,
		Status:    string(core.SpanOK),
		StartedAt: ex.StartedAt,
		EndedAt:   &ended,
		Model:     ex.Model,
		Attributes: map[string]interface{}{
			"provider": ex.Provider,
			"messages": ex.Messages,
		},
		InputTokens:  ex.TotalInputTokens,
		OutputTokens: ex.TotalOutputTokens,
		TotalTokens:  ex.TotalTokens,
		LatencyMs:    ex.LatencyMs,
	}

	spans := []trace.SpanInput{root}
	for i, m := range ex.Messages {
		if m.Type != extract.MessageTool {
			continue
		}
		spans = append(spans, trace.SpanInput{
			SpanID:       fmt.Sprintf("tool-%d", i),
			ParentSpanID: root.SpanID,
			Type:         string(core.SpanToolCall),
			Name:         m.Name,
			Status:       string(core.SpanOK),
			StartedAt:    ex.StartedAt,
			EndedAt:      &ended,
			ToolName:     m.Name,
			ToolOutput:   m.Content,
		})
	}

	return &trace.IngestInput{
		AgentID:  agentID,
		ThreadID: threadID,
		Spans:    spans,
		Metadata: ex.Metadata,
	}
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := s.traces.List(store.TraceFilter{
		OrgID:   orgID(r),
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traces": traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, spans, err := s.traces.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, tr.OrgID); err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("include_spans") == "true" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"trace": tr, "spans": spans})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleGetSpans(w http.ResponseWriter, r *http.Request) {
	tr, spans, err := s.traces.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, tr.OrgID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spans": spans})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTrace(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, tr.OrgID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteTrace(tr.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// LIVE TRACE STREAM
// ============================================================================

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	streamWriteWait = 10 * time.Second
	streamKeepalive = 25 * time.Second // keepalive interval, under the 30s bound
)

// handleTraceStream attaches a websocket observer to the caller's
// organisation. Events arrive as JSON frames; keepalives go out on a timer
// and any write failure removes the subscriber.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.streamer.Subscribe(orgID(r))

	// Reader goroutine: the client sends nothing meaningful, but reads must
	// be drained for close detection and pong processing.
	go func() {
		defer conn.Close()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.streamer.Unsubscribe(sub)
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(streamKeepalive)
		defer func() {
			ticker.Stop()
			s.streamer.Unsubscribe(sub)
			conn.Close()
		}()
		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(&trace.Event{Type: trace.EventKeepalive, At: time.Now().UTC()}); err != nil {
					return
				}
			}
		}
	}()
}
