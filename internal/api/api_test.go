package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/ca"
	"github.com/agentcert/backend/internal/cert"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/evaluation"
	"github.com/agentcert/backend/internal/keys"
	"github.com/agentcert/backend/internal/store"
	"github.com/agentcert/backend/internal/tacp"
	"github.com/agentcert/backend/internal/trace"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	certs  *cert.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)

	signer, err := ca.NewSigner("agentcert-root")
	require.NoError(t, err)
	certs := cert.NewService(st, signer, 365*24*time.Hour, "1.0", nil)
	km := keys.NewManager(filepath.Join(dir, "keys"))

	streamer := trace.NewStreamer(32, nil)
	traces := trace.NewService(st, streamer, nil)
	handler := tacp.NewHandler(st, certs, km, 0, nil)
	fabric := tacp.NewFabric(handler, time.Minute, nil)
	engine := evaluation.NewEngine(st, nil, nil, nil)

	srv := httptest.NewServer(NewServer(Deps{
		Store:    st,
		Engine:   engine,
		Certs:    certs,
		Traces:   traces,
		Streamer: streamer,
		TACP:     handler,
		Fabric:   fabric,
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		fabric.Close()
		st.Close()
	})
	return &testEnv{server: srv, store: st, certs: certs}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) registerAgent(t *testing.T, name string, caps []string) *core.Agent {
	t.Helper()
	resp, body := e.do(t, "POST", "/v1/agents", map[string]interface{}{
		"name":         name,
		"capabilities": caps,
		"endpoint":     "http://agent.internal/run",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var agent core.Agent
	require.NoError(t, json.Unmarshal(body, &agent))
	return &agent
}

func (e *testEnv) seedCertificate(t *testing.T, agent *core.Agent) *core.Certificate {
	t.Helper()
	now := time.Now().UTC()
	overall, safety, capability := 90.2, 92.0, 88.0
	completed := now
	run := &core.EvaluationRun{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OrgID:   agent.OrgID,
		Suites:  []core.SuiteName{core.SuiteSafety, core.SuiteCapability},
		Status:  core.EvalCompleted,
		OverallScore: &overall,
		SuiteScores: map[core.SuiteName]*float64{
			core.SuiteSafety:     &safety,
			core.SuiteCapability: &capability,
		},
		Grade:               "A",
		CertificateEligible: true,
		Results: map[core.SuiteName]core.SuiteResult{
			core.SuiteCapability: {
				Suite: core.SuiteCapability,
				Score: capability,
				Categories: []core.CategoryResult{{
					Category: "task-completion",
					Score:    88,
					Tests:    []core.TestResult{{TaskID: "cap-code-review", Score: 90, Passed: true}},
				}},
			},
		},
		CreatedAt:   now,
		CompletedAt: &completed,
	}
	require.NoError(t, e.store.PutEvaluation(run))

	resp, body := e.do(t, "POST", "/v1/certificates", map[string]string{
		"agent_id":      agent.ID,
		"evaluation_id": run.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var certificate core.Certificate
	require.NoError(t, json.Unmarshal(body, &certificate))
	return &certificate
}

func TestAgentCRUD(t *testing.T) {
	e := newTestEnv(t)
	agent := e.registerAgent(t, "reviewer", []string{"code-review"})
	assert.Equal(t, "default", agent.OrgID)
	assert.Equal(t, core.AgentActive, agent.Status)

	resp, body := e.do(t, "GET", "/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, "PATCH", "/v1/agents/"+agent.ID, map[string]interface{}{
		"description": "reviews pull requests",
		"status":      "inactive",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated core.Agent
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, core.AgentInactive, updated.Status)
	assert.Equal(t, "reviews pull requests", updated.Description)

	resp, _ = e.do(t, "DELETE", "/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = e.do(t, "GET", "/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "not-found", errBody["code"])
}

func TestAgentOrgScoping(t *testing.T) {
	e := newTestEnv(t)
	e.registerAgent(t, "default-org-agent", nil)

	resp, body := e.do(t, "POST", "/v1/agents", map[string]string{"name": "other"}, map[string]string{"X-Org-ID": "org-b"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	_, body = e.do(t, "GET", "/v1/agents", nil, map[string]string{"X-Org-ID": "org-b"})
	var listing struct {
		Agents []core.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Agents, 1)
	assert.Equal(t, "other", listing.Agents[0].Name)
}

func TestCrossOrgAccessDenied(t *testing.T) {
	e := newTestEnv(t)
	alpha := map[string]string{"X-Org-ID": "alpha"}
	beta := map[string]string{"X-Org-ID": "beta"}

	resp, body := e.do(t, "POST", "/v1/agents", map[string]string{"name": "alpha-agent"}, alpha)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var agent core.Agent
	require.NoError(t, json.Unmarshal(body, &agent))

	// Another organisation cannot read, modify or delete the agent.
	resp, body = e.do(t, "GET", "/v1/agents/"+agent.ID, nil, beta)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var envelope struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "not-authorized", envelope.Code)

	resp, _ = e.do(t, "PATCH", "/v1/agents/"+agent.ID, map[string]string{"name": "stolen"}, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "DELETE", "/v1/agents/"+agent.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner still can.
	resp, _ = e.do(t, "GET", "/v1/agents/"+agent.ID, nil, alpha)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Traces inherit the agent's organisation.
	start := time.Now().UTC().Add(-time.Second)
	resp, body = e.do(t, "POST", "/v1/traces/batch", map[string]interface{}{
		"agent_id": agent.ID,
		"spans": []map[string]interface{}{
			{"span_id": "c1", "type": "llm", "name": "plan", "status": "ok",
				"started_at": start.Format(time.RFC3339Nano),
				"ended_at":   start.Add(time.Millisecond).Format(time.RFC3339Nano)},
		},
	}, alpha)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ingest trace.IngestResult
	require.NoError(t, json.Unmarshal(body, &ingest))

	resp, _ = e.do(t, "GET", "/v1/traces/"+ingest.Trace.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/traces/"+ingest.Trace.ID+"/spans", nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "DELETE", "/v1/traces/"+ingest.Trace.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Certificates: owner surface is scoped, verification stays public.
	certificate := e.seedCertificate(t, &agent)
	resp, _ = e.do(t, "GET", "/v1/certificates/"+certificate.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/certificates/"+certificate.ID+"/chain", nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "POST", "/v1/certificates/"+certificate.ID+"/revoke", map[string]string{"reason": "hostile"}, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/certificates/"+certificate.ID+"/verify", nil, beta)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Evaluations carry the agent's organisation too.
	run := &core.EvaluationRun{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		OrgID:     agent.OrgID,
		Suites:    []core.SuiteName{core.SuiteSafety},
		Status:    core.EvalCompleted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.PutEvaluation(run))
	resp, _ = e.do(t, "GET", "/v1/evaluations/"+run.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/evaluations?agent_id="+agent.ID, nil, beta)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/evaluations/"+run.ID, nil, alpha)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCertificateEndpoints(t *testing.T) {
	e := newTestEnv(t)
	agent := e.registerAgent(t, "reviewer", []string{"code-review"})
	certificate := e.seedCertificate(t, agent)

	// Public verify.
	resp, body := e.do(t, "GET", "/v1/certificates/"+certificate.ID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verification core.Verification
	require.NoError(t, json.Unmarshal(body, &verification))
	assert.True(t, verification.Valid)

	// Chain includes the issuer key material.
	resp, body = e.do(t, "GET", "/v1/certificates/"+certificate.ID+"/chain", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "PUBLIC KEY")

	// Registry search finds the certified agent.
	_, body = e.do(t, "GET", "/v1/registry/search?capability=code-review&grade=A", nil, nil)
	var search struct {
		Results []registryEntry `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &search))
	require.Len(t, search.Results, 1)
	assert.Equal(t, agent.ID, search.Results[0].AgentID)

	// Aggregations.
	_, body = e.do(t, "GET", "/v1/registry/capabilities", nil, nil)
	assert.Contains(t, string(body), `"code-review":1`)
	_, body = e.do(t, "GET", "/v1/registry/grades", nil, nil)
	assert.Contains(t, string(body), `"A":1`)

	// Revoke, then verify shows the failure and the CRL lists it.
	resp, body = e.do(t, "POST", "/v1/certificates/"+certificate.ID+"/revoke", map[string]string{
		"reason": "policy violation",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	_, body = e.do(t, "GET", "/v1/certificates/"+certificate.ID+"/verify", nil, nil)
	require.NoError(t, json.Unmarshal(body, &verification))
	assert.True(t, verification.SignatureValid)
	assert.False(t, verification.NotRevoked)
	assert.False(t, verification.Valid)

	_, body = e.do(t, "GET", "/v1/registry/crl", nil, nil)
	assert.Contains(t, string(body), certificate.ID)

	// Revoking without a reason is a client error.
	resp, _ = e.do(t, "POST", "/v1/certificates/"+certificate.ID+"/revoke", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTraceIngestAndQuery(t *testing.T) {
	e := newTestEnv(t)
	agent := e.registerAgent(t, "tracer", nil)

	start := time.Now().UTC().Add(-time.Second)
	end := start.Add(200 * time.Millisecond)
	resp, body := e.do(t, "POST", "/v1/traces/batch", map[string]interface{}{
		"agent_id": agent.ID,
		"spans": []map[string]interface{}{
			{"span_id": "c1", "type": "llm", "name": "plan", "status": "ok",
				"started_at": start.Format(time.RFC3339Nano), "ended_at": end.Format(time.RFC3339Nano),
				"input_tokens": 10, "output_tokens": 5, "total_tokens": 15},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var result trace.IngestResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Finalized)
	traceID := result.Trace.ID

	resp, body = e.do(t, "GET", "/v1/traces/"+traceID+"?include_spans=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Trace core.Trace  `json:"trace"`
		Spans []core.Span `json:"spans"`
	}
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, core.TraceCompleted, detail.Trace.Status)
	require.Len(t, detail.Spans, 1)
	assert.Equal(t, "plan", detail.Spans[0].Name)

	_, body = e.do(t, "GET", "/v1/traces", nil, nil)
	assert.Contains(t, string(body), traceID)

	resp, _ = e.do(t, "DELETE", "/v1/traces/"+traceID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/v1/traces/"+traceID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraceExtract(t *testing.T) {
	e := newTestEnv(t)
	agent := e.registerAgent(t, "proxied", nil)

	requestBody := map[string]interface{}{
		"model":  "claude-sonnet-4",
		"system": "You are a helpful assistant.",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "What is the weather in Oslo?"},
			{"role": "user", "content": []map[string]interface{}{
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "4C, overcast"},
			}},
		},
	}
	responseBody := map[string]interface{}{
		"model": "claude-sonnet-4",
		"content": []map[string]interface{}{
			{"type": "text", "text": "It is 4C and overcast in Oslo."},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 42, "output_tokens": 12},
	}

	resp, body := e.do(t, "POST", "/v1/traces/extract", map[string]interface{}{
		"agent_id":      agent.ID,
		"provider":      "anthropic",
		"latency_ms":    850,
		"request_body":  requestBody,
		"response_body": responseBody,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var result trace.IngestResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Spans, 2)
	assert.Equal(t, core.SpanLLMCall, result.Spans[0].Kind)
	assert.Equal(t, "anthropic claude-sonnet-4", result.Spans[0].Name)
	assert.Equal(t, int64(42), result.Spans[0].InputTokens)
	assert.Equal(t, int64(54), result.Spans[0].TotalTokens)
	assert.Equal(t, core.SpanToolCall, result.Spans[1].Kind)
	assert.Equal(t, result.Spans[0].ID, result.Spans[1].ParentSpanID)

	// Path-based dispatch reaches the same extractor.
	resp, _ = e.do(t, "POST", "/v1/traces/extract", map[string]interface{}{
		"agent_id":      agent.ID,
		"path":          "/v1/messages",
		"request_body":  requestBody,
		"response_body": responseBody,
	}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Unknown provider is a 404; neither provider nor path is a 400.
	resp, _ = e.do(t, "POST", "/v1/traces/extract", map[string]interface{}{
		"agent_id": agent.ID, "provider": "cohere",
		"request_body": requestBody, "response_body": responseBody,
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, "POST", "/v1/traces/extract", map[string]interface{}{
		"agent_id": agent.ID, "request_body": requestBody,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTraceStreamWebSocket(t *testing.T) {
	e := newTestEnv(t)
	agent := e.registerAgent(t, "tracer", nil)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/trace_stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the subscription settle before publishing.
	time.Sleep(50 * time.Millisecond)

	start := time.Now().UTC().Add(-time.Second)
	end := start.Add(time.Millisecond * 100)
	resp, body := e.do(t, "POST", "/v1/traces/batch", map[string]interface{}{
		"agent_id": agent.ID,
		"spans": []map[string]interface{}{
			{"span_id": "c1", "type": "llm", "name": "plan", "status": "ok",
				"started_at": start.Format(time.RFC3339Nano), "ended_at": end.Format(time.RFC3339Nano)},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	expect := []trace.EventType{trace.EventTraceStarted, trace.EventSpanAdded, trace.EventTraceCompleted}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range expect {
		var event trace.Event
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, want, event.Type)
	}
}

func TestSessionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	initiator := e.registerAgent(t, "verifier", nil)
	responder := e.registerAgent(t, "target", []string{"code-review"})
	e.seedCertificate(t, responder)

	resp, body := e.do(t, "POST", "/v1/sessions", map[string]interface{}{
		"initiator_id": initiator.ID,
		"responder_id": responder.ID,
		"purpose":      "code review",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sess core.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, core.SessionPending, sess.Status)

	// Initiator cannot accept.
	resp, _ = e.do(t, "POST", "/v1/sessions/"+sess.ID+"/accept", map[string]string{"agent_id": initiator.ID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, "POST", "/v1/sessions/"+sess.ID+"/accept", map[string]string{"agent_id": responder.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, core.SessionActive, sess.Status)

	// Ping over the REST message endpoint; the pong comes back in frames.
	resp, body = e.do(t, "POST", "/v1/sessions/"+sess.ID+"/messages", map[string]interface{}{
		"message_type": "ping",
		"sender_id":    initiator.ID,
		"recipient_id": responder.ID,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var frameResp struct {
		Frames []tacp.Envelope `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(body, &frameResp))
	require.Len(t, frameResp.Frames, 1)
	assert.Equal(t, tacp.MsgPong, frameResp.Frames[0].MessageType)

	resp, body = e.do(t, "DELETE", fmt.Sprintf("/v1/sessions/%s?agent_id=%s", sess.ID, initiator.ID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, core.SessionEnded, sess.Status)

	_, body = e.do(t, "GET", "/v1/sessions?agent_id="+initiator.ID, nil, nil)
	assert.Contains(t, string(body), sess.ID)
}

func TestSessionWebSocketHandshake(t *testing.T) {
	e := newTestEnv(t)
	initiator := e.registerAgent(t, "verifier", nil)
	responder := e.registerAgent(t, "target", []string{"code-review"})
	e.seedCertificate(t, responder)

	resp, body := e.do(t, "POST", "/v1/sessions", map[string]interface{}{
		"initiator_id": initiator.ID,
		"responder_id": responder.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess core.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	resp, _ = e.do(t, "POST", "/v1/sessions/"+sess.ID+"/accept", map[string]string{"agent_id": responder.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/sessions/" + sess.ID + "/ws"
	header := http.Header{"X-Agent-ID": []string{initiator.ID}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"message_type": "ping",
		"recipient_id": responder.ID,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong tacp.Envelope
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, tacp.MsgPong, pong.MessageType)
	assert.Equal(t, initiator.ID, pong.RecipientID)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	resp, _ = e.do(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
