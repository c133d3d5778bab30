// Package api exposes the REST and websocket surface: agent registry,
// evaluation runs, certificate lifecycle, trace ingestion and streaming,
// and TACP session management.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcert/backend/internal/cert"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/evaluation"
	"github.com/agentcert/backend/internal/extract"
	"github.com/agentcert/backend/internal/metrics"
	"github.com/agentcert/backend/internal/store"
	"github.com/agentcert/backend/internal/tacp"
	"github.com/agentcert/backend/internal/trace"
)

// Server wires the subsystem services behind the HTTP surface.
type Server struct {
	router   *mux.Router
	store    *store.Store
	engine   *evaluation.Engine
	certs    *cert.Service
	traces   *trace.Service
	streamer *trace.Streamer
	extract  *extract.Registry
	tacp     *tacp.Handler
	fabric   *tacp.Fabric
	logger   *log.Logger
}

// Deps carries the constructed services into the server.
type Deps struct {
	Store    *store.Store
	Engine   *evaluation.Engine
	Certs    *cert.Service
	Traces   *trace.Service
	Streamer *trace.Streamer
	Extract  *extract.Registry
	TACP     *tacp.Handler
	Fabric   *tacp.Fabric
	Logger   *log.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	if deps.Extract == nil {
		deps.Extract = extract.DefaultRegistry()
	}
	s := &Server{
		router:   mux.NewRouter(),
		store:    deps.Store,
		engine:   deps.Engine,
		certs:    deps.Certs,
		traces:   deps.Traces,
		streamer: deps.Streamer,
		extract:  deps.Extract,
		tacp:     deps.TACP,
		fabric:   deps.Fabric,
		logger:   deps.Logger,
	}
	s.routes()
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	// Agents.
	v1.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	v1.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	v1.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")
	v1.HandleFunc("/agents/{id}", s.handlePatchAgent).Methods("PATCH")
	v1.HandleFunc("/agents/{id}", s.handleDeleteAgent).Methods("DELETE")

	// Traces.
	v1.HandleFunc("/traces/batch", s.handleIngestTraces).Methods("POST")
	v1.HandleFunc("/traces/extract", s.handleExtractTrace).Methods("POST")
	v1.HandleFunc("/traces", s.handleListTraces).Methods("GET")
	v1.HandleFunc("/traces/{id}", s.handleGetTrace).Methods("GET")
	v1.HandleFunc("/traces/{id}/spans", s.handleGetSpans).Methods("GET")
	v1.HandleFunc("/traces/{id}", s.handleDeleteTrace).Methods("DELETE")
	v1.HandleFunc("/trace_stream", s.handleTraceStream).Methods("GET")

	// Evaluations.
	v1.HandleFunc("/evaluations", s.handleStartEvaluation).Methods("POST")
	v1.HandleFunc("/evaluations", s.handleListEvaluations).Methods("GET")
	v1.HandleFunc("/evaluations/{id}", s.handleGetEvaluation).Methods("GET")
	v1.HandleFunc("/evaluations/{id}/cancel", s.handleCancelEvaluation).Methods("POST")
	v1.HandleFunc("/evaluations/{id}/suites/{name}", s.handleGetSuiteResult).Methods("GET")

	// Certificates, owner view.
	v1.HandleFunc("/certificates", s.handleIssueCertificate).Methods("POST")
	v1.HandleFunc("/certificates", s.handleListCertificates).Methods("GET")
	v1.HandleFunc("/certificates/{id}", s.handleGetCertificate).Methods("GET")
	v1.HandleFunc("/certificates/{id}/revoke", s.handleRevokeCertificate).Methods("POST")
	v1.HandleFunc("/certificates/{id}/chain", s.handleGetChain).Methods("GET")

	// Certificates, public view.
	v1.HandleFunc("/certificates/{id}/verify", s.handleVerifyCertificate).Methods("GET")
	v1.HandleFunc("/registry/search", s.handleRegistrySearch).Methods("GET")
	v1.HandleFunc("/registry/verify/{id}", s.handleVerifyCertificate).Methods("GET")
	v1.HandleFunc("/registry/crl", s.handleCRL).Methods("GET")
	v1.HandleFunc("/registry/capabilities", s.handleRegistryCapabilities).Methods("GET")
	v1.HandleFunc("/registry/grades", s.handleRegistryGrades).Methods("GET")

	// Sessions.
	v1.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	v1.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	v1.HandleFunc("/sessions/{id}/accept", s.handleAcceptSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}/reject", s.handleRejectSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}", s.handleEndSession).Methods("DELETE")
	v1.HandleFunc("/sessions/{id}/messages", s.handleSessionMessage).Methods("POST")
	v1.HandleFunc("/sessions/{id}/ws", s.handleSessionWebSocket).Methods("GET")
}

// ============================================================================
// MIDDLEWARE AND HELPERS
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Org-ID, X-Agent-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// orgID resolves the caller's organisation. Defaults keep single-tenant
// deployments working without the header.
func orgID(r *http.Request) string {
	if org := r.Header.Get("X-Org-ID"); org != "" {
		return org
	}
	return "default"
}

// authorizeOrg rejects access to an entity owned by another organisation.
// Public surfaces (verify, registry) never call this.
func authorizeOrg(r *http.Request, entityOrg string) error {
	if entityOrg != "" && entityOrg != orgID(r) {
		return core.NotAuthorizedf("entity belongs to another organisation")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, core.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"code":  core.CodeOf(err),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.InvalidArgumentf("malformed request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
