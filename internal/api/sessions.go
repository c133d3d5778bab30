package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/tacp"
)

type createSessionRequest struct {
	InitiatorID string                  `json:"initiator_id"`
	ResponderID string                  `json:"responder_id"`
	Purpose     string                  `json:"purpose,omitempty"`
	Constraints core.SessionConstraints `json:"constraints,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.tacp.CreateSession(req.InitiatorID, req.ResponderID, req.Purpose, req.Constraints)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, core.InvalidArgumentf("agent_id query parameter is required"))
		return
	}
	status := core.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := s.tacp.ListSessions(agentID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.tacp.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionActionRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleAcceptSession(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.tacp.AcceptSession(mux.Vars(r)["id"], req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRejectSession(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.tacp.RejectSession(mux.Vars(r)["id"], req.AgentID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = r.Header.Get("X-Agent-ID")
	}
	sess, err := s.tacp.EndSession(mux.Vars(r)["id"], agentID, r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionMessage injects one envelope into the session over REST and
// returns the frames it produced. The envelope's session id comes from the
// path, not the body.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var env tacp.Envelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, err)
		return
	}
	env.SessionID = mux.Vars(r)["id"]
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	frames, err := s.fabric.Inject(r.Context(), &env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"frames": frames})
}

// handleSessionWebSocket attaches a participant's duplex connection. The
// agent identifies itself with the X-Agent-ID header or agent_id query
// parameter.
func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if agentID == "" {
		writeError(w, core.InvalidArgumentf("agent identity is required to join a session"))
		return
	}
	if err := s.fabric.HandleWebSocket(w, r, mux.Vars(r)["id"], agentID); err != nil {
		writeError(w, err)
	}
}
