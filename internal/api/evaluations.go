package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentcert/backend/internal/core"
)

type startEvaluationRequest struct {
	AgentID string           `json:"agent_id"`
	Suites  []core.SuiteName `json:"suites"`
	Config  core.EvalConfig  `json:"config"`
}

func (s *Server) handleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	var req startEvaluationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.engine.Start(req.AgentID, req.Suites, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, core.InvalidArgumentf("agent_id query parameter is required"))
		return
	}
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, agent.OrgID); err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.engine.List(agent.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": runs})
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, run.OrgID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelEvaluation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, run.OrgID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleGetSuiteResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, err := s.engine.Get(vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, run.OrgID); err != nil {
		writeError(w, err)
		return
	}
	suite := core.SuiteName(vars["name"])
	result, ok := run.Results[suite]
	if !ok {
		writeError(w, core.NotFoundf("evaluation %s has no result for suite %q", run.ID, suite))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
