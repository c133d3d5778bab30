package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentcert/backend/internal/core"
)

type registerAgentRequest struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	PublicKeyHex string                 `json:"public_key,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, core.InvalidArgumentf("agent name is required"))
		return
	}

	now := time.Now().UTC()
	agent := &core.Agent{
		ID:           uuid.NewString(),
		OrgID:        orgID(r),
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		PublicKeyHex: req.PublicKeyHex,
		Metadata:     req.Metadata,
		Status:       core.AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAgent(agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(orgID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, agent.OrgID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type patchAgentRequest struct {
	Name         *string                `json:"name,omitempty"`
	Description  *string                `json:"description,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Endpoint     *string                `json:"endpoint,omitempty"`
	PublicKeyHex *string                `json:"public_key,omitempty"`
	Status       *core.AgentStatus      `json:"status,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, agent.OrgID); err != nil {
		writeError(w, err)
		return
	}
	var req patchAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Capabilities != nil {
		agent.Capabilities = req.Capabilities
	}
	if req.Endpoint != nil {
		agent.Endpoint = *req.Endpoint
	}
	if req.PublicKeyHex != nil {
		agent.PublicKeyHex = *req.PublicKeyHex
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			writeError(w, core.InvalidArgumentf("unknown agent status %q", *req.Status))
			return
		}
		agent.Status = *req.Status
	}
	if req.Metadata != nil {
		agent.Metadata = req.Metadata
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateAgent(agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, agent.OrgID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteAgentCascade(agent.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
