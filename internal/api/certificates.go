package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/store"
)

type issueCertificateRequest struct {
	AgentID      string `json:"agent_id"`
	EvaluationID string `json:"evaluation_id"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

func (s *Server) handleIssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req issueCertificateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	certificate, err := s.certs.Issue(req.AgentID, req.EvaluationID, time.Duration(req.ValidityDays)*24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, certificate)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	filter := store.CertFilter{
		OrgID:   orgID(r),
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  core.CertStatus(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	}
	certificates, err := s.certs.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"certificates": certificates})
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	certificate, err := s.certs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, certificate.OrgID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificate)
}

type revokeCertificateRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req revokeCertificateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, core.InvalidArgumentf("revocation reason is required"))
		return
	}
	existing, err := s.certs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, existing.OrgID); err != nil {
		writeError(w, err)
		return
	}
	certificate, err := s.certs.Revoke(existing.ID, req.Reason, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificate)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.certs.GetChain(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeOrg(r, chain.Certificate.OrgID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleVerifyCertificate(w http.ResponseWriter, r *http.Request) {
	verification, err := s.certs.Verify(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := s.certs.GetCRL()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crl)
}

// ============================================================================
// PUBLIC REGISTRY
// ============================================================================

type registryEntry struct {
	AgentID      string   `json:"agent_id"`
	AgentName    string   `json:"agent_name"`
	Certificate  string   `json:"certificate_id"`
	Grade        string   `json:"grade"`
	OverallScore float64  `json:"overall_score"`
	Capabilities []string `json:"certified_capabilities"`
}

// handleRegistrySearch searches active certificates by capability, grade and
// minimum overall score. The registry is public; no org scoping applies.
func (s *Server) handleRegistrySearch(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	grade := r.URL.Query().Get("grade")
	minScore := float64(queryInt(r, "min_score", 0))

	certificates, err := s.certs.List(store.CertFilter{Status: core.CertActive})
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]registryEntry, 0)
	for _, c := range certificates {
		if capability != "" && !c.HasCapability(capability) {
			continue
		}
		if grade != "" && c.Grade != grade {
			continue
		}
		if c.Scores.Overall < minScore {
			continue
		}
		agent, err := s.store.GetAgent(c.AgentID)
		if err != nil {
			continue
		}
		entries = append(entries, registryEntry{
			AgentID:      c.AgentID,
			AgentName:    agent.Name,
			Certificate:  c.ID,
			Grade:        c.Grade,
			OverallScore: c.Scores.Overall,
			Capabilities: c.CertifiedCapabilities,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": entries})
}

// handleRegistryCapabilities aggregates certified capability counts across
// all active certificates.
func (s *Server) handleRegistryCapabilities(w http.ResponseWriter, r *http.Request) {
	certificates, err := s.certs.List(store.CertFilter{Status: core.CertActive})
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, c := range certificates {
		for _, cap := range c.CertifiedCapabilities {
			counts[cap]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": counts})
}

// handleRegistryGrades aggregates grade counts across all active
// certificates.
func (s *Server) handleRegistryGrades(w http.ResponseWriter, r *http.Request) {
	certificates, err := s.certs.List(store.CertFilter{Status: core.CertActive})
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, c := range certificates {
		counts[c.Grade]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grades": counts})
}
