// Package cert implements the certificate lifecycle: issuance from eligible
// evaluations, verification, revocation, chain-of-trust and CRL queries.
package cert

import (
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/ca"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/metrics"
	"github.com/agentcert/backend/internal/store"
)

// capabilityLabelByTest maps capability-suite test ids to the canonical
// capability label they certify. The mapping is fixed: test banks and
// certificates must agree on it across releases.
var capabilityLabelByTest = map[string]string{
	"cap-task-basic":        "task-execution",
	"cap-task-multistep":    "task-execution",
	"cap-task-ambiguous":    "task-execution",
	"cap-tool-selection":    "tool-use",
	"cap-tool-arguments":    "tool-use",
	"cap-tool-chaining":     "tool-use",
	"cap-reason-deduction":  "reasoning",
	"cap-reason-tradeoff":   "reasoning",
	"cap-reason-planning":   "reasoning",
	"cap-code-review":       "code-review",
	"cap-code-defects":      "code-review",
	"cap-summarise-report":  "summarisation",
	"cap-summarise-thread":  "summarisation",
	"cap-efficiency-tokens": "task-execution",
	"cap-efficiency-steps":  "task-execution",
}

// Service drives certificate state transitions. All persistence goes through
// the store in single transactions; the Service itself only holds the CRL
// cache.
type Service struct {
	store  *store.Store
	signer *ca.Signer
	logger *log.Logger

	validity time.Duration
	version  string

	crlMu    sync.Mutex
	crl      *CRL
	crlDirty bool
}

// CRL is the full revocation list with its generation timestamp.
type CRL struct {
	UpdatedAt time.Time              `json:"updated_at"`
	Entries   []core.RevocationEntry `json:"entries"`
}

// Chain bundles a certificate with the issuer material needed to verify the
// signature offline.
type Chain struct {
	Certificate  *core.Certificate `json:"certificate"`
	Issuer       string            `json:"issuer"`
	IssuerKeyPEM string            `json:"issuer_public_key_pem"`
	IssuerKeyHex string            `json:"issuer_public_key_hex"`
}

// NewService builds the lifecycle service. validity is the lifetime of newly
// issued certificates; version is stamped into each certificate body.
func NewService(s *store.Store, signer *ca.Signer, validity time.Duration, version string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[CERT] ", log.LstdFlags)
	}
	return &Service{
		store:    s,
		signer:   signer,
		logger:   logger,
		validity: validity,
		version:  version,
		crlDirty: true,
	}
}

// Issue creates, signs and persists a certificate from a completed, eligible
// evaluation. Previously active certificates of the agent are revoked as
// superseded in the same transaction. A zero validity falls back to the
// service default.
func (s *Service) Issue(agentID, evaluationID string, validity time.Duration) (*core.Certificate, error) {
	if validity < 0 {
		return nil, core.InvalidArgumentf("validity must be positive")
	}
	if validity == 0 {
		validity = s.validity
	}
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetEvaluation(evaluationID)
	if err != nil {
		return nil, err
	}
	if run.AgentID != agentID {
		return nil, core.PreconditionFailedf("wrong-agent: evaluation %s belongs to agent %s", evaluationID, run.AgentID)
	}
	if run.Status != core.EvalCompleted {
		return nil, core.PreconditionFailedf("evaluation %s is %s, not completed", evaluationID, run.Status)
	}
	if !run.CertificateEligible || run.OverallScore == nil {
		return nil, core.NotEligiblef("evaluation %s does not meet certification thresholds", evaluationID)
	}

	certified, notCertified := deriveCapabilities(agent, run)

	now := time.Now().UTC().Truncate(time.Second)
	cert := &core.Certificate{
		ID:           uuid.NewString(),
		Version:      s.version,
		AgentID:      agentID,
		OrgID:        agent.OrgID,
		EvaluationID: evaluationID,
		Grade:        core.GradeLetter(*run.OverallScore),
		Scores: core.ScoreBreakdown{
			Overall:       *run.OverallScore,
			Capability:    run.SuiteScore(core.SuiteCapability),
			Safety:        run.SuiteScore(core.SuiteSafety),
			Reliability:   run.SuiteScore(core.SuiteReliability),
			Communication: run.SuiteScore(core.SuiteCommunication),
		},
		CertifiedCapabilities: certified,
		NotCertified:          notCertified,
		SafetyAttestations:    safetyAttestations(run, now),
		Status:                core.CertActive,
		IssuedAt:              now,
		ExpiresAt:             now.Add(validity),
		Issuer:                s.signer.Issuer(),
	}

	body := ca.BodyFromCertificate(cert).Marshal()
	cert.SignatureHex = hex.EncodeToString(s.signer.Sign(body))

	if err := s.store.IssueCertificate(cert); err != nil {
		return nil, err
	}
	s.invalidateCRL()
	metrics.CertificatesIssued.WithLabelValues(cert.Grade).Inc()
	s.logger.Printf("issued certificate %s for agent %s (grade %s, expires %s)",
		cert.ID, agentID, cert.Grade, cert.ExpiresAt.Format(time.RFC3339))
	return cert, nil
}

// Get returns a certificate by id, revocation info included.
func (s *Service) Get(id string) (*core.Certificate, error) {
	return s.store.GetCertificate(id)
}

// Verify re-canonicalises the stored body and checks the CA signature,
// expiry and revocation independently. Stored state is never mutated here;
// a certificate past expiry surfaces as expired while the sweep catches up.
func (s *Service) Verify(id string) (*core.Verification, error) {
	cert, err := s.store.GetCertificate(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	sig, err := hex.DecodeString(cert.SignatureHex)
	signatureValid := err == nil && s.signer.Verify(ca.BodyFromCertificate(cert).Marshal(), sig)

	status := cert.Status
	if status == core.CertActive && cert.Expired(now) {
		status = core.CertExpired
	}

	v := &core.Verification{
		CertificateID:  cert.ID,
		AgentID:        cert.AgentID,
		Status:         status,
		Grade:          cert.Grade,
		SignatureValid: signatureValid,
		NotExpired:     !cert.Expired(now),
		NotRevoked:     cert.Status != core.CertRevoked,
		CheckedAt:      now,
	}
	v.Valid = v.SignatureValid && v.NotExpired && v.NotRevoked
	metrics.CertificateVerifications.WithLabelValues(boolLabel(v.Valid)).Inc()
	return v, nil
}

// Revoke flips the certificate to revoked with a CRL entry. Idempotent.
func (s *Service) Revoke(id, reason, actor string) (*core.Certificate, error) {
	cert, err := s.store.RevokeCertificate(id, reason, actor, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateCRL()
	metrics.CertificatesRevoked.WithLabelValues(reason).Inc()
	s.logger.Printf("revoked certificate %s (reason: %s)", id, reason)
	return cert, nil
}

// List returns certificates matching the filter.
func (s *Service) List(filter store.CertFilter) ([]*core.Certificate, error) {
	return s.store.ListCertificates(filter)
}

// Active returns the agent's single active certificate.
func (s *Service) Active(agentID string) (*core.Certificate, error) {
	return s.store.ActiveCertificate(agentID)
}

// GetChain returns the certificate plus CA public key material so a relying
// party can verify the signature without calling back.
func (s *Service) GetChain(id string) (*Chain, error) {
	cert, err := s.store.GetCertificate(id)
	if err != nil {
		return nil, err
	}
	pemKey, err := s.signer.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return &Chain{
		Certificate:  cert,
		Issuer:       s.signer.Issuer(),
		IssuerKeyPEM: pemKey,
		IssuerKeyHex: s.signer.PublicKeyHex(),
	}, nil
}

// GetCRL returns the revocation list, rebuilt only when a revocation has
// happened since the last call.
func (s *Service) GetCRL() (*CRL, error) {
	s.crlMu.Lock()
	defer s.crlMu.Unlock()
	if s.crl != nil && !s.crlDirty {
		return s.crl, nil
	}
	entries, err := s.store.ListRevocations()
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []core.RevocationEntry{}
	}
	s.crl = &CRL{UpdatedAt: time.Now().UTC(), Entries: entries}
	s.crlDirty = false
	return s.crl, nil
}

// SweepExpired transitions active certificates past their expiry. Registered
// as a cron job; safe to run concurrently with verifies.
func (s *Service) SweepExpired() {
	swept, err := s.store.SweepExpiredCertificates(time.Now().UTC())
	if err != nil {
		s.logger.Printf("expiry sweep failed: %v", err)
		return
	}
	if swept > 0 {
		s.logger.Printf("expiry sweep: %d certificate(s) transitioned to expired", swept)
	}
}

func (s *Service) invalidateCRL() {
	s.crlMu.Lock()
	s.crlDirty = true
	s.crlMu.Unlock()
}

// deriveCapabilities splits the agent's declared capabilities into certified
// and not-certified, preserving registration order. A declared capability is
// certified when at least one capability-suite test mapped to its label
// scored >= 70.
func deriveCapabilities(agent *core.Agent, run *core.EvaluationRun) (certified, notCertified []string) {
	passed := map[string]bool{}
	if suite, ok := run.Results[core.SuiteCapability]; ok {
		for _, category := range suite.Categories {
			for _, test := range category.Tests {
				if test.Score < 70 {
					continue
				}
				if label, ok := capabilityLabelByTest[test.TaskID]; ok {
					passed[label] = true
				}
			}
		}
	}
	for _, capability := range agent.Capabilities {
		if passed[capability] {
			certified = append(certified, capability)
		} else {
			notCertified = append(notCertified, capability)
		}
	}
	return certified, notCertified
}

// safetyAttestations converts safety-suite category results into attestation
// records stamped at issue time.
func safetyAttestations(run *core.EvaluationRun, now time.Time) []core.SafetyAttestation {
	suite, ok := run.Results[core.SuiteSafety]
	if !ok {
		return nil
	}
	attestations := make([]core.SafetyAttestation, 0, len(suite.Categories))
	for _, category := range suite.Categories {
		attestations = append(attestations, core.SafetyAttestation{
			Category: category.Category,
			PassRate: category.Score,
			TestedAt: now,
		})
	}
	return attestations
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
