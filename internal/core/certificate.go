package core

import "time"

// CertStatus is the lifecycle state of a certificate.
type CertStatus string

const (
	CertActive    CertStatus = "active"
	CertExpired   CertStatus = "expired"
	CertRevoked   CertStatus = "revoked"
	CertSuspended CertStatus = "suspended"
)

// SafetyAttestation records the pass rate of one safety category at
// certification time.
type SafetyAttestation struct {
	Category string    `json:"category"`
	PassRate float64   `json:"pass_rate"`
	TestedAt time.Time `json:"tested_at"`
}

// ScoreBreakdown carries the overall and per-suite scores embedded in a
// certificate. Suite scores are nil when the suite was not run.
type ScoreBreakdown struct {
	Overall       float64  `json:"overall"`
	Capability    *float64 `json:"capability"`
	Safety        *float64 `json:"safety"`
	Reliability   *float64 `json:"reliability"`
	Communication *float64 `json:"communication"`
}

// Certificate is a signed, dated attestation of capabilities and suite
// scores. The signature covers the canonical body; see the ca package.
type Certificate struct {
	ID                    string              `json:"id"`
	Version               string              `json:"version"`
	AgentID               string              `json:"agent_id"`
	OrgID                 string              `json:"org_id"`
	EvaluationID          string              `json:"evaluation_id"`
	Grade                 string              `json:"grade"`
	Scores                ScoreBreakdown      `json:"scores"`
	CertifiedCapabilities []string            `json:"certified_capabilities"`
	NotCertified          []string            `json:"not_certified,omitempty"`
	SafetyAttestations    []SafetyAttestation `json:"safety_attestations,omitempty"`
	Status                CertStatus          `json:"status"`
	IssuedAt              time.Time           `json:"issued_at"`
	ExpiresAt             time.Time           `json:"expires_at"`
	RevokedAt             *time.Time          `json:"revoked_at,omitempty"`
	RevocationReason      string              `json:"revocation_reason,omitempty"`
	SignatureHex          string              `json:"signature"`
	Issuer                string              `json:"issuer"`
}

// Expired reports whether the certificate is past its expiry at the given time.
func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// HasCapability reports whether the certificate attests the capability.
func (c *Certificate) HasCapability(capability string) bool {
	for _, cap := range c.CertifiedCapabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// RevocationEntry is permanent CRL evidence. It outlives the certificate it
// describes.
type RevocationEntry struct {
	CertificateID string    `json:"certificate_id"`
	Reason        string    `json:"reason"`
	RevokedAt     time.Time `json:"revoked_at"`
	Actor         string    `json:"actor,omitempty"`
}

// Verification is the structured result of verifying a certificate. The
// sub-flags are independent; Valid is their conjunction.
type Verification struct {
	CertificateID  string     `json:"certificate_id"`
	AgentID        string     `json:"agent_id"`
	Status         CertStatus `json:"status"`
	Grade          string     `json:"grade"`
	SignatureValid bool       `json:"signature_valid"`
	NotExpired     bool       `json:"not_expired"`
	NotRevoked     bool       `json:"not_revoked"`
	Valid          bool       `json:"valid"`
	CheckedAt      time.Time  `json:"checked_at"`
}
