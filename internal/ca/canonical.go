package ca

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/agentcert/backend/internal/core"
)

// ============================================================================
// CANONICAL SIGNABLE BODY
// The signed bytes are a fixed, ordered JSON object. Field order, timestamp
// precision (RFC 3339 UTC, no subseconds) and score precision (one decimal)
// are frozen so the body can be reproduced bit-identically years later.
// Never serialise this through a map: map iteration order is not stable.
// ============================================================================

// CanonicalBody is the ordered field set covered by the CA signature.
type CanonicalBody struct {
	CertificateID      string
	Version            string
	AgentID            string
	EvaluationID       string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Grade              string
	OverallScore       float64
	CapabilityScore    *float64
	SafetyScore        *float64
	ReliabilityScore   *float64
	CommunicationScore *float64
	CertifiedCapabilities []string
	NotCertified          []string
	SafetyAttestations    []core.SafetyAttestation
}

// BodyFromCertificate extracts the canonical body from a stored certificate.
// Re-canonicalising the result reproduces the originally signed bytes.
func BodyFromCertificate(c *core.Certificate) *CanonicalBody {
	return &CanonicalBody{
		CertificateID:         c.ID,
		Version:               c.Version,
		AgentID:               c.AgentID,
		EvaluationID:          c.EvaluationID,
		IssuedAt:              c.IssuedAt,
		ExpiresAt:             c.ExpiresAt,
		Grade:                 c.Grade,
		OverallScore:          c.Scores.Overall,
		CapabilityScore:       c.Scores.Capability,
		SafetyScore:           c.Scores.Safety,
		ReliabilityScore:      c.Scores.Reliability,
		CommunicationScore:    c.Scores.Communication,
		CertifiedCapabilities: c.CertifiedCapabilities,
		NotCertified:          c.NotCertified,
		SafetyAttestations:    c.SafetyAttestations,
	}
}

// Marshal emits the deterministic byte representation of the body.
func (b *CanonicalBody) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeStringField(&buf, "certificate_id", b.CertificateID, false)
	writeStringField(&buf, "version", b.Version, false)
	writeStringField(&buf, "agent_id", b.AgentID, false)
	writeStringField(&buf, "evaluation_id", b.EvaluationID, false)
	writeStringField(&buf, "issued_at", canonicalTime(b.IssuedAt), false)
	writeStringField(&buf, "expires_at", canonicalTime(b.ExpiresAt), false)
	writeStringField(&buf, "grade", b.Grade, false)

	writeKey(&buf, "overall_score")
	buf.WriteString(canonicalScore(b.OverallScore))
	buf.WriteByte(',')

	writeNullableScore(&buf, "capability_score", b.CapabilityScore)
	writeNullableScore(&buf, "safety_score", b.SafetyScore)
	writeNullableScore(&buf, "reliability_score", b.ReliabilityScore)
	writeNullableScore(&buf, "communication_score", b.CommunicationScore)

	writeKey(&buf, "certified_capabilities")
	writeStringArray(&buf, b.CertifiedCapabilities)
	buf.WriteByte(',')

	writeKey(&buf, "not_certified")
	writeStringArray(&buf, b.NotCertified)
	buf.WriteByte(',')

	writeKey(&buf, "safety_attestations")
	buf.WriteByte('[')
	for i, att := range b.SafetyAttestations {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		writeStringField(&buf, "category", att.Category, false)
		writeKey(&buf, "pass_rate")
		buf.WriteString(canonicalScore(att.PassRate))
		buf.WriteByte(',')
		writeStringField(&buf, "tested_at", canonicalTime(att.TestedAt), true)
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes()
}

// canonicalTime renders RFC 3339 UTC with no subseconds.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// canonicalScore renders a score with exactly one decimal place.
func canonicalScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func writeKey(buf *bytes.Buffer, key string) {
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
}

func writeStringField(buf *bytes.Buffer, key, value string, last bool) {
	writeKey(buf, key)
	encoded, _ := json.Marshal(value)
	buf.Write(encoded)
	if !last {
		buf.WriteByte(',')
	}
}

func writeNullableScore(buf *bytes.Buffer, key string, v *float64) {
	writeKey(buf, key)
	if v == nil {
		buf.WriteString("null")
	} else {
		buf.WriteString(canonicalScore(*v))
	}
	buf.WriteByte(',')
}

func writeStringArray(buf *bytes.Buffer, values []string) {
	buf.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		encoded, _ := json.Marshal(v)
		buf.Write(encoded)
	}
	buf.WriteByte(']')
}
