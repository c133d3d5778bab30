package ca

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/core"
)

func sampleBody() *CanonicalBody {
	safety := 92.5
	capability := 88.0
	return &CanonicalBody{
		CertificateID:   "cert-1",
		Version:         "1.0",
		AgentID:         "agent-1",
		EvaluationID:    "eval-1",
		IssuedAt:        time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ExpiresAt:       time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC),
		Grade:           "A",
		OverallScore:    90.23,
		CapabilityScore: &capability,
		SafetyScore:     &safety,
		CertifiedCapabilities: []string{"code-review", "research"},
		NotCertified:          []string{"speech-synthesis"},
		SafetyAttestations: []core.SafetyAttestation{
			{Category: "jailbreak-resistance", PassRate: 0.95, TestedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		},
	}
}

func TestCanonicalBodyDeterminism(t *testing.T) {
	a := sampleBody().Marshal()
	b := sampleBody().Marshal()
	assert.Equal(t, a, b, "repeat canonicalisation must be byte-identical")
}

func TestCanonicalBodyFormat(t *testing.T) {
	raw := string(sampleBody().Marshal())

	// Fixed field order, one-decimal scores, RFC3339 UTC without subseconds,
	// explicit nulls for suites that did not run.
	assert.Contains(t, raw, `"certificate_id":"cert-1","version":"1.0","agent_id":"agent-1"`)
	assert.Contains(t, raw, `"issued_at":"2026-03-01T12:00:00Z"`)
	assert.Contains(t, raw, `"overall_score":90.2`)
	assert.Contains(t, raw, `"capability_score":88.0`)
	assert.Contains(t, raw, `"safety_score":92.5`)
	assert.Contains(t, raw, `"reliability_score":null`)
	assert.Contains(t, raw, `"communication_score":null`)
	assert.Contains(t, raw, `"certified_capabilities":["code-review","research"]`)
	assert.NotContains(t, raw, " ", "no whitespace variation allowed")
}

func TestBodyFromCertificateRoundTrip(t *testing.T) {
	body := sampleBody()
	cert := &core.Certificate{
		ID:                    body.CertificateID,
		Version:               body.Version,
		AgentID:               body.AgentID,
		EvaluationID:          body.EvaluationID,
		Grade:                 body.Grade,
		IssuedAt:              body.IssuedAt,
		ExpiresAt:             body.ExpiresAt,
		Scores: core.ScoreBreakdown{
			Overall:    body.OverallScore,
			Capability: body.CapabilityScore,
			Safety:     body.SafetyScore,
		},
		CertifiedCapabilities: body.CertifiedCapabilities,
		NotCertified:          body.NotCertified,
		SafetyAttestations:    body.SafetyAttestations,
	}
	assert.Equal(t, body.Marshal(), BodyFromCertificate(cert).Marshal())
}

func TestSignVerify(t *testing.T) {
	signer, err := NewSigner("test-root")
	require.NoError(t, err)

	data := sampleBody().Marshal()
	sig := signer.Sign(data)
	assert.True(t, signer.Verify(data, sig))

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xFF
	assert.False(t, signer.Verify(tampered, sig))
}

func TestLoadOrCreateSigner(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ca.key")

	first, err := LoadOrCreateSigner(keyPath, "test-root")
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Reload yields the same keypair.
	second, err := LoadOrCreateSigner(keyPath, "test-root")
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())

	data := []byte("payload")
	assert.True(t, second.Verify(data, first.Sign(data)))
}

func TestPublicKeyPEM(t *testing.T) {
	signer, err := NewSigner("test-root")
	require.NoError(t, err)

	pemStr, err := signer.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN PUBLIC KEY")
}

func BenchmarkCanonicalMarshal(b *testing.B) {
	body := sampleBody()
	for i := 0; i < b.N; i++ {
		body.Marshal()
	}
}

func BenchmarkSign(b *testing.B) {
	signer, _ := NewSigner("bench-root")
	data := sampleBody().Marshal()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		signer.Sign(data)
	}
}
