// Package ca holds the certificate authority signing keypair and the
// canonical signable body. The CA key is a process-wide singleton created at
// startup; losing or rotating it invalidates every prior signature, so the
// key file is treated as a managed secret.
package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Signer owns the CA Ed25519 keypair. Read-only after process start.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	issuer     string
}

// NewSigner generates a fresh in-memory CA keypair. Used by tests.
func NewSigner(issuer string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca key generation failed: %w", err)
	}
	return &Signer{privateKey: priv, publicKey: pub, issuer: issuer}, nil
}

// LoadOrCreateSigner loads the CA keypair from keyPath, generating and
// sealing a new one (mode 0600) if none exists.
func LoadOrCreateSigner(keyPath, issuer string) (*Signer, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ca key file %s is corrupt", keyPath)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Signer{
			privateKey: priv,
			publicKey:  priv.Public().(ed25519.PublicKey),
			issuer:     issuer,
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read ca key: %w", err)
	}

	signer, err := NewSigner(issuer)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ca key dir: %w", err)
	}
	seedHex := hex.EncodeToString(signer.privateKey.Seed())
	if err := os.WriteFile(keyPath, []byte(seedHex), 0600); err != nil {
		return nil, fmt.Errorf("failed to seal ca key: %w", err)
	}
	return signer, nil
}

// Issuer returns the issuer reference embedded in certificates.
func (s *Signer) Issuer() string { return s.issuer }

// Sign signs the canonical body bytes.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privateKey, data)
}

// Verify verifies a signature over data against the CA public key.
func (s *Signer) Verify(data, signature []byte) bool {
	return ed25519.Verify(s.publicKey, data, signature)
}

// PublicKey returns the raw CA public key bytes.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

// PublicKeyHex returns the hex-encoded CA public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.publicKey)
}

// PublicKeyPEM returns the PEM-encoded CA public key for offline
// chain-of-trust verification.
func (s *Signer) PublicKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ca public key: %w", err)
	}
	pemBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}
	return string(pem.EncodeToMemory(pemBlock)), nil
}
