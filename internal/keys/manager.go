// Package keys manages per-agent Ed25519 keypairs used for TACP nonce
// signatures. These are distinct from the CA key: an agent key proves
// liveness of a certificate holder, the CA key proves issuance.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentcert/backend/internal/core"
)

// Keypair is a cached signing/verify key pair for one agent.
type Keypair struct {
	AgentID    string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// PublicKeyHex returns the hex-encoded verify key.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// Manager creates, loads and caches agent keypairs. Key files live under a
// configured directory, one per agent, owner-only permissions. Cache reads
// are lock-free after first load; first-load is serialised per manager.
type Manager struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Keypair
}

// NewManager creates a key manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, cache: make(map[string]*Keypair)}
}

func (m *Manager) keyPath(agentID string) string {
	return filepath.Join(m.dir, agentID+".key")
}

// EnsureKeypair returns the agent's keypair, generating and sealing a new
// one on first demand.
func (m *Manager) EnsureKeypair(agentID string) (*Keypair, error) {
	m.mu.RLock()
	if kp, ok := m.cache[agentID]; ok {
		m.mu.RUnlock()
		return kp, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if kp, ok := m.cache[agentID]; ok {
		return kp, nil
	}

	kp, err := m.loadLocked(agentID)
	if os.IsNotExist(err) {
		kp, err = m.generateLocked(agentID)
	}
	if err != nil {
		return nil, err
	}
	m.cache[agentID] = kp
	return kp, nil
}

// Regenerate replaces the agent's keypair. Any in-flight proofs signed with
// the old key become unverifiable.
func (m *Manager) Regenerate(agentID string) (*Keypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kp, err := m.generateLocked(agentID)
	if err != nil {
		return nil, err
	}
	m.cache[agentID] = kp
	return kp, nil
}

func (m *Manager) loadLocked(agentID string) (*Keypair, error) {
	raw, err := os.ReadFile(m.keyPath(agentID))
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file for agent %s is corrupt", agentID)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		AgentID:    agentID,
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (m *Manager) generateLocked(agentID string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair generation for agent %s failed: %w", agentID, err)
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	seedHex := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(m.keyPath(agentID), []byte(seedHex), 0600); err != nil {
		return nil, fmt.Errorf("failed to seal key for agent %s: %w", agentID, err)
	}
	return &Keypair{AgentID: agentID, PrivateKey: priv, PublicKey: pub}, nil
}

// Sign signs raw message bytes with the agent's private key. No domain
// separation prefix is added here; callers that need context must prefix
// it themselves (wire compatibility).
func (m *Manager) Sign(agentID string, message []byte) ([]byte, error) {
	kp, err := m.EnsureKeypair(agentID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks a signature over message. If overridePublicHex is non-empty
// it is used instead of the locally stored verify key (e.g. the key
// published in a certificate holder's agent record).
func (m *Manager) Verify(agentID string, message, signature []byte, overridePublicHex string) (bool, error) {
	var pub ed25519.PublicKey
	if overridePublicHex != "" {
		raw, err := hex.DecodeString(overridePublicHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return false, core.InvalidArgumentf("invalid public key override")
		}
		pub = ed25519.PublicKey(raw)
	} else {
		kp, err := m.EnsureKeypair(agentID)
		if err != nil {
			return false, err
		}
		pub = kp.PublicKey
	}
	return ed25519.Verify(pub, message, signature), nil
}

// PublicKeyHex exports the agent's verify key, creating the keypair if it
// does not exist yet.
func (m *Manager) PublicKeyHex(agentID string) (string, error) {
	kp, err := m.EnsureKeypair(agentID)
	if err != nil {
		return "", err
	}
	return kp.PublicKeyHex(), nil
}
