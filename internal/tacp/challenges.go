package tacp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/core"
)

const (
	nonceSize           = 32
	defaultChallengeTTL = 60 * time.Second
)

// Challenge is one pending trust challenge. The nonce is single-use: the
// record is consumed on first proof and evicted on TTL expiry regardless.
type Challenge struct {
	ID                   string
	SessionID            string
	VerifierID           string
	TargetID             string
	Nonce                []byte
	RequiredCapabilities []string
	MinimumGrade         string
	IssuedAt             time.Time
}

// ChallengeRegistry holds pending trust challenges until they are consumed
// or expire.
type ChallengeRegistry struct {
	mu      sync.Mutex
	pending map[string]*Challenge
	ttl     time.Duration
}

// NewChallengeRegistry creates a registry with the given TTL; zero means the
// protocol default of 60 seconds.
func NewChallengeRegistry(ttl time.Duration) *ChallengeRegistry {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &ChallengeRegistry{pending: make(map[string]*Challenge), ttl: ttl}
}

// Issue generates a fresh 32-byte nonce and records the pending challenge.
func (r *ChallengeRegistry) Issue(sessionID, verifierID, targetID string, required []string, minimumGrade string) (*Challenge, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, core.InvalidArgumentf("nonce generation failed: %v", err)
	}
	ch := &Challenge{
		ID:                   uuid.NewString(),
		SessionID:            sessionID,
		VerifierID:           verifierID,
		TargetID:             targetID,
		Nonce:                nonce,
		RequiredCapabilities: required,
		MinimumGrade:         minimumGrade,
		IssuedAt:             time.Now().UTC(),
	}
	r.mu.Lock()
	r.pending[ch.ID] = ch
	r.mu.Unlock()
	return ch, nil
}

// Register records a challenge issued elsewhere (a verifier that generated
// its own nonce) so the proof can be checked against it.
func (r *ChallengeRegistry) Register(ch *Challenge) {
	if ch.IssuedAt.IsZero() {
		ch.IssuedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.pending[ch.ID] = ch
	r.mu.Unlock()
}

// Peek returns the challenge without consuming it, or nil if it is unknown
// or expired.
func (r *ChallengeRegistry) Peek(challengeID string) *Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[challengeID]
	if !ok || time.Since(ch.IssuedAt) > r.ttl {
		return nil
	}
	return ch
}

// Consume removes and returns the challenge. A second consume of the same
// id, or a consume past the TTL, returns nil.
func (r *ChallengeRegistry) Consume(challengeID string) *Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[challengeID]
	if !ok {
		return nil
	}
	delete(r.pending, challengeID)
	if time.Since(ch.IssuedAt) > r.ttl {
		return nil
	}
	return ch
}

// EvictExpired drops challenges past the TTL. Registered as a cron job.
func (r *ChallengeRegistry) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, ch := range r.pending {
		if time.Since(ch.IssuedAt) > r.ttl {
			delete(r.pending, id)
			evicted++
		}
	}
	return evicted
}

// NonceHex returns the challenge nonce in wire encoding.
func (c *Challenge) NonceHex() string {
	return hex.EncodeToString(c.Nonce)
}
