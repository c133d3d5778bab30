package tacp

import (
	"context"
	"sync"

	"github.com/agentcert/backend/internal/core"
)

// Correlator resolves request/response pairs over the duplex transport. A
// pending future is keyed by the outgoing message id and resolved by the
// first incoming frame whose in_reply_to matches.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan *Envelope
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan *Envelope)}
}

// Expect registers a future for the reply to messageID. The caller must
// either Await or Cancel it.
func (c *Correlator) Expect(messageID string) {
	c.mu.Lock()
	c.pending[messageID] = make(chan *Envelope, 1)
	c.mu.Unlock()
}

// Resolve delivers an incoming frame to its waiting future. Returns false
// when nothing is waiting, in which case the frame belongs to the per-type
// handler instead.
func (c *Correlator) Resolve(env *Envelope) bool {
	if env.InReplyTo == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[env.InReplyTo]
	if ok {
		delete(c.pending, env.InReplyTo)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Await blocks until the reply arrives or the context expires. Expiry
// removes the pending future.
func (c *Correlator) Await(ctx context.Context, messageID string) (*Envelope, error) {
	c.mu.Lock()
	ch, ok := c.pending[messageID]
	c.mu.Unlock()
	if !ok {
		return nil, core.NotFoundf("no pending request %s", messageID)
	}
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		c.Cancel(messageID)
		return nil, core.ErrTimeout
	}
}

// Cancel drops the pending future if it is still outstanding.
func (c *Correlator) Cancel(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}

// PendingCount reports outstanding futures. Used by tests and metrics.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
