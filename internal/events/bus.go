// Package events provides the pub/sub bus used to fan trace and lifecycle
// events across pods. A single-pod deployment runs on the in-process bus;
// multi-pod deployments swap in the Redis-backed one.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/agentcert/backend/internal/core"
)

// Handler consumes one raw message from a topic.
type Handler func(payload []byte)

// Bus is the publish side and subscribe side of the event fabric. Publish
// returns once the message is handed to the transport; delivery is
// asynchronous and at-most-once.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (unsubscribe func(), err error)
	Close() error
}

type localEntry struct {
	id      int
	handler Handler
}

// LocalBus delivers within the process only. Handlers run on their own
// goroutine so a slow consumer cannot stall the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]localEntry
	nextID int
	closed bool
	logger *log.Logger
}

func NewLocalBus(logger *log.Logger) *LocalBus {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &LocalBus{subs: make(map[string][]localEntry), logger: logger}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.PreconditionFailedf("event bus is closed")
	}
	entries := make([]localEntry, len(b.subs[topic]))
	copy(entries, b.subs[topic])
	b.mu.RUnlock()

	for _, entry := range entries {
		h := entry.handler
		go h(payload)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.PreconditionFailedf("event bus is closed")
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], localEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[topic]
		for i, entry := range entries {
			if entry.id == id {
				b.subs[topic] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]localEntry)
	return nil
}
