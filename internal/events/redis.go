package events

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/agentcert/backend/internal/core"
)

const defaultChannelPrefix = "agentcert:events:"

// RedisBus distributes events across pods over Redis Pub/Sub. It also
// delivers to in-process subscribers through its own Redis subscription, so
// local and remote consumers see the same stream.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *log.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// NewRedisBus connects the bus to a Redis instance. An empty prefix selects
// the default channel namespace.
func NewRedisBus(client *redis.Client, prefix string, logger *log.Logger) *RedisBus {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return core.PreconditionFailedf("event bus is closed")
	}
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Subscribe consumes one channel on a dedicated goroutine for the life of
// the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, core.PreconditionFailedf("event bus is closed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	pubsub := b.client.Subscribe(subCtx, b.prefix+topic)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-subCtx.Done():
				return
			}
		}
	}()

	return cancel, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	return nil
}
