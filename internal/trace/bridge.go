package trace

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/events"
)

const busTopic = "traces"

type busFrame struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// Bridge republishes trace events over the event bus so subscribers on
// other pods see them, and feeds remote events into the local streamer.
// Frames carry the publishing pod's origin id; a pod skips its own.
type Bridge struct {
	local  *Streamer
	bus    events.Bus
	origin string
	logger *log.Logger
	unsub  func()
}

// NewBridge wires the streamer to the bus and starts consuming remote
// events.
func NewBridge(local *Streamer, bus events.Bus, logger *log.Logger) (*Bridge, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRACE] ", log.LstdFlags)
	}
	b := &Bridge{
		local:  local,
		bus:    bus,
		origin: uuid.NewString(),
		logger: logger,
	}
	unsub, err := bus.Subscribe(context.Background(), busTopic, b.onRemote)
	if err != nil {
		return nil, err
	}
	b.unsub = unsub
	return b, nil
}

// Publish delivers locally first, then hands the frame to the bus.
func (b *Bridge) Publish(event *Event) {
	b.local.Publish(event)

	raw, err := json.Marshal(&busFrame{Origin: b.origin, Event: event})
	if err != nil {
		return
	}
	if err := b.bus.Publish(context.Background(), busTopic, raw); err != nil {
		b.logger.Printf("bus publish failed, event stays local: %v", err)
	}
}

func (b *Bridge) onRemote(payload []byte) {
	var frame busFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		b.logger.Printf("dropping malformed bus frame: %v", err)
		return
	}
	if frame.Origin == b.origin || frame.Event == nil {
		return
	}
	b.local.Publish(frame.Event)
}

// Close stops consuming remote events.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
	}
}
