package trace

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/metrics"
)

// Subscriber is one live observer of an organisation's trace events. Events
// arrive on C; the channel is bounded and full means dropped for this
// subscriber only.
type Subscriber struct {
	ID    string
	OrgID string
	C     chan *Event

	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Streamer fans trace events out to per-organisation subscriber sets.
// Delivery is at-most-once per subscriber: a full outbound queue drops the
// event for that subscriber and the others are unaffected.
type Streamer struct {
	mu     sync.RWMutex
	orgs   map[string]map[string]*Subscriber
	buffer int
	logger *log.Logger
}

// NewStreamer builds a streamer with the given per-subscriber queue size.
func NewStreamer(buffer int, logger *log.Logger) *Streamer {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)
	}
	return &Streamer{
		orgs:   make(map[string]map[string]*Subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new observer for an organisation's traces.
func (s *Streamer) Subscribe(orgID string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		OrgID: orgID,
		C:     make(chan *Event, s.buffer),
	}
	s.mu.Lock()
	if s.orgs[orgID] == nil {
		s.orgs[orgID] = make(map[string]*Subscriber)
	}
	s.orgs[orgID][sub.ID] = sub
	s.mu.Unlock()

	metrics.StreamSubscribers.Inc()
	s.logger.Printf("subscriber %s joined org %s", sub.ID, orgID)
	return sub
}

// Unsubscribe removes the observer and closes its channel. Idempotent.
func (s *Streamer) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	set, ok := s.orgs[sub.OrgID]
	if ok {
		if _, present := set[sub.ID]; present {
			delete(set, sub.ID)
			if len(set) == 0 {
				delete(s.orgs, sub.OrgID)
			}
			metrics.StreamSubscribers.Dec()
		} else {
			ok = false
		}
	}
	s.mu.Unlock()

	if ok {
		sub.close()
		s.logger.Printf("subscriber %s left org %s", sub.ID, sub.OrgID)
	}
}

// SubscriberCount returns the number of observers for an organisation.
func (s *Streamer) SubscriberCount(orgID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orgs[orgID])
}

// Publish delivers the event to every subscriber of its organisation with a
// non-blocking send. Full queues drop.
func (s *Streamer) Publish(event *Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	s.mu.RLock()
	subs := make([]*Subscriber, 0, len(s.orgs[event.OrgID]))
	for _, sub := range s.orgs[event.OrgID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.C <- event:
			metrics.StreamEventsSent.WithLabelValues(string(event.Type)).Inc()
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
}
