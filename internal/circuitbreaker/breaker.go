// Package circuitbreaker guards calls to flaky upstreams: the LLM judge and
// agent execution endpoints. A tripped breaker fails fast instead of tying up
// evaluation workers on a dead dependency.
package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/agentcert/backend/internal/core"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultTripThreshold = 5
	defaultCooldown      = 30 * time.Second
	defaultProbeQuota    = 3
)

// Breaker is a consecutive-failure circuit breaker. It trips open after
// TripThreshold failures in a row, waits out Cooldown, then admits up to
// ProbeQuota probe requests; the probes must all succeed to close again.
type Breaker struct {
	name          string
	tripThreshold int
	cooldown      time.Duration
	probeQuota    int
	logger        *log.Logger

	mu        sync.Mutex
	state     State
	failures  int
	probes    int
	successes int
	openedAt  time.Time
}

// Option tunes a Breaker. The zero configuration matches the judge client's
// retry budget: trip after 5 consecutive failures, cool down 30s.
type Option func(*Breaker)

func WithTripThreshold(n int) Option     { return func(b *Breaker) { b.tripThreshold = n } }
func WithCooldown(d time.Duration) Option { return func(b *Breaker) { b.cooldown = d } }
func WithProbeQuota(n int) Option        { return func(b *Breaker) { b.probeQuota = n } }

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:          name,
		tripThreshold: defaultTripThreshold,
		cooldown:      defaultCooldown,
		probeQuota:    defaultProbeQuota,
		logger:        log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may proceed. While open it returns an
// upstream error naming the breaker; callers surface it without retrying.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return core.Upstreamf("%s circuit open", b.name)
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.probeQuota {
			return core.Upstreamf("%s circuit probing", b.name)
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an admitted request back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.tripThreshold) {
			b.transition(StateOpen)
			b.openedAt = time.Now()
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.probeQuota {
			b.transition(StateClosed)
		}
	}
}

// Do wraps fn with admission control and outcome recording.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Printf("%s: %s -> %s", b.name, b.state, to)
	b.state = to
	b.probes = 0
	b.successes = 0
}
