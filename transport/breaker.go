package transport

import (
	"context"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	// BreakerClosed passes publishes through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails publishes immediately without touching the
	// wrapped publisher.
	BreakerOpen
	// BreakerHalfOpen lets a bounded number of trial publishes through
	// to test whether the destination recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker decorates a Publisher with a circuit breaker: after
// MaxFailures consecutive failures the circuit opens and publishes fail
// fast with a Transient error (so the outbox scheduler backs off
// instead of hammering a dead transport); after ResetTimeout a limited
// number of half-open trial publishes decide whether to close again.
type Breaker struct {
	next Publisher

	maxFailures      int
	resetTimeout     time.Duration
	halfOpenMaxCalls int

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailTime  time.Time
	halfOpenCalls int
}

// NewBreaker wraps next. maxFailures <= 0 defaults to 5, resetTimeout
// <= 0 to 30s, and the half-open window admits one trial call.
func NewBreaker(next Publisher, maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		next:             next,
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: 1,
	}
}

// State returns the breaker's current mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()
	return b.state
}

func (b *Breaker) Publish(ctx context.Context, destination string, msg message.Message) error {
	b.mu.Lock()
	b.transition()
	switch b.state {
	case BreakerOpen:
		b.mu.Unlock()
		return herrors.Transient("transport.Publish", "circuit breaker open for "+destination, nil)
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			b.mu.Unlock()
			return herrors.Transient("transport.Publish", "circuit breaker half-open limit reached", nil)
		}
		b.halfOpenCalls++
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	err := b.next.Publish(ctx, destination, msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// transition moves Open to HalfOpen once resetTimeout has elapsed.
// Callers hold b.mu.
func (b *Breaker) transition() {
	if b.state == BreakerOpen && time.Since(b.lastFailTime) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.halfOpenCalls = 0
	}
}

func (b *Breaker) recordFailure() {
	b.failureCount++
	b.lastFailTime = time.Now()
	if b.state == BreakerHalfOpen || b.failureCount >= b.maxFailures {
		b.state = BreakerOpen
		b.halfOpenCalls = 0
	}
}

func (b *Breaker) recordSuccess() {
	b.failureCount = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.halfOpenCalls = 0
	}
}
