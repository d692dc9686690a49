// Package circuitbreaker implements the three-state Closed/Open/HalfOpen machine
// guarding primary writes (spec.md §4.2). It generalizes the teacher's
// go/reconnectingmemcached healing-client idiom (a numFailures threshold paired with a
// recoveryDuration cooldown before retrying a failing dependency) from a two-state
// up/down guard into the full three-state machine.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/riverviewauto/daqagent/go/now"
)

// State is one of Closed, Open, or HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Breaker is a thread-safe Closed/Open/HalfOpen circuit breaker.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInFlight  bool
}

// New returns a Breaker starting Closed, opening after threshold consecutive failures
// and attempting recovery cooldown after entering Open.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, state: Closed}
}

// Allow reports whether a call should be admitted. Calling Allow on an Open breaker
// whose cooldown has elapsed transitions it to HalfOpen and admits exactly one probe;
// subsequent calls while that probe is outstanding are refused until RecordSuccess or
// RecordFailure resolves it.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return false
	case Open:
		if now.Now(ctx).Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call. From HalfOpen it closes the breaker and
// zeroes the failure count; from Closed it zeroes the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.consecutiveFails = 0
	b.halfOpenInFlight = false
}

// RecordFailure reports a failed call. From HalfOpen it re-opens immediately. From
// Closed it increments the consecutive-failure counter and opens once the threshold is
// reached.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = now.Now(ctx)
		b.halfOpenInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = Open
		b.openedAt = now.Now(ctx)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFails
}
