package wsbridge

import (
	"sync"
	"time"

	"github.com/hovercast/hovercast/internal/observability"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker suspends dial attempts after a run of consecutive connection
// failures. Once the cooldown elapses a single probe attempt is let through;
// its outcome decides whether the circuit closes again.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		state:     breakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a dial attempt may proceed. When the circuit is open
// it returns the time remaining until the next probe is permitted.
func (b *breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerOpen {
		return true, 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining > 0 {
		return false, remaining
	}
	b.state = breakerHalfOpen
	return true, 0
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		if b.state != breakerOpen {
			observability.Log().Warn("circuit breaker open; suspending reconnects",
				observability.Field{Key: "consecutive_failures", Value: b.failures},
				observability.Field{Key: "cooldown", Value: b.cooldown},
			)
		}
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
