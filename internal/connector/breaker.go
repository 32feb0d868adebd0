package connector

import (
	"sync"
	"time"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a three-state circuit breaker. After Threshold consecutive
// failures it opens; after Recovery it admits a single probe (half-open);
// a probe success closes it, a probe failure re-opens it.
type Breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. threshold <= 0 defaults to 5,
// recovery <= 0 defaults to 30s.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// not yet recovered it returns a breaker_open fault.
func (b *Breaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.recovery {
			b.state = BreakerHalfOpen
			b.probing = true
			return nil
		}
		return fault.Newf(fault.KindBreakerOpen, op, "circuit open, retry after %s", b.recovery)
	case BreakerHalfOpen:
		if b.probing {
			return fault.New(fault.KindBreakerOpen, op, "probe in flight")
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		b.probing = false
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return BreakerHalfOpen
	}
	return b.state
}
