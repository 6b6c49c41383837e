package retry

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Breaker.Allow while the circuit is open.
var ErrCircuitOpen = api.Unavailable("CIRCUIT_OPEN", "downstream circuit breaker is open")

// Breaker is a failure counter that opens after threshold consecutive
// failures and half-opens after resetTimeout.
type Breaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewBreaker(name string, threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

// WithClock overrides the breaker clock (tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow returns ErrCircuitOpen when calls should not be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if b.now().Sub(b.lastFailure) > b.resetTimeout {
			b.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen.WithMessage("circuit %q is open", b.name)
	}
	return nil
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failureCount = 0
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = b.now()
	if b.state == stateHalfOpen || b.failureCount >= b.threshold {
		b.state = stateOpen
	}
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}
