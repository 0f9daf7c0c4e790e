package chain

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker refuses to send.
var ErrBreakerOpen = errors.New("chain: circuit open")

// BreakerConfig holds tunable parameters for the Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive node failures that opens
	// the circuit. Default: 5.
	MaxFailures int

	// CoolOff is how long the circuit stays open before a single trial
	// send is let through. Default: 10s.
	CoolOff time.Duration
}

// DefaultBreakerConfig returns production-tuned defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		CoolOff:     10 * time.Second,
	}
}

// Breaker gates transaction submission on node health. Failures counted
// here are transport failures talking to the node, not reverted txs.
// It enforces:
//   - Consecutive failure threshold
//   - Cool-off period before a trial send
//   - Manual emergency halt
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	halted   bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// ManualHalt blocks all sends until Resume is called.
func (b *Breaker) ManualHalt() {
	b.mu.Lock()
	b.halted = true
	b.mu.Unlock()
}

// Resume clears the manual halt. The failure state is left as is.
func (b *Breaker) Resume() {
	b.mu.Lock()
	b.halted = false
	b.mu.Unlock()
}

// Allow returns nil when a send may proceed:
//  1. No manual halt is active.
//  2. Fewer than MaxFailures consecutive failures, or the cool-off has
//     elapsed since the circuit opened.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted {
		return ErrBreakerOpen
	}
	if b.failures < b.cfg.MaxFailures {
		return nil
	}
	if b.nowFunc().Sub(b.openedAt) >= b.cfg.CoolOff {
		return nil
	}
	return ErrBreakerOpen
}

// Record feeds the outcome of a node call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.openedAt = time.Time{}
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		// a failed trial restarts the cool-off
		b.openedAt = b.nowFunc()
	}
}

// Open reports whether the circuit is currently refusing sends.
func (b *Breaker) Open() bool {
	return b.Allow() != nil
}
