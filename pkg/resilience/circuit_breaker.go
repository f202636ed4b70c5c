package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker stops calls to an endpoint after threshold consecutive
// failures. Once the cooldown has passed a single trial call is let
// through: its success closes the breaker, its failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trial     bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return true
	}
	if c.now().Before(c.openUntil) || c.trial {
		return false
	}
	c.trial = true
	return true
}

// Open reports whether calls are currently refused.
func (c *CircuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.openUntil.IsZero() && (c.trial || c.now().Before(c.openUntil))
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.trial = false
	c.mu.Unlock()
}

// OnError records a failure; nil errors are ignored.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trial {
		c.trial = false
		c.openUntil = c.now().Add(c.cooldown)
		return
	}
	c.failures++
	if c.failures >= c.threshold {
		c.failures = 0
		c.openUntil = c.now().Add(c.cooldown)
	}
}
