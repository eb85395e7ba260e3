package resilience

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError is returned by providers on HTTP 429 or an equivalent
// vendor signal. Only these errors trip a CircuitBreaker.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	return e.Provider + ": " + msg
}

func IsRateLimit(err error) bool {
	return errors.As(err, new(RateLimitError))
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen lets a single probe through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a vendor after threshold consecutive rate
// limits, for cooldown, then probes once before closing again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	limited   int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
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

// Allow reports whether a call may proceed. In half-open state only the
// first caller is admitted until it reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	switch c.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
	}
	return true
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.state
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.limited = 0
	c.probing = false
	c.mu.Unlock()
}

// OnError counts rate limits. Other failures release a half-open probe
// without changing state.
func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasProbe := c.probing
	c.probing = false
	if !IsRateLimit(err) {
		return
	}
	if wasProbe {
		c.trip()
		return
	}
	c.limited++
	if c.limited >= c.threshold {
		c.trip()
	}
}

func (c *CircuitBreaker) trip() {
	c.state = BreakerOpen
	c.openedAt = c.now()
	c.limited = 0
}

func (c *CircuitBreaker) advance() {
	if c.state == BreakerOpen && !c.now().Before(c.openedAt.Add(c.cooldown)) {
		c.state = BreakerHalfOpen
		c.probing = false
	}
}
