package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/memoright/memoright-ops/internal/config"
)

// ErrBreakerOpen is returned by Allow while a channel's breaker is open.
var ErrBreakerOpen = errors.New("notification channel circuit breaker is open")

// BreakerState is the state of a channel's circuit breaker. The numeric
// values are exported as the memoright_notifier_circuit_breaker_state gauge.
type BreakerState int

const (
	// BreakerClosed lets deliveries through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe deliveries through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen drops deliveries without attempting them.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// minRateSamples is the minimum number of deliveries in a window before the
// error rate can trip the breaker.
const minRateSamples = 10

// Breaker stops a notification channel from being hammered while its
// endpoint is down. It trips on consecutive failures or on the failure rate
// in a tumbling window, and reports every state change to onChange.
type Breaker struct {
	name     string
	cfg      config.CircuitBreakerConfig
	onChange func(channel string, s BreakerState)
	now      func() time.Time

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	probeOK     int
	openedAt    time.Time

	windowStart time.Time
	windowTotal int
	windowFails int
}

// NewBreaker creates a closed breaker for the named channel. Zero thresholds
// fall back to 5 failures, 2 probe successes and a 30s open period.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onChange func(string, BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if onChange == nil {
		onChange = func(string, BreakerState) {}
	}
	b := &Breaker{name: name, cfg: cfg, onChange: onChange, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a delivery may be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a delivered notification.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutive = 0
		b.countInWindow(false)
	case BreakerHalfOpen:
		b.probeOK++
		if b.probeOK >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a failed delivery.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutive++
		b.countInWindow(true)
		if b.consecutive >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

// expireOpen must be called with mu held.
func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.transition(BreakerHalfOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.consecutive = 0
	b.probeOK = 0
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFails = 0
	b.onChange(b.name, to)
}

// countInWindow must be called with mu held.
func (b *Breaker) countInWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.windowStart = b.now()
		b.windowTotal = 0
		b.windowFails = 0
	}
	b.windowTotal++
	if failed {
		b.windowFails++
	}
}

// rateExceeded must be called with mu held.
func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 || b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFails)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
