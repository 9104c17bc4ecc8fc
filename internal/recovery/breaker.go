package recovery

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	// StateClosed lets calls through and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a single probe through.
	StateHalfOpen State = "half_open"
)

// CircuitOpenError is returned when a dependency's breaker rejects a
// call without invoking it.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Dependency, e.RetryAfter)
}

// Breaker trips after Threshold consecutive failures inside Window and
// stays open for Cooldown. A single half-open probe decides whether it
// closes again.
type Breaker struct {
	dependency string
	threshold  int
	window     time.Duration
	cooldown   time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool

	now func() time.Time
}

// NewBreaker builds a closed breaker for dependency.
func NewBreaker(dependency string, threshold int, window, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		dependency: dependency,
		threshold:  threshold,
		window:     window,
		cooldown:   cooldown,
		state:      StateClosed,
		now:        time.Now,
	}
}

// State returns the current position, advancing open to half-open when
// the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observe()
}

// observe must be called with mu held.
func (b *Breaker) observe() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state only the
// first caller gets through until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.observe() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return &CircuitOpenError{Dependency: b.dependency, RetryAfter: b.cooldown}
		}
		b.probing = true
		return nil
	default:
		retryAfter := b.cooldown - b.now().Sub(b.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &CircuitOpenError{Dependency: b.dependency, RetryAfter: retryAfter}
	}
}

// RecordSuccess resets failure tracking. A successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts one failure. Reaching the threshold inside the
// window, or failing the half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.observe() == StateHalfOpen {
		b.open(now)
		return
	}

	if b.failures == 0 || (b.window > 0 && now.Sub(b.firstFailure) > b.window) {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open(now)
	}
}

// open must be called with mu held.
func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.probing = false
}
