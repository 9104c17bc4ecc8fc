// Package recovery retries transient failures and trips circuit
// breakers around unhealthy dependencies. Fatal failures pass through
// untouched on the first attempt.
package recovery

import (
	"fmt"
	"math/rand"
	"time"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// Policy bounds retries for one operation class.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter randomizes each delay within [delay/2, delay] to spread
	// retry storms.
	Jitter bool
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyLinear, StrategyExponential, StrategyFibonacci:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	return nil
}

// Delay returns the wait before attempt n (1-based: Delay(1) is the
// wait before the first retry). The result never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay == 0 {
		return 0
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		d = p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	case StrategyFibonacci:
		a, b := 1, 1
		for i := 1; i < attempt; i++ {
			a, b = b, a+b
		}
		d = p.BaseDelay * time.Duration(a)
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return d
}
