package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// transient is implemented by errors that may succeed on retry.
type transient interface {
	Transient() bool
}

// IsTransient reports whether err is marked retryable anywhere in its
// chain. Unclassified errors are fatal.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t) && t.Transient()
}

// BreakerSettings sizes the per-dependency breakers a Guard creates.
type BreakerSettings struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// Guard runs operations under a retry policy with one circuit breaker
// per dependency.
type Guard struct {
	policy   Policy
	settings BreakerSettings
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGuard builds a Guard. policy must have been validated.
func NewGuard(policy Policy, settings BreakerSettings, logger *zap.Logger) *Guard {
	return &Guard{
		policy:   policy,
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*Breaker),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Guard) breaker(dependency string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[dependency]
	if !ok {
		b = NewBreaker(dependency, g.settings.Threshold, g.settings.Window, g.settings.Cooldown)
		g.breakers[dependency] = b
	}
	return b
}

// BreakerState returns the breaker position for dependency, closed if
// it has never been used.
func (g *Guard) BreakerState(dependency string) State {
	return g.breaker(dependency).State()
}

// Do runs fn under the retry policy, gated by dependency's breaker.
// Transient failures are retried up to the policy's attempt budget;
// fatal failures and open circuits return immediately.
func (g *Guard) Do(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	b := g.breaker(dependency)

	var lastErr error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if err := b.Allow(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			b.RecordSuccess()
			return nil
		}

		b.RecordFailure()
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == g.policy.MaxAttempts {
			break
		}

		delay := g.policy.Delay(attempt)
		g.logger.Debug("retrying after transient failure",
			zap.String("dependency", dependency),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := g.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	g.logger.Warn("retry budget exhausted",
		zap.String("dependency", dependency),
		zap.Int("attempts", g.policy.MaxAttempts),
		zap.Error(lastErr))
	return lastErr
}
