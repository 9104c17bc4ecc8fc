package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flaky struct{ retryable bool }

func (e *flaky) Error() string   { return "flaky" }
func (e *flaky) Transient() bool { return e.retryable }

func TestPolicyDelayCurves(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		strategy Strategy
		want     []time.Duration
	}{
		{StrategyLinear, []time.Duration{100, 200, 300, 400, 500}},
		{StrategyExponential, []time.Duration{100, 200, 400, 800, 1600}},
		{StrategyFibonacci, []time.Duration{100, 100, 200, 300, 500}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			p := Policy{Strategy: tt.strategy, MaxAttempts: 5, BaseDelay: base}
			for i, want := range tt.want {
				assert.Equal(t, want*time.Millisecond, p.Delay(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestPolicyDelayCapAndMonotone(t *testing.T) {
	p := Policy{Strategy: StrategyExponential, MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 10*time.Second)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 10*time.Second, p.Delay(20))
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	p := Policy{Strategy: StrategyLinear, MaxAttempts: 3, BaseDelay: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{Strategy: StrategyLinear, MaxAttempts: 1}.Validate())
	assert.Error(t, Policy{Strategy: "polynomial", MaxAttempts: 1}.Validate())
	assert.Error(t, Policy{Strategy: StrategyLinear, MaxAttempts: 0}.Validate())
}

func TestBreakerTripAndRecover(t *testing.T) {
	clock := time.Unix(1000, 0)
	b := NewBreaker("editor", 3, time.Minute, 30*time.Second)
	b.now = func() time.Time { return clock }

	require.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	var oerr *CircuitOpenError
	err := b.Allow()
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "editor", oerr.Dependency)

	// Cooldown elapses: one probe allowed, a second concurrent caller is not.
	clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())
	assert.Error(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := time.Unix(1000, 0)
	b := NewBreaker("renderer", 1, time.Minute, 10*time.Second)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock = clock.Add(11 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowResetsCount(t *testing.T) {
	clock := time.Unix(1000, 0)
	b := NewBreaker("catalog", 3, 10*time.Second, time.Minute)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	b.RecordFailure()
	clock = clock.Add(11 * time.Second)
	// Outside the window the streak starts over.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func newTestGuard(policy Policy) *Guard {
	g := NewGuard(policy, BreakerSettings{Threshold: 100, Window: time.Minute, Cooldown: time.Minute}, zap.NewNop())
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestGuardRetriesTransient(t *testing.T) {
	g := newTestGuard(Policy{Strategy: StrategyLinear, MaxAttempts: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := g.Do(context.Background(), "editor", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &flaky{retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestGuardExhaustsBudget(t *testing.T) {
	g := newTestGuard(Policy{Strategy: StrategyLinear, MaxAttempts: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := g.Do(context.Background(), "editor", func(ctx context.Context) error {
		calls++
		return &flaky{retryable: true}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestGuardFatalNotRetried(t *testing.T) {
	g := newTestGuard(Policy{Strategy: StrategyLinear, MaxAttempts: 5, BaseDelay: time.Millisecond})

	calls := 0
	fatal := errors.New("bad template id")
	err := g.Do(context.Background(), "editor", func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)

	// Explicitly non-transient classification behaves the same.
	calls = 0
	err = g.Do(context.Background(), "editor", func(ctx context.Context) error {
		calls++
		return &flaky{retryable: false}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGuardOpenCircuitShortCircuits(t *testing.T) {
	g := NewGuard(
		Policy{Strategy: StrategyLinear, MaxAttempts: 1, BaseDelay: time.Millisecond},
		BreakerSettings{Threshold: 3, Window: time.Minute, Cooldown: time.Minute},
		zap.NewNop(),
	)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return &flaky{retryable: true}
	}
	for i := 0; i < 3; i++ {
		_ = g.Do(context.Background(), "renderer", fail)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateOpen, g.BreakerState("renderer"))

	err := g.Do(context.Background(), "renderer", fail)
	var oerr *CircuitOpenError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, 3, calls, "open circuit must not invoke the operation")

	// Other dependencies are unaffected.
	err = g.Do(context.Background(), "catalog", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&flaky{retryable: true}))
	assert.False(t, IsTransient(&flaky{retryable: false}))
	assert.False(t, IsTransient(errors.New("plain")))
	wrapped := fmt.Errorf("wrap: %w", &flaky{retryable: true})
	assert.True(t, IsTransient(wrapped))
}
