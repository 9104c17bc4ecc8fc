package feedback

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

func newTestGate(t *testing.T, backend Backend, opts Options) *Gate {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = time.Hour
	}
	return NewGate(backend, opts, zap.NewNop())
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlite, err := NewSQLiteBackend(db)
	require.NoError(t, err)

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestGateCreateAndResolve(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := newTestGate(t, backend, Options{})
			ctx := context.Background()

			req, err := g.Create(ctx, "s1", "reset_session", "destructive", map[string]any{"reason": "user asked"})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, req.Status)
			assert.True(t, req.Deadline.After(req.CreatedAt))

			status, err := g.Resolve(ctx, req.ID, true)
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, status)
			assert.True(t, status.Allowed())

			// Second resolution is a no-op returning the original outcome.
			status, err = g.Resolve(ctx, req.ID, false)
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, status)

			stored, err := g.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, stored.Status)
			assert.Equal(t, "human", stored.Resolver)
		})
	}
}

func TestGateResolveUnknown(t *testing.T) {
	g := newTestGate(t, NewMemoryBackend(), Options{})
	_, err := g.Resolve(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateAwait(t *testing.T) {
	g := newTestGate(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	req, err := g.Create(ctx, "s1", "apply_modification", "content", nil)
	require.NoError(t, err)

	done := make(chan Status, 1)
	go func() {
		s, _ := g.Await(ctx, req.ID)
		done <- s
	}()

	// Give the waiter time to register before resolving.
	time.Sleep(10 * time.Millisecond)
	_, err = g.Resolve(ctx, req.ID, false)
	require.NoError(t, err)

	select {
	case s := <-done:
		assert.Equal(t, StatusDenied, s)
		assert.False(t, s.Allowed())
	case <-time.After(2 * time.Second):
		t.Fatal("await did not observe resolution")
	}
}

func TestGateAwaitAlreadyResolved(t *testing.T) {
	g := newTestGate(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	req, err := g.Create(ctx, "s1", "step", "content", nil)
	require.NoError(t, err)
	_, err = g.Resolve(ctx, req.ID, true)
	require.NoError(t, err)

	s, err := g.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)
}

func TestGateAwaitContextCancelled(t *testing.T) {
	g := newTestGate(t, NewMemoryBackend(), Options{})

	req, err := g.Create(context.Background(), "s1", "step", "content", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := g.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, s)
}

func TestGateSweepDeadlinePolicy(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := newTestGate(t, backend, Options{
				Timeout:     time.Hour,
				AutoApprove: []string{"low_risk"},
			})
			clock := time.Unix(5000, 0)
			g.now = func() time.Time { return clock }
			ctx := context.Background()

			low, err := g.Create(ctx, "s1", "refresh_preview", "low_risk", nil)
			require.NoError(t, err)
			high, err := g.Create(ctx, "s1", "reset_session", "destructive", nil)
			require.NoError(t, err)

			// Nothing expired yet.
			n, err := g.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			clock = clock.Add(time.Hour + time.Second)
			n, err = g.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := g.Get(ctx, low.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, got.Status)
			assert.Equal(t, "deadline", got.Resolver)

			got, err = g.Get(ctx, high.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusTimedOut, got.Status)
			assert.False(t, got.Status.Allowed())

			// Sweeping again finds nothing pending.
			n, err = g.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestGatePendingFilter(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := newTestGate(t, backend, Options{})
			ctx := context.Background()

			a, err := g.Create(ctx, "s1", "step-a", "content", nil)
			require.NoError(t, err)
			_, err = g.Create(ctx, "s2", "step-b", "content", nil)
			require.NoError(t, err)

			all, err := g.Pending(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			one, err := g.Pending(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, one, 1)
			assert.Equal(t, a.ID, one[0].ID)

			_, err = g.Resolve(ctx, a.ID, true)
			require.NoError(t, err)
			one, err = g.Pending(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, one)
		})
	}
}
