package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPhaseCanAdvance(t *testing.T) {
	assert.True(t, PhaseInitial.CanAdvance(PhaseCategorySelected))
	assert.True(t, PhaseCategorySelected.CanAdvance(PhaseTemplateConfirmed))
	assert.True(t, PhaseTemplateConfirmed.CanAdvance(PhaseEditing))
	assert.True(t, PhaseEditing.CanAdvance(PhaseFinalized))

	// No skipping, no going backwards.
	assert.False(t, PhaseInitial.CanAdvance(PhaseEditing))
	assert.False(t, PhaseEditing.CanAdvance(PhaseCategorySelected))
	assert.False(t, PhaseFinalized.CanAdvance(PhaseInitial))
	assert.False(t, Phase("bogus").CanAdvance(PhaseInitial))
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	b, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, PhaseInitial, a.Phase)
	assert.Empty(t, a.History)
	assert.Equal(t, 1, store.Len())
}

func TestSaveThenGet(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	s.Phase = PhaseCategorySelected
	s.Context["category"] = "landing"
	s.Append(Message{Sender: SenderUser, Content: "I want a landing page"})
	require.NoError(t, store.Save(ctx, s))

	got, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCategorySelected, got.Phase)
	assert.Equal(t, "landing", got.Context["category"])
	require.Len(t, got.History, 1)
	assert.Equal(t, SenderUser, got.History[0].Sender)
}

func TestCloneIsolation(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	// Mutating the returned copy without Save must not leak into the store.
	s.Context["category"] = "login"
	s.Append(Message{Sender: SenderUser, Content: "hi"})

	got, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Context)
	assert.Empty(t, got.History)
}

func TestResetKeepsIdentity(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	created := s.CreatedAt

	s.Phase = PhaseEditing
	s.Context["category"] = "landing"
	s.Append(Message{Sender: SenderUser, Content: "change the header"})
	s.SelectedTemplate = &TemplateRef{ID: "tpl-1", Category: "landing"}
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Reset(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, PhaseInitial, got.Phase)
	assert.Empty(t, got.Context)
	assert.Empty(t, got.History)
	assert.Nil(t, got.SelectedTemplate)
}

func TestResetUnknownSession(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	_, err := store.Reset(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDoesNotCreate(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	s.Context["category"] = "landing"
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "landing", got.Context["category"])
}

func TestGetExpiredSession(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, s))

	now = now.Add(2 * time.Hour)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	s.Context["category"] = "landing"
	require.NoError(t, store.Save(ctx, s))

	// Advance past the TTL: the id behaves as if it never existed.
	now = now.Add(2 * time.Hour)
	got, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseInitial, got.Phase)
	assert.Empty(t, got.Context)

	// Sweep removes expired entries.
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 0, store.Len())
}

func TestPerSessionLocking(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	// Concurrent turns on the same session serialize: with the lock held
	// around read-modify-write there are no lost updates.
	const turns = 50
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Lock("s1")
			defer store.Unlock("s1")
			s, err := store.GetOrCreate(ctx, "s1")
			require.NoError(t, err)
			s.Stats.Turns++
			require.NoError(t, store.Save(ctx, s))
		}()
	}
	wg.Wait()

	got, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, turns, got.Stats.Turns)

	// Lock entries are released with their last holder, so the table
	// does not accumulate one entry per id ever seen.
	assert.Equal(t, 0, store.locks.size())
}

func TestLockTableShrinks(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("s%d", i)
		store.Lock(id)
		store.Unlock(id)
	}
	assert.Equal(t, 0, store.locks.size())

	store.Lock("held")
	assert.Equal(t, 1, store.locks.size())
	store.Unlock("held")
	assert.Equal(t, 0, store.locks.size())
}
