package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mockupd.db"), time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseInitial, s.Phase)

	s.Phase = PhaseCategorySelected
	s.Context["category"] = "landing"
	s.Append(Message{Sender: SenderUser, Content: "I want a landing page", Intent: "category_selection"})
	s.SelectedTemplate = &TemplateRef{ID: "tpl-1", Name: "Hero Landing", Category: "landing", Tags: []string{"modern"}}
	s.Stats.Turns = 1
	s.Stats.ToolCalls = append(s.Stats.ToolCalls, ToolInvocationRecord{
		Tool: "set_category", Success: true, Latency: 12 * time.Millisecond, Timestamp: time.Now(),
	})
	require.NoError(t, store.Save(ctx, s))

	got, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCategorySelected, got.Phase)
	assert.Equal(t, "landing", got.Context["category"])
	require.Len(t, got.History, 1)
	assert.Equal(t, "category_selection", got.History[0].Intent)
	require.NotNil(t, got.SelectedTemplate)
	assert.Equal(t, "tpl-1", got.SelectedTemplate.ID)
	assert.Equal(t, []string{"modern"}, got.SelectedTemplate.Tags)
	assert.Equal(t, 1, got.Stats.Turns)
	require.Len(t, got.Stats.ToolCalls, 1)
	assert.Equal(t, "set_category", got.Stats.ToolCalls[0].Tool)
}

func TestSQLiteReset(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	created := s.CreatedAt

	s.Phase = PhaseEditing
	s.Context["category"] = "login"
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Reset(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseInitial, got.Phase)
	assert.Empty(t, got.Context)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())

	_, err = store.Reset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())

	s, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	s.Phase = PhaseCategorySelected
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCategorySelected, got.Phase)

	store.Lock("s1")
	store.Unlock("s1")
	assert.Equal(t, 0, store.locks.size())
}

func TestSQLiteSweep(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.GetOrCreate(ctx, "old")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = store.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	// The expired id is recreated from scratch.
	got, err := store.GetOrCreate(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, PhaseInitial, got.Phase)
}
