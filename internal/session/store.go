package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store persists sessions. Implementations must serialize turns per
// session id via Lock/Unlock while allowing distinct ids to proceed
// fully in parallel.
type Store interface {
	// GetOrCreate returns the session for id, creating one in
	// PhaseInitial if none exists. Expired sessions behave as if they
	// never existed. Idempotent before the first Save.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Get returns the session for id without creating one. Missing and
	// expired ids return ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Save replaces the persisted state atomically.
	Save(ctx context.Context, s *Session) error

	// Reset restores the session to PhaseInitial, clearing context,
	// history, template and stats while keeping the id and CreatedAt.
	Reset(ctx context.Context, id string) (*Session, error)

	// Lock acquires the per-session mutation lock.
	Lock(id string)

	// Unlock releases the per-session mutation lock.
	Unlock(id string)

	// Len returns the number of live sessions.
	Len() int

	// Close releases backing resources.
	Close() error
}

// sessionLock is one per-id mutation lock. refs counts holders plus
// waiters so the entry can be dropped once nobody references it,
// keeping the lock map bounded by concurrency rather than by the
// number of ids ever seen.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable maps session ids to their mutation locks.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock)}
}

func (t *lockTable) lock(id string) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()
	l.mu.Lock()
}

func (t *lockTable) unlock(id string) {
	t.mu.Lock()
	l := t.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
	l.mu.Unlock()
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// MemoryStore is the in-memory Store used by default and in tests.
type MemoryStore struct {
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	locks *lockTable
}

// NewMemoryStore creates an in-memory store. Sessions not saved within
// ttl become eligible for eviction.
func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    newLockTable(),
	}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok && !m.expired(s) {
		return s.Clone(), nil
	}

	now := m.now()
	s := &Session{
		ID:        id,
		Phase:     PhaseInitial,
		Context:   make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[id] = s
	return s.Clone(), nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || m.expired(s) {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := s.Clone()
	stored.UpdatedAt = m.now()

	m.mu.Lock()
	m.sessions[s.ID] = stored
	m.mu.Unlock()
	return nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.expired(s) {
		return nil, ErrNotFound
	}

	fresh := &Session{
		ID:        s.ID,
		Phase:     PhaseInitial,
		Context:   make(map[string]string),
		CreatedAt: s.CreatedAt,
		UpdatedAt: m.now(),
	}
	m.sessions[id] = fresh
	return fresh.Clone(), nil
}

// Lock implements Store.
func (m *MemoryStore) Lock(id string) {
	m.locks.lock(id)
}

// Unlock implements Store.
func (m *MemoryStore) Unlock(id string) {
	m.locks.unlock(id)
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !m.expired(s) {
			n++
		}
	}
	return n
}

// Sweep evicts expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Start runs the TTL sweep loop until ctx is cancelled.
func (m *MemoryStore) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Info("session sweep evicted expired sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) expired(s *Session) bool {
	if m.ttl <= 0 {
		return false
	}
	return m.now().Sub(s.UpdatedAt) > m.ttl
}
