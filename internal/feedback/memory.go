package feedback

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps requests in process memory. Suitable for tests
// and single-node deployments with the memory session store.
type MemoryBackend struct {
	mu   sync.RWMutex
	reqs map[string]*Request
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{reqs: make(map[string]*Request)}
}

func (m *MemoryBackend) Save(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.reqs[req.ID] = &cp
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryBackend) Expired(ctx context.Context, now time.Time) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, req := range m.reqs {
		if req.Status == StatusPending && !req.Deadline.After(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (m *MemoryBackend) Pending(ctx context.Context, sessionID string) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, req := range m.reqs {
		if req.Status != StatusPending {
			continue
		}
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
