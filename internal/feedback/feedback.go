// Package feedback holds plan steps that need a human decision. Each
// request resolves exactly once: by an explicit approve or deny, or by
// the deadline policy.
package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is a request's lifecycle position.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	// StatusTimedOut is a deadline denial for categories outside the
	// auto-approve list.
	StatusTimedOut Status = "timed_out"
)

// Resolved reports whether s is terminal.
func (s Status) Resolved() bool { return s != StatusPending }

// Allowed reports whether the gated step may run.
func (s Status) Allowed() bool { return s == StatusApproved }

// Request is one pending human decision.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	StepName  string         `json:"step_name"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`

	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	// Resolver records who decided: "human" or "deadline".
	Resolver string `json:"resolver,omitempty"`
}

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = fmt.Errorf("feedback request not found")

// Backend persists requests.
type Backend interface {
	Save(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Expired returns pending requests whose deadline is at or before now.
	Expired(ctx context.Context, now time.Time) ([]*Request, error)
	// Pending returns pending requests, newest first, for one session or
	// all sessions when sessionID is empty.
	Pending(ctx context.Context, sessionID string) ([]*Request, error)
}

// Options configures a Gate.
type Options struct {
	// Timeout is how long a request stays pending before the deadline
	// policy resolves it.
	Timeout time.Duration
	// AutoApprove lists categories the deadline policy approves.
	// Everything else times out.
	AutoApprove []string
}

// Gate creates, resolves, and sweeps feedback requests.
type Gate struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan Status

	now func() time.Time
}

// NewGate builds a Gate over backend.
func NewGate(backend Backend, opts Options, logger *zap.Logger) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 24 * time.Hour
	}
	return &Gate{
		backend: backend,
		opts:    opts,
		logger:  logger,
		waiters: make(map[string][]chan Status),
		now:     time.Now,
	}
}

// Create registers a pending request for a gated step.
func (g *Gate) Create(ctx context.Context, sessionID, stepName, category string, payload map[string]any) (*Request, error) {
	now := g.now()
	req := &Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StepName:  stepName,
		Category:  category,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(g.opts.Timeout),
	}
	if err := g.backend.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save feedback request: %w", err)
	}
	g.logger.Info("feedback requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("step", stepName),
		zap.Time("deadline", req.Deadline))
	return req, nil
}

// Resolve records a human decision. Resolving an already resolved
// request is a no-op that returns the original outcome.
func (g *Gate) Resolve(ctx context.Context, id string, approve bool) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.backend.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if req.Status.Resolved() {
		return req.Status, nil
	}

	if approve {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	req.ResolvedAt = g.now()
	req.Resolver = "human"
	if err := g.backend.Save(ctx, req); err != nil {
		return "", fmt.Errorf("save resolution: %w", err)
	}

	g.notifyLocked(id, req.Status)
	g.logger.Info("feedback resolved",
		zap.String("request_id", id),
		zap.String("status", string(req.Status)))
	return req.Status, nil
}

// Await blocks until id resolves or ctx ends. The deadline policy is
// applied by the sweeper, not here, so Await callers should carry a
// context bounded by the request deadline.
func (g *Gate) Await(ctx context.Context, id string) (Status, error) {
	g.mu.Lock()
	req, err := g.backend.Get(ctx, id)
	if err != nil {
		g.mu.Unlock()
		return "", err
	}
	if req.Status.Resolved() {
		g.mu.Unlock()
		return req.Status, nil
	}
	ch := make(chan Status, 1)
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	case s := <-ch:
		return s, nil
	}
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	return g.backend.Get(ctx, id)
}

// Pending lists unresolved requests for sessionID, or all sessions when
// sessionID is empty.
func (g *Gate) Pending(ctx context.Context, sessionID string) ([]*Request, error) {
	return g.backend.Pending(ctx, sessionID)
}

// Sweep applies the deadline policy to expired requests and returns how
// many it resolved.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	expired, err := g.backend.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, req := range expired {
		if g.autoApproved(req.Category) {
			req.Status = StatusApproved
		} else {
			req.Status = StatusTimedOut
		}
		req.ResolvedAt = now
		req.Resolver = "deadline"
		if err := g.backend.Save(ctx, req); err != nil {
			return resolved, fmt.Errorf("save sweep resolution: %w", err)
		}
		g.notifyLocked(req.ID, req.Status)
		resolved++
		g.logger.Info("feedback deadline applied",
			zap.String("request_id", req.ID),
			zap.String("category", req.Category),
			zap.String("status", string(req.Status)))
	}
	return resolved, nil
}

// Start runs the deadline sweeper until ctx ends.
func (g *Gate) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := g.Sweep(ctx); err != nil {
					g.logger.Warn("feedback sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

func (g *Gate) autoApproved(category string) bool {
	for _, c := range g.opts.AutoApprove {
		if c == category {
			return true
		}
	}
	return false
}

// notifyLocked must be called with mu held.
func (g *Gate) notifyLocked(id string, s Status) {
	for _, ch := range g.waiters[id] {
		ch <- s
	}
	delete(g.waiters, id)
}
