// Package tools provides the named tool registry wrapping external
// capabilities. Tools are pure with respect to session state: all effects
// flow through their return values.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ParamSpec declares one tool parameter.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, bool, object, array
	Required bool   `json:"required"`
}

// Spec declares a tool's contract. Tools have no side effects beyond
// their explicit return value.
type Spec struct {
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// Func is a registered tool implementation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Result is the outcome of one invocation.
type Result struct {
	Success bool
	Value   any
	Err     error
	Latency time.Duration
}

// Stats is a per-tool usage snapshot.
type Stats struct {
	Calls      int64         `json:"calls"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

type registration struct {
	fn   Func
	spec Spec

	mu           sync.Mutex
	calls        int64
	failures     int64
	totalLatency time.Duration
}

// Registry holds named tools and their usage statistics.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]*registration

	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewRegistry creates a registry. Metrics are registered on reg; pass
// prometheus.DefaultRegisterer outside tests.
func NewRegistry(logger *zap.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		logger: logger,
		tools:  make(map[string]*registration),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockupd_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mockupd_tool_latency_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	if reg != nil {
		reg.MustRegister(r.invocations, r.latency)
	}
	return r
}

// Register adds a named tool. Re-registering a name is an error.
func (r *Registry) Register(name string, fn Func, spec Spec) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: fn cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &registration{fn: fn, spec: spec}
	r.logger.Debug("registered tool", zap.String("tool", name))
	return nil
}

// Invoke runs the named tool. The result's Err carries an *ExecError
// classification; unknown tools and parameter violations are fatal.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		err := Fatal(name, fmt.Errorf("tool not registered"))
		r.invocations.WithLabelValues(name, "error").Inc()
		return Result{Success: false, Err: err}
	}

	if err := checkParams(name, reg.spec, args); err != nil {
		r.record(reg, name, 0, err)
		return Result{Success: false, Err: err}
	}

	start := time.Now()
	value, err := reg.fn(ctx, args)
	latency := time.Since(start)

	if err != nil {
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			// Unclassified failures are not retried.
			err = Fatal(name, err)
		}
		r.record(reg, name, latency, err)
		r.logger.Warn("tool invocation failed",
			zap.String("tool", name),
			zap.Duration("latency", latency),
			zap.Error(err))
		return Result{Success: false, Err: err, Latency: latency}
	}

	r.record(reg, name, latency, nil)
	return Result{Success: true, Value: value, Latency: latency}
}

// SpecFor returns the declared spec for a tool.
func (r *Registry) SpecFor(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return reg.spec, true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statistics returns a usage snapshot per tool.
func (r *Registry) Statistics() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.tools))
	for name, reg := range r.tools {
		reg.mu.Lock()
		s := Stats{Calls: reg.calls, Failures: reg.failures}
		if reg.calls > 0 {
			s.AvgLatency = reg.totalLatency / time.Duration(reg.calls)
		}
		reg.mu.Unlock()
		out[name] = s
	}
	return out
}

func (r *Registry) record(reg *registration, name string, latency time.Duration, err error) {
	reg.mu.Lock()
	reg.calls++
	reg.totalLatency += latency
	if err != nil {
		reg.failures++
	}
	reg.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.invocations.WithLabelValues(name, outcome).Inc()
	r.latency.WithLabelValues(name).Observe(latency.Seconds())
}

func checkParams(tool string, spec Spec, args map[string]any) error {
	for _, p := range spec.Params {
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return Fatal(tool, fmt.Errorf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return Fatal(tool, fmt.Errorf("parameter %q: expected %s, got %T", p.Name, p.Type, v))
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		// Unknown declared types are not enforced.
		return true
	}
}

