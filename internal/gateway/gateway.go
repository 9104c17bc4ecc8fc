// Package gateway mediates all generative model calls. Callers describe
// the content they need and the expected output format; the gateway owns
// prompt assembly, rate limiting, timeouts, and response parsing.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Format selects how the model output is interpreted.
type Format string

const (
	// FreeText returns the raw completion untouched.
	FreeText Format = "free_text"
	// StructuredJSON parses the completion as a JSON object and checks it
	// against the request schema.
	StructuredJSON Format = "structured_json"
)

// FieldKind is the expected type of one structured output field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
)

// Field declares one expected key in a structured response.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
	// Enum, when non-empty, restricts string values to this set.
	Enum []string
}

// Schema describes the shape a StructuredJSON response must take.
type Schema struct {
	Fields []Field
}

// Request is one generation request.
type Request struct {
	// System frames the model's role for this call.
	System string
	// Prompt is the user-facing instruction.
	Prompt string
	// History holds prior conversation lines, oldest first, already
	// trimmed to the caller's window.
	History []string
	// Context carries session facts folded into the prompt preamble.
	Context map[string]string

	Format Format
	Schema Schema

	// MaxTokens overrides the configured default when positive.
	MaxTokens int
}

// GeneratedContent is a parsed model response.
type GeneratedContent struct {
	// Text is the raw completion.
	Text string
	// Fields holds the coerced values for StructuredJSON requests,
	// keyed by schema field name.
	Fields map[string]any

	Model   string
	Latency time.Duration
}

// ParseError reports a structured response that does not satisfy its
// schema. It is never retried: the same prompt produces the same shape.
type ParseError struct {
	Field  string
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse response: %s", e.Reason)
	}
	return fmt.Sprintf("parse response field %q: %s", e.Field, e.Reason)
}

// UpstreamError wraps a provider failure. These are transient: the same
// call may succeed on retry.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string   { return fmt.Sprintf("model call: %v", e.Err) }
func (e *UpstreamError) Unwrap() error   { return e.Err }
func (e *UpstreamError) Transient() bool { return true }

// Options configures a Gateway.
type Options struct {
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	RPS         float64
	Burst       int
}

// Gateway issues generation calls against a single backing model.
type Gateway struct {
	model   llms.Model
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger

	calls   *prometheus.CounterVec
	latency prometheus.Histogram
}

// New builds a Gateway around model. reg may be nil to skip metrics
// registration.
func New(model llms.Model, opts Options, logger *zap.Logger, reg prometheus.Registerer) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	g := &Gateway{
		model:   model,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		logger:  logger,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockupd_llm_calls_total",
			Help: "Generative model calls by format and outcome.",
		}, []string{"format", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mockupd_llm_latency_seconds",
			Help:    "Generative model call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(g.calls, g.latency)
	}
	return g
}

// Call performs one generation request. Provider failures come back as
// *UpstreamError; malformed structured output as *ParseError.
func (g *Gateway) Call(ctx context.Context, req Request) (*GeneratedContent, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	prompt := g.assemble(req)
	opts := []llms.CallOption{
		llms.WithTemperature(g.opts.Temperature),
	}
	maxTokens := g.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	if req.Format == StructuredJSON {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, opts...)
	elapsed := time.Since(start)
	g.latency.Observe(elapsed.Seconds())
	if err != nil {
		g.calls.WithLabelValues(string(req.Format), "error").Inc()
		g.logger.Warn("model call failed",
			zap.String("model", g.opts.Model),
			zap.Duration("latency", elapsed),
			zap.Error(err))
		return nil, &UpstreamError{Err: err}
	}

	content := &GeneratedContent{
		Text:    text,
		Model:   g.opts.Model,
		Latency: elapsed,
	}
	if req.Format == StructuredJSON {
		fields, perr := parseStructured(text, req.Schema)
		if perr != nil {
			g.calls.WithLabelValues(string(req.Format), "parse_error").Inc()
			return nil, perr
		}
		content.Fields = fields
	}

	g.calls.WithLabelValues(string(req.Format), "ok").Inc()
	g.logger.Debug("model call",
		zap.String("model", g.opts.Model),
		zap.String("format", string(req.Format)),
		zap.Duration("latency", elapsed))
	return content, nil
}

// assemble folds system framing, session context, and history into a
// single prompt.
func (g *Gateway) assemble(req Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	if len(req.Context) > 0 {
		b.WriteString("Session context:\n")
		for _, k := range sortedKeys(req.Context) {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
		}
		b.WriteString("\n")
	}
	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, line := range req.History {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(req.Prompt)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseStructured extracts the first JSON object from text and coerces
// it against schema.
func parseStructured(text string, schema Schema) (map[string]any, *ParseError) {
	raw := extractObject(text)
	if raw == "" {
		return nil, &ParseError{Reason: "no JSON object in response", Raw: text}
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &ParseError{Reason: err.Error(), Raw: raw}
	}

	out := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		v, ok := decoded[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, &ParseError{Field: f.Name, Reason: "missing required field", Raw: raw}
			}
			continue
		}
		cv, perr := coerce(f, v, raw)
		if perr != nil {
			return nil, perr
		}
		out[f.Name] = cv
	}
	return out, nil
}

// extractObject returns the outermost {...} block in text, tolerating
// prose or code fences around it.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func coerce(f Field, v any, raw string) (any, *ParseError) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			// Models sometimes emit numbers where strings were asked for.
			if n, isNum := v.(float64); isNum {
				s = strconv.FormatFloat(n, 'f', -1, 64)
			} else {
				return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("want string, got %T", v), Raw: raw}
			}
		}
		if len(f.Enum) > 0 {
			folded := strings.ToLower(strings.TrimSpace(s))
			for _, e := range f.Enum {
				if folded == e {
					return folded, nil
				}
			}
			return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("%q not in %v", s, f.Enum), Raw: raw}
		}
		return s, nil

	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("want number, got %q", n), Raw: raw}
			}
			return parsed, nil
		default:
			return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("want number, got %T", v), Raw: raw}
		}

	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("want bool, got %q", b), Raw: raw}
			}
			return parsed, nil
		default:
			return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("want bool, got %T", v), Raw: raw}
		}
	}
	return nil, &ParseError{Field: f.Name, Reason: fmt.Sprintf("unknown field kind %q", f.Kind), Raw: raw}
}
