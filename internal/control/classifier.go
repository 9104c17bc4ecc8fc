package control

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/craftlabs/mockupd/internal/gateway"
	"github.com/craftlabs/mockupd/internal/session"
)

// Classification is the outcome of intent recognition for one message.
type Classification struct {
	Intent     Intent
	Confidence float64
	// Source records how the decision was made: rule, llm, or fallback.
	Source string
	// Reset marks an explicit restart command.
	Reset bool
	// Category is the page category a selection names, normalized.
	Category string
	// Keywords are style or structure tokens lifted from the message.
	Keywords []string
}

// generator is satisfied by *gateway.Gateway.
type generator interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.GeneratedContent, error)
}

// rule is one classification pattern. Rules run in order; the first
// match wins, so earlier rules take precedence.
type rule struct {
	intent  Intent
	pattern *regexp.Regexp
	// phases limits the rule; empty means any phase.
	phases []session.Phase
	// confidence assigned to matches.
	confidence float64
	reset      bool
}

// "about" alone is an everyday preposition, so it only counts as a
// category when it names a page.
var categoryPattern = regexp.MustCompile(`(?i)\b(landing|login|sign[ -]?up|signup|profile|dashboard|about[ -](page|us|me|section))\b`)

var rules = []rule{
	{
		intent:     IntentGeneralQuery,
		pattern:    regexp.MustCompile(`(?i)^\s*(reset|start over|start again|restart)\b`),
		confidence: 0.95,
		reset:      true,
	},
	{
		intent:     IntentFinalizeRequest,
		pattern:    regexp.MustCompile(`(?i)\b(finali[sz]e|finish(ed)?|done|export|ship it|wrap (it )?up)\b`),
		phases:     []session.Phase{session.PhaseEditing},
		confidence: 0.9,
	},
	{
		intent:     IntentConfirmation,
		pattern:    regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|yup|ok(ay)?|sure|confirm(ed)?|sounds good|looks good|go ahead|that one|perfect)\b`),
		phases:     []session.Phase{session.PhaseCategorySelected, session.PhaseTemplateConfirmed},
		confidence: 0.9,
	},
	{
		intent:     IntentModificationRequest,
		pattern:    regexp.MustCompile(`(?i)\b(change|make|set|update|move|resize|replace|remove|add|swap|align|center|recolor|darker|lighter|bigger|smaller|wider|narrower)\b`),
		phases:     []session.Phase{session.PhaseTemplateConfirmed, session.PhaseEditing},
		confidence: 0.85,
	},
	{
		intent:     IntentCategorySelection,
		pattern:    categoryPattern,
		phases:     []session.Phase{session.PhaseInitial, session.PhaseCategorySelected},
		confidence: 0.85,
	},
}

// styleKeywords are tokens worth carrying into modification analysis.
var styleKeywords = regexp.MustCompile(`(?i)\b(modern|minimal|clean|bold|dark|light|colorful|professional|playful|blue|red|green|purple|header|footer|hero|nav|button|form|gallery|sidebar)\b`)

// Classifier maps a user message to an intent using the rule table
// first and a model call second.
type Classifier struct {
	gen       generator
	threshold float64
	logger    *zap.Logger
}

// NewClassifier builds a Classifier. gen may be nil to run rules only.
func NewClassifier(gen generator, threshold float64, logger *zap.Logger) *Classifier {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Classifier{gen: gen, threshold: threshold, logger: logger}
}

// Classify decides the intent of message sent while the session is in
// phase. It always returns a usable classification: model failures
// degrade to a low-confidence general query and the error is reported
// alongside it.
func (c *Classifier) Classify(ctx context.Context, phase session.Phase, message string) (Classification, error) {
	trimmed := strings.TrimSpace(message)

	for _, r := range rules {
		if !r.appliesTo(phase) {
			continue
		}
		if !r.pattern.MatchString(trimmed) {
			continue
		}
		cls := Classification{
			Intent:     r.intent,
			Confidence: r.confidence,
			Source:     "rule",
			Reset:      r.reset,
			Keywords:   extractKeywords(trimmed),
		}
		if r.intent == IntentCategorySelection {
			cls.Category = normalizeCategory(categoryPattern.FindString(trimmed))
		}
		c.logger.Debug("intent matched by rule",
			zap.String("intent", string(cls.Intent)),
			zap.String("phase", string(phase)))
		return cls, nil
	}

	if c.gen == nil {
		return Classification{Intent: IntentGeneralQuery, Confidence: 0.5, Source: "fallback", Keywords: extractKeywords(trimmed)}, nil
	}
	return c.classifyLLM(ctx, phase, trimmed)
}

func (c *Classifier) classifyLLM(ctx context.Context, phase session.Phase, message string) (Classification, error) {
	intents := make([]string, 0, len(AllIntents()))
	for _, i := range AllIntents() {
		intents = append(intents, string(i))
	}

	content, err := c.gen.Call(ctx, gateway.Request{
		System: "You classify user messages for a UI mockup assistant. Answer with a JSON object only.",
		Prompt: "Session phase: " + string(phase) + "\nUser message: " + message +
			"\n\nReturn {\"intent\": one of " + strings.Join(intents, ", ") + ", \"confidence\": 0..1}.",
		Format: gateway.StructuredJSON,
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "intent", Kind: gateway.KindString, Required: true, Enum: intents},
			{Name: "confidence", Kind: gateway.KindNumber, Required: true},
		}},
		MaxTokens: 60,
	})
	if err != nil {
		c.logger.Warn("model classification failed", zap.Error(err))
		return Classification{Intent: IntentGeneralQuery, Confidence: 0, Source: "fallback", Keywords: extractKeywords(message)}, err
	}

	intent := Intent(content.Fields["intent"].(string))
	confidence := content.Fields["confidence"].(float64)
	cls := Classification{
		Intent:     intent,
		Confidence: confidence,
		Source:     "llm",
		Keywords:   extractKeywords(message),
	}
	if confidence < c.threshold {
		c.logger.Debug("classification below confidence floor",
			zap.String("intent", string(intent)),
			zap.Float64("confidence", confidence),
			zap.Float64("threshold", c.threshold))
		cls.Intent = IntentGeneralQuery
	}
	if cls.Intent == IntentCategorySelection {
		cls.Category = normalizeCategory(categoryPattern.FindString(message))
	}
	return cls, nil
}

func (r rule) appliesTo(phase session.Phase) bool {
	if len(r.phases) == 0 {
		return true
	}
	for _, p := range r.phases {
		if p == phase {
			return true
		}
	}
	return false
}

// extractKeywords returns deduplicated style tokens, lowercased, in
// order of first appearance.
func extractKeywords(message string) []string {
	matches := styleKeywords.FindAllString(message, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		k := strings.ToLower(m)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func normalizeCategory(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	c = strings.ReplaceAll(c, " ", "")
	c = strings.ReplaceAll(c, "-", "")
	if strings.HasPrefix(c, "about") {
		return "about"
	}
	return c
}
