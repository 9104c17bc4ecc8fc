// Package validate checks tool arguments and generated content before
// they take effect. Error findings abort the step that produced them;
// warnings and notes travel with the turn result.
package validate

import (
	"fmt"
	"sort"
	"strings"
)

// Level grades a finding.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Result is one finding against a named field.
type Result struct {
	Field   string `json:"field"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Rule describes one expected field in a payload.
type Rule struct {
	Field    string
	Type     string // string, number, bool, object, array
	Required bool
	Enum     []string
	// MaxLen bounds string length when positive.
	MaxLen int
}

// SemanticCheck inspects the whole payload after structural rules pass.
type SemanticCheck func(payload map[string]any) []Result

// Validator holds named schemas, one per payload kind.
type Validator struct {
	schemas   map[string][]Rule
	semantics map[string][]SemanticCheck
}

// New returns an empty Validator.
func New() *Validator {
	return &Validator{
		schemas:   make(map[string][]Rule),
		semantics: make(map[string][]SemanticCheck),
	}
}

// RegisterSchema installs the structural rules for kind, replacing any
// previous registration.
func (v *Validator) RegisterSchema(kind string, rules []Rule) {
	v.schemas[kind] = rules
}

// RegisterSemantic appends a semantic check for kind.
func (v *Validator) RegisterSemantic(kind string, check SemanticCheck) {
	v.semantics[kind] = append(v.semantics[kind], check)
}

// Check validates payload against the rules registered for kind. An
// unregistered kind passes with a single info finding so new payload
// kinds are visible without blocking turns.
func (v *Validator) Check(kind string, payload map[string]any) []Result {
	rules, ok := v.schemas[kind]
	if !ok {
		return []Result{{
			Field:   "",
			Level:   LevelInfo,
			Message: fmt.Sprintf("no validation schema for %q", kind),
		}}
	}

	var results []Result
	for _, r := range rules {
		val, present := payload[r.Field]
		if !present || val == nil {
			if r.Required {
				results = append(results, Result{
					Field:   r.Field,
					Level:   LevelError,
					Message: "required field missing",
				})
			}
			continue
		}
		if r.Required && r.Type == "string" {
			if s, ok := val.(string); ok && strings.TrimSpace(s) == "" {
				results = append(results, Result{
					Field:   r.Field,
					Level:   LevelError,
					Message: "required field empty",
				})
				continue
			}
		}
		results = append(results, checkValue(r, val)...)
	}

	if !HasError(results) {
		for _, check := range v.semantics[kind] {
			results = append(results, check(payload)...)
		}
	}
	return results
}

func checkValue(r Rule, val any) []Result {
	var results []Result
	badType := func(want string) {
		results = append(results, Result{
			Field:   r.Field,
			Level:   LevelError,
			Message: fmt.Sprintf("want %s, got %T", want, val),
		})
	}

	switch r.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			badType("string")
			break
		}
		if r.MaxLen > 0 && len(s) > r.MaxLen {
			results = append(results, Result{
				Field:   r.Field,
				Level:   LevelWarning,
				Message: fmt.Sprintf("length %d exceeds %d", len(s), r.MaxLen),
			})
		}
		if len(r.Enum) > 0 {
			folded := strings.ToLower(strings.TrimSpace(s))
			found := false
			for _, e := range r.Enum {
				if folded == e {
					found = true
					break
				}
			}
			if !found {
				results = append(results, Result{
					Field:   r.Field,
					Level:   LevelError,
					Message: fmt.Sprintf("%q not one of %s", s, strings.Join(r.Enum, ", ")),
				})
			}
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			badType("number")
		}
	case "bool":
		if _, ok := val.(bool); !ok {
			badType("bool")
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			badType("object")
		}
	case "array":
		switch val.(type) {
		case []any, []string:
		default:
			badType("array")
		}
	}
	return results
}

// HasError reports whether any finding is error level.
func HasError(results []Result) bool {
	for _, r := range results {
		if r.Level == LevelError {
			return true
		}
	}
	return false
}

// Summary counts findings per level.
type Summary struct {
	Info    int `json:"info"`
	Warning int `json:"warning"`
	Error   int `json:"error"`
}

// Summarize tallies results by level.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Level {
		case LevelInfo:
			s.Info++
		case LevelWarning:
			s.Warning++
		case LevelError:
			s.Error++
		}
	}
	return s
}

// knownSelectors are the element classes a modification may target.
var knownSelectors = []string{
	"button", "footer", "form", "gallery", "header", "hero", "nav", "sidebar",
}

// TargetSelectorCheck verifies that a modification's target_selector
// names a known element class. An unknown selector is an error: the
// editor has nothing to match it against and the change would be lost.
func TargetSelectorCheck(payload map[string]any) []Result {
	sel, ok := payload["target_selector"].(string)
	if !ok || sel == "" {
		return nil
	}
	base := strings.ToLower(strings.TrimLeft(strings.TrimSpace(sel), ".#"))
	i := sort.SearchStrings(knownSelectors, base)
	if i < len(knownSelectors) && knownSelectors[i] == base {
		return nil
	}
	return []Result{{
		Field:   "target_selector",
		Level:   LevelError,
		Message: fmt.Sprintf("%q is not a known element class", sel),
	}}
}

// Default returns a Validator preloaded with the payload kinds the turn
// pipeline emits.
func Default() *Validator {
	v := New()
	v.RegisterSchema("set_category", []Rule{
		{Field: "category", Type: "string", Required: true},
	})
	v.RegisterSchema("query_templates", []Rule{
		{Field: "category", Type: "string", Required: true},
		{Field: "tags", Type: "array"},
	})
	v.RegisterSchema("apply_modification", []Rule{
		{Field: "template_id", Type: "string", Required: true},
		{Field: "changes", Type: "object", Required: true},
	})
	v.RegisterSemantic("apply_modification", func(payload map[string]any) []Result {
		changes, _ := payload["changes"].(map[string]any)
		return TargetSelectorCheck(changes)
	})
	v.RegisterSchema("refresh_preview", []Rule{
		{Field: "template_id", Type: "string", Required: true},
	})
	v.RegisterSchema("generate_report", []Rule{
		{Field: "session_id", Type: "string", Required: true},
		{Field: "options", Type: "object"},
	})
	v.RegisterSchema("analyze_logo", []Rule{
		{Field: "image", Type: "string", Required: true, MaxLen: 4 << 20},
	})
	v.RegisterSchema("reset_session", []Rule{})
	return v
}
