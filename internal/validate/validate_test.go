package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUnknownKind(t *testing.T) {
	v := New()
	results := v.Check("mystery", map[string]any{"x": 1})
	require.Len(t, results, 1)
	assert.Equal(t, LevelInfo, results[0].Level)
	assert.False(t, HasError(results))
}

func TestCheckStructural(t *testing.T) {
	v := New()
	v.RegisterSchema("widget", []Rule{
		{Field: "name", Type: "string", Required: true, MaxLen: 10},
		{Field: "kind", Type: "string", Enum: []string{"round", "square"}},
		{Field: "count", Type: "number"},
		{Field: "opts", Type: "object"},
	})

	tests := []struct {
		name    string
		payload map[string]any
		want    Summary
	}{
		{"valid", map[string]any{"name": "w1", "kind": "round", "count": 3.0}, Summary{}},
		{"missing required", map[string]any{"kind": "round"}, Summary{Error: 1}},
		{"empty required", map[string]any{"name": "  "}, Summary{Error: 1}},
		{"wrong type", map[string]any{"name": 42}, Summary{Error: 1}},
		{"enum violation", map[string]any{"name": "w1", "kind": "oval"}, Summary{Error: 1}},
		{"enum case folded", map[string]any{"name": "w1", "kind": " Round "}, Summary{}},
		{"too long", map[string]any{"name": "a-very-long-widget-name"}, Summary{Warning: 1}},
		{"bad object", map[string]any{"name": "w1", "opts": "nope"}, Summary{Error: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := v.Check("widget", tt.payload)
			assert.Equal(t, tt.want, Summarize(results))
		})
	}
}

func TestSemanticRunsOnlyWhenStructuralPasses(t *testing.T) {
	v := New()
	v.RegisterSchema("thing", []Rule{{Field: "id", Type: "string", Required: true}})
	called := false
	v.RegisterSemantic("thing", func(payload map[string]any) []Result {
		called = true
		return nil
	})

	v.Check("thing", map[string]any{})
	assert.False(t, called)

	v.Check("thing", map[string]any{"id": "t1"})
	assert.True(t, called)
}

func TestTargetSelectorCheck(t *testing.T) {
	assert.Empty(t, TargetSelectorCheck(map[string]any{"target_selector": "header"}))
	assert.Empty(t, TargetSelectorCheck(map[string]any{"target_selector": ".hero"}))
	assert.Empty(t, TargetSelectorCheck(map[string]any{"target_selector": "#nav"}))
	assert.Empty(t, TargetSelectorCheck(map[string]any{}))

	results := TargetSelectorCheck(map[string]any{"target_selector": "carousel"})
	require.Len(t, results, 1)
	assert.Equal(t, LevelError, results[0].Level)
	assert.Equal(t, "target_selector", results[0].Field)
}

func TestDefaultModificationSelector(t *testing.T) {
	v := Default()

	results := v.Check("apply_modification", map[string]any{
		"template_id": "landing-hero",
		"changes": map[string]any{
			"target_selector": "header",
			"color":           "#336699",
		},
	})
	assert.False(t, HasError(results))
	assert.Equal(t, Summary{}, Summarize(results))

	results = v.Check("apply_modification", map[string]any{
		"template_id": "landing-hero",
		"changes": map[string]any{
			"target_selector": "blink-tag",
		},
	})
	assert.True(t, HasError(results))
	assert.Equal(t, Summary{Error: 1}, Summarize(results))
}
