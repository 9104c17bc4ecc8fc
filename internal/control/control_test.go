package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftlabs/mockupd/internal/gateway"
	"github.com/craftlabs/mockupd/internal/session"
)

type stubGenerator struct {
	fields map[string]any
	err    error
	calls  int
}

func (s *stubGenerator) Call(ctx context.Context, req gateway.Request) (*gateway.GeneratedContent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.GeneratedContent{Fields: s.fields}, nil
}

func TestClassifyRules(t *testing.T) {
	c := NewClassifier(nil, 0.6, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name     string
		phase    session.Phase
		message  string
		intent   Intent
		reset    bool
		category string
	}{
		{"category in initial", session.PhaseInitial, "I want a landing page", IntentCategorySelection, false, "landing"},
		{"signup alias", session.PhaseInitial, "build me a sign-up form", IntentCategorySelection, false, "signup"},
		{"confirmation", session.PhaseCategorySelected, "yes, that one", IntentConfirmation, false, ""},
		{"modification in editing", session.PhaseEditing, "make the header darker", IntentModificationRequest, false, ""},
		{"finalize in editing", session.PhaseEditing, "ok, finalize it", IntentFinalizeRequest, false, ""},
		{"reset anywhere", session.PhaseEditing, "reset please", IntentGeneralQuery, true, ""},
		{"reset beats modification", session.PhaseEditing, "start over and change everything", IntentGeneralQuery, true, ""},
		{"about page", session.PhaseInitial, "I need an about page", IntentCategorySelection, false, "about"},
		{"about us", session.PhaseInitial, "an About Us section for the company", IntentCategorySelection, false, "about"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, err := c.Classify(ctx, tt.phase, tt.message)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, cls.Intent)
			assert.Equal(t, tt.reset, cls.Reset)
			assert.Equal(t, tt.category, cls.Category)
			assert.Equal(t, "rule", cls.Source)
		})
	}
}

func TestClassifyRulesArePhaseGated(t *testing.T) {
	c := NewClassifier(nil, 0.6, zap.NewNop())
	ctx := context.Background()

	// Finalize words outside EDITING do not finalize.
	cls, err := c.Classify(ctx, session.PhaseInitial, "I'm done waiting, help me")
	require.NoError(t, err)
	assert.NotEqual(t, IntentFinalizeRequest, cls.Intent)

	// Modification verbs before a template is confirmed fall through.
	cls, err = c.Classify(ctx, session.PhaseInitial, "change of plans")
	require.NoError(t, err)
	assert.NotEqual(t, IntentModificationRequest, cls.Intent)

	// "about" as a plain preposition is not a category selection.
	cls, err = c.Classify(ctx, session.PhaseInitial, "tell me about yourself")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralQuery, cls.Intent)
	assert.Equal(t, "fallback", cls.Source)
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(nil, 0.6, zap.NewNop())
	ctx := context.Background()

	first, err := c.Classify(ctx, session.PhaseEditing, "make the hero section bigger and bold")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Classify(ctx, session.PhaseEditing, "make the hero section bigger and bold")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"hero", "bold"}, first.Keywords)
}

func TestClassifyLLMFallback(t *testing.T) {
	gen := &stubGenerator{fields: map[string]any{"intent": "category_selection", "confidence": 0.8}}
	c := NewClassifier(gen, 0.6, zap.NewNop())

	cls, err := c.Classify(context.Background(), session.PhaseInitial, "something for my new product maybe?")
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, IntentCategorySelection, cls.Intent)
	assert.Equal(t, "llm", cls.Source)
}

func TestClassifyLowConfidenceCoerced(t *testing.T) {
	gen := &stubGenerator{fields: map[string]any{"intent": "finalize_request", "confidence": 0.3}}
	c := NewClassifier(gen, 0.6, zap.NewNop())

	cls, err := c.Classify(context.Background(), session.PhaseEditing, "hmm whatever works")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralQuery, cls.Intent)
	assert.Equal(t, 0.3, cls.Confidence)
}

func TestClassifyLLMErrorDegrades(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider down")}
	c := NewClassifier(gen, 0.6, zap.NewNop())

	cls, err := c.Classify(context.Background(), session.PhaseInitial, "tell me about yourself")
	require.Error(t, err)
	assert.Equal(t, IntentGeneralQuery, cls.Intent)
	assert.Equal(t, "fallback", cls.Source)
}

func TestBuildPlanCategorySelection(t *testing.T) {
	cls := Classification{Intent: IntentCategorySelection, Confidence: 0.85, Source: "rule", Category: "landing", Keywords: []string{"modern"}}
	p := BuildPlan(cls, session.PhaseInitial, PlanContext{SessionID: "s1", Message: "I want a modern landing page"})

	require.NoError(t, p.Validate())
	require.Len(t, p.Steps, 3)
	assert.Equal(t, "set_category", p.Steps[0].Tool)
	assert.Equal(t, "landing", p.Steps[0].Args["category"])
	assert.Equal(t, "query_templates", p.Steps[1].Tool)
	assert.Equal(t, []int{0}, p.Steps[1].DependsOn)
	assert.Equal(t, StepLLMCall, p.Steps[2].Kind)
	assert.Equal(t, []int{1}, p.Steps[2].DependsOn)
}

func TestBuildPlanModification(t *testing.T) {
	cls := Classification{Intent: IntentModificationRequest, Confidence: 0.85, Source: "rule"}
	p := BuildPlan(cls, session.PhaseEditing, PlanContext{SessionID: "s1", TemplateID: "landing-hero", Message: "make the header darker"})

	require.NoError(t, p.Validate())
	require.Len(t, p.Steps, 3)
	assert.Equal(t, StepLLMCall, p.Steps[0].Kind)
	assert.Equal(t, "apply_modification", p.Steps[1].Tool)
	assert.Equal(t, map[string]int{"changes": 0}, p.Steps[1].ArgsFrom)
	assert.Equal(t, []int{0}, p.Steps[1].DependsOn)
	assert.Equal(t, "refresh_preview", p.Steps[2].Tool)
	assert.Equal(t, []int{0}, p.Steps[2].DependsOn)
}

func TestBuildPlanReset(t *testing.T) {
	cls := Classification{Intent: IntentGeneralQuery, Confidence: 0.95, Source: "rule", Reset: true}
	p := BuildPlan(cls, session.PhaseEditing, PlanContext{SessionID: "s1"})

	require.NoError(t, p.Validate())
	assert.True(t, p.Reset)
	require.NotEmpty(t, p.Steps)
	assert.True(t, p.Steps[0].RequiresApproval)
	assert.Equal(t, "destructive", p.Steps[0].ApprovalCategory)
}

func TestBuildPlanFinalize(t *testing.T) {
	cls := Classification{Intent: IntentFinalizeRequest, Confidence: 0.9, Source: "rule"}
	p := BuildPlan(cls, session.PhaseEditing, PlanContext{SessionID: "s1"})

	require.NoError(t, p.Validate())
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "generate_report", p.Steps[0].Tool)
	assert.Equal(t, "s1", p.Steps[0].Args["session_id"])
}

func TestBuildPlanAppendsLogoAnalysis(t *testing.T) {
	cls := Classification{Intent: IntentCategorySelection, Confidence: 0.85, Source: "rule", Category: "landing"}
	p := BuildPlan(cls, session.PhaseInitial, PlanContext{
		SessionID:   "s1",
		Message:     "landing page matching this logo",
		Attachments: []string{"aWNvbg=="},
	})

	require.NoError(t, p.Validate())
	require.Len(t, p.Steps, 4)
	last := p.Steps[3]
	assert.Equal(t, "analyze_logo", last.Tool)
	assert.Equal(t, "aWNvbg==", last.Args["image"])
	assert.Empty(t, last.DependsOn)
}

func TestPlanValidateRejectsForwardDeps(t *testing.T) {
	p := &Plan{Intent: IntentGeneralQuery, Steps: []Step{
		{Name: "a", Kind: StepToolCall, Tool: "x", DependsOn: []int{1}},
		{Name: "b", Kind: StepLLMCall, Prompt: "p"},
	}}
	assert.Error(t, p.Validate())

	p = &Plan{Intent: IntentGeneralQuery, Steps: []Step{
		{Name: "a", Kind: StepLLMCall, Prompt: "p"},
		{Name: "b", Kind: StepToolCall, Tool: "x", ArgsFrom: map[string]int{"v": 1}},
	}}
	assert.Error(t, p.Validate())

	p = &Plan{Intent: "weird", Steps: nil}
	assert.Error(t, p.Validate())
}
