package control

import (
	"github.com/craftlabs/mockupd/internal/gateway"
	"github.com/craftlabs/mockupd/internal/session"
)

// PlanContext carries the session facts a plan's arguments need.
type PlanContext struct {
	SessionID  string
	Category   string
	TemplateID string
	Message    string
	// Attachments are base64-encoded images sent with the message.
	Attachments []string
}

// BuildPlan translates a classification into the steps for this turn.
// The returned plan always satisfies Validate.
func BuildPlan(cls Classification, phase session.Phase, pc PlanContext) *Plan {
	p := &Plan{
		Intent:     cls.Intent,
		Confidence: cls.Confidence,
		Source:     cls.Source,
		Reset:      cls.Reset,
	}

	if cls.Reset {
		p.Steps = []Step{
			{
				Name:             "reset_session",
				Kind:             StepToolCall,
				Tool:             "reset_session",
				Args:             map[string]any{"session_id": pc.SessionID},
				RequiresApproval: true,
				ApprovalCategory: "destructive",
			},
			{
				Name:      "reset_ack",
				Kind:      StepLLMCall,
				Prompt:    "Confirm to the user that their mockup session has been restarted and invite them to pick a page category.",
				DependsOn: []int{0},
			},
		}
		return p
	}

	switch cls.Intent {
	case IntentCategorySelection:
		category := cls.Category
		if category == "" {
			category = pc.Category
		}
		p.Steps = []Step{
			{
				Name: "set_category",
				Kind: StepToolCall,
				Tool: "set_category",
				Args: map[string]any{"category": category},
			},
			{
				Name:      "query_templates",
				Kind:      StepToolCall,
				Tool:      "query_templates",
				Args:      map[string]any{"category": category, "tags": keywordsArg(cls.Keywords)},
				DependsOn: []int{0},
			},
			{
				Name:      "present_templates",
				Kind:      StepLLMCall,
				Prompt:    "Briefly present the matching templates to the user and ask which one they want to start from.",
				DependsOn: []int{1},
			},
		}

	case IntentModificationRequest:
		p.Steps = []Step{
			{
				Name:   "analyze_modification",
				Kind:   StepLLMCall,
				Prompt: "Extract the requested change from the user message as JSON with target_selector, property, and value fields.\nUser message: " + pc.Message,
				Schema: gateway.Schema{Fields: []gateway.Field{
					{Name: "target_selector", Kind: gateway.KindString, Required: true},
					{Name: "property", Kind: gateway.KindString, Required: true},
					{Name: "value", Kind: gateway.KindString, Required: true},
				}},
			},
			{
				Name:      "apply_modification",
				Kind:      StepToolCall,
				Tool:      "apply_modification",
				Args:      map[string]any{"template_id": pc.TemplateID},
				ArgsFrom:  map[string]int{"changes": 0},
				DependsOn: []int{0},
			},
			{
				Name:      "refresh_preview",
				Kind:      StepToolCall,
				Tool:      "refresh_preview",
				Args:      map[string]any{"template_id": pc.TemplateID},
				DependsOn: []int{0},
			},
		}

	case IntentConfirmation:
		switch phase {
		case session.PhaseTemplateConfirmed:
			p.Steps = []Step{
				{
					Name: "refresh_preview",
					Kind: StepToolCall,
					Tool: "refresh_preview",
					Args: map[string]any{"template_id": pc.TemplateID},
				},
				{
					Name:      "editing_intro",
					Kind:      StepLLMCall,
					Prompt:    "Tell the user the template is ready to edit and give two short examples of changes they can ask for.",
					DependsOn: []int{0},
				},
			}
		default:
			p.Steps = []Step{
				{
					Name:   "confirm_summary",
					Kind:   StepLLMCall,
					Prompt: "Acknowledge the user's choice and summarize the selected template in one sentence.",
				},
			}
		}

	case IntentFinalizeRequest:
		p.Steps = []Step{
			{
				Name: "generate_report",
				Kind: StepToolCall,
				Tool: "generate_report",
				Args: map[string]any{"session_id": pc.SessionID},
			},
			{
				Name:      "finalize_summary",
				Kind:      StepLLMCall,
				Prompt:    "Tell the user their mockup is finalized and where the exported report can be found.",
				DependsOn: []int{0},
			},
		}

	default:
		p.Steps = []Step{
			{
				Name:   "general_response",
				Kind:   StepLLMCall,
				Prompt: "Answer the user's question about the mockup assistant in two sentences or fewer.\nUser message: " + pc.Message,
			},
		}
	}

	// An attached image is analyzed alongside the other work so its
	// palette is available on later turns. Appending keeps the existing
	// dependency indices intact.
	if len(pc.Attachments) > 0 {
		p.Steps = append(p.Steps, Step{
			Name: "analyze_logo",
			Kind: StepToolCall,
			Tool: "analyze_logo",
			Args: map[string]any{"image": pc.Attachments[0]},
		})
	}
	return p
}

// keywordsArg converts keywords to the []any shape tool argument
// checking expects.
func keywordsArg(keywords []string) []any {
	out := make([]any, 0, len(keywords))
	for _, k := range keywords {
		out = append(out, k)
	}
	return out
}
