// Package control decides what a turn means and what work it requires.
// A rule table handles unambiguous messages; everything else falls back
// to model classification with a confidence floor.
package control

import (
	"fmt"

	"github.com/craftlabs/mockupd/internal/gateway"
)

// Intent is the recognized purpose of a user message.
type Intent string

const (
	IntentCategorySelection   Intent = "category_selection"
	IntentModificationRequest Intent = "modification_request"
	IntentConfirmation        Intent = "confirmation"
	IntentFinalizeRequest     Intent = "finalize_request"
	IntentGeneralQuery        Intent = "general_query"
)

// AllIntents returns every recognized intent.
func AllIntents() []Intent {
	return []Intent{
		IntentCategorySelection,
		IntentModificationRequest,
		IntentConfirmation,
		IntentFinalizeRequest,
		IntentGeneralQuery,
	}
}

// Valid reports whether i is a recognized intent.
func (i Intent) Valid() bool {
	switch i {
	case IntentCategorySelection, IntentModificationRequest,
		IntentConfirmation, IntentFinalizeRequest, IntentGeneralQuery:
		return true
	}
	return false
}

// StepKind distinguishes tool work from generative work.
type StepKind string

const (
	StepToolCall StepKind = "tool_call"
	StepLLMCall  StepKind = "llm_call"
)

// Step is one unit of planned work.
type Step struct {
	// Name identifies the step inside its plan.
	Name string
	Kind StepKind

	// Tool and Args apply to tool_call steps.
	Tool string
	Args map[string]any

	// ArgsFrom fills named args from earlier step outputs at execution
	// time, keyed by arg name with the producing step's index.
	ArgsFrom map[string]int

	// Prompt applies to llm_call steps. A non-empty Schema makes the
	// call structured; its parsed fields become the step output.
	Prompt string
	Schema gateway.Schema

	// DependsOn lists indices of steps that must succeed first.
	DependsOn []int

	// RequiresApproval suspends the step until a human decides.
	RequiresApproval bool
	// ApprovalCategory selects the deadline policy for gated steps.
	ApprovalCategory string
}

// Plan is the ordered work for one turn.
type Plan struct {
	Intent     Intent
	Confidence float64
	// Source records how the intent was decided: rule, llm, or fallback.
	Source string
	// Reset marks the turn as a session reset request.
	Reset bool

	Steps []Step
}

// Validate checks that dependencies reference earlier steps only, so
// execution in index order can always make progress.
func (p *Plan) Validate() error {
	if !p.Intent.Valid() {
		return fmt.Errorf("invalid intent %q", p.Intent)
	}
	for i, s := range p.Steps {
		switch s.Kind {
		case StepToolCall:
			if s.Tool == "" {
				return fmt.Errorf("step %d (%s): tool_call without a tool", i, s.Name)
			}
		case StepLLMCall:
			if s.Prompt == "" {
				return fmt.Errorf("step %d (%s): llm_call without a prompt", i, s.Name)
			}
		default:
			return fmt.Errorf("step %d (%s): unknown kind %q", i, s.Name, s.Kind)
		}
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= i {
				return fmt.Errorf("step %d (%s): dependency %d must reference an earlier step", i, s.Name, dep)
			}
		}
		for arg, src := range s.ArgsFrom {
			if src < 0 || src >= i {
				return fmt.Errorf("step %d (%s): arg %q sourced from step %d, which is not earlier", i, s.Name, arg, src)
			}
		}
	}
	return nil
}
