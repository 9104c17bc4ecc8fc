// Package orchestrator drives the per-turn pipeline: classify the
// message, plan the work, execute it under recovery and approval gates,
// and persist the session. A turn always produces a response; failures
// surface as unsuccessful actions, never as a dropped turn.
package orchestrator

import (
	"time"

	"github.com/craftlabs/mockupd/internal/control"
	"github.com/craftlabs/mockupd/internal/session"
	"github.com/craftlabs/mockupd/internal/tools"
	"github.com/craftlabs/mockupd/internal/validate"
)

// TurnRequest is one user message addressed to a session.
// Attachments carry base64-encoded images, such as a logo to match
// the mockup's palette against.
type TurnRequest struct {
	SessionID   string   `json:"session_id"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

// StepStatus is the terminal state of one planned step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	// StepSkipped covers steps whose dependencies failed and steps a
	// human denied or left unapproved.
	StepSkipped StepStatus = "skipped"
)

// Action reports the outcome of one plan step.
type Action struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	Status  StepStatus `json:"status"`
	Success bool       `json:"success"`

	Output  any           `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`

	// Validation holds findings recorded against this step's payload.
	Validation []validate.Result `json:"validation,omitempty"`

	// FeedbackID is set when the step is waiting on a human decision.
	FeedbackID string `json:"feedback_id,omitempty"`
}

// TurnResult is the full outcome of one processed turn.
type TurnResult struct {
	SessionID  string        `json:"session_id"`
	Phase      session.Phase `json:"phase"`
	Intent     string        `json:"intent"`
	Confidence float64       `json:"confidence"`

	Reply   string   `json:"reply"`
	Actions []Action `json:"actions,omitempty"`

	Validation validate.Summary `json:"validation"`

	// PendingFeedback lists approval requests created this turn that
	// are still unresolved.
	PendingFeedback []string `json:"pending_feedback,omitempty"`

	// Transition is set when this turn moved the session into a new
	// phase with template context worth surfacing to the client.
	Transition *TransitionData `json:"transition_data,omitempty"`

	// Degraded marks a turn answered by the fallback path after a
	// classification or execution infrastructure failure.
	Degraded bool `json:"degraded,omitempty"`
}

// TransitionData describes a phase change taken during a turn.
type TransitionData struct {
	From     session.Phase        `json:"from"`
	To       session.Phase        `json:"to"`
	Template *session.TemplateRef `json:"template,omitempty"`
	Summary  string               `json:"summary,omitempty"`
}

// SessionStatus is the aggregate view served to operators.
type SessionStatus struct {
	SessionID        string                 `json:"session_id"`
	Phase            session.Phase          `json:"phase"`
	Turns            int                    `json:"turns"`
	Messages         int                    `json:"messages"`
	SelectedTemplate *session.TemplateRef   `json:"selected_template,omitempty"`
	ToolStats        map[string]tools.Stats `json:"tool_stats,omitempty"`
	ValidationErrors int                    `json:"validation_errors"`
	PendingFeedback  []string               `json:"pending_feedback,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// failedAction builds the Action for a step that never ran usefully.
func failedAction(step control.Step, err error) Action {
	return Action{
		Name:   step.Name,
		Kind:   string(step.Kind),
		Status: StepFailed,
		Error:  err.Error(),
	}
}

// skippedAction builds the Action for a step bypassed by gating or by
// failed dependencies.
func skippedAction(step control.Step, reason string) Action {
	return Action{
		Name:   step.Name,
		Kind:   string(step.Kind),
		Status: StepSkipped,
		Error:  reason,
	}
}
