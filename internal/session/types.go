// Package session owns per-conversation state and its persistence.
//
// A Session tracks the workflow phase, accumulated context, conversation
// history and bookkeeping statistics for one conversation. Sessions are
// owned exclusively by a Store and mutated only within a single
// orchestrator turn holding that session's lock.
package session

import (
	"errors"
	"time"
)

// Phase is the session's position in the workflow state machine.
type Phase string

const (
	// PhaseInitial is the starting phase before a category is chosen.
	PhaseInitial Phase = "initial"

	// PhaseCategorySelected means a page category has been chosen.
	PhaseCategorySelected Phase = "category_selected"

	// PhaseTemplateConfirmed means a template has been confirmed.
	PhaseTemplateConfirmed Phase = "template_confirmed"

	// PhaseEditing means the template is being iteratively modified.
	PhaseEditing Phase = "editing"

	// PhaseFinalized means the workflow is complete.
	PhaseFinalized Phase = "finalized"
)

// AllPhases returns the phases in workflow order.
func AllPhases() []Phase {
	return []Phase{PhaseInitial, PhaseCategorySelected, PhaseTemplateConfirmed, PhaseEditing, PhaseFinalized}
}

// rank returns the ordinal position of a phase, or -1 if unknown.
func (p Phase) rank() int {
	for i, ph := range AllPhases() {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether the phase is a known workflow phase.
func (p Phase) Valid() bool {
	return p.rank() >= 0
}

// CanAdvance reports whether a transition from p to next is allowed.
// Transitions are monotonic: only the immediately following phase is
// reachable. Reset is handled separately by Store.Reset.
func (p Phase) CanAdvance(next Phase) bool {
	cur, nxt := p.rank(), next.rank()
	return cur >= 0 && nxt == cur+1
}

// Sender identifies the originator of a Message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// Message is one conversation entry. Appended, never mutated.
type Message struct {
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Intent is the classified intent tag, set on user messages once
	// classification has run.
	Intent string `json:"intent,omitempty"`
}

// TemplateRef identifies a template in the external catalogue.
type TemplateRef struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

// ToolInvocationRecord captures one tool call for observability.
// Never mutated after creation.
type ToolInvocationRecord struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Latency   time.Duration  `json:"latency"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ValidationNote is an audit entry for an error-level validation result.
type ValidationNote struct {
	Field     string    `json:"field"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats accumulates per-session observability data.
type Stats struct {
	ToolCalls        []ToolInvocationRecord `json:"tool_calls,omitempty"`
	ValidationErrors []ValidationNote       `json:"validation_errors,omitempty"`
	Turns            int                    `json:"turns"`
}

// Session is the persistent state of one conversation.
type Session struct {
	ID               string            `json:"id"`
	Phase            Phase             `json:"phase"`
	Context          map[string]string `json:"context"`
	History          []Message         `json:"history"`
	SelectedTemplate *TemplateRef      `json:"selected_template,omitempty"`
	Stats            Stats             `json:"stats"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Append adds a message to the conversation history.
func (s *Session) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.History = append(s.History, msg)
}

// Clone returns a deep copy. Stores hand out copies so callers cannot
// mutate persisted state without going through Save.
func (s *Session) Clone() *Session {
	out := *s
	out.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	out.History = append([]Message(nil), s.History...)
	if s.SelectedTemplate != nil {
		tpl := *s.SelectedTemplate
		tpl.Tags = append([]string(nil), s.SelectedTemplate.Tags...)
		out.SelectedTemplate = &tpl
	}
	out.Stats.ToolCalls = append([]ToolInvocationRecord(nil), s.Stats.ToolCalls...)
	out.Stats.ValidationErrors = append([]ValidationNote(nil), s.Stats.ValidationErrors...)
	return &out
}

// ErrNotFound is returned when an operation requires an existing session.
var ErrNotFound = errors.New("session not found")
