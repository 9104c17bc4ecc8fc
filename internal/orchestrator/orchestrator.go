package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/craftlabs/mockupd/internal/control"
	"github.com/craftlabs/mockupd/internal/feedback"
	"github.com/craftlabs/mockupd/internal/recovery"
	"github.com/craftlabs/mockupd/internal/session"
	"github.com/craftlabs/mockupd/internal/tools"
	"github.com/craftlabs/mockupd/internal/validate"
)

const instrumentationName = "github.com/craftlabs/mockupd/internal/orchestrator"

// Options sizes the per-turn executor.
type Options struct {
	// Workers caps concurrently running independent plan steps.
	Workers int
	// StepTimeout bounds each external call within a step.
	StepTimeout time.Duration
	// ApprovalWait bounds how long a turn blocks on a fresh approval
	// request before reporting it pending.
	ApprovalWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 60 * time.Second
	}
	if o.ApprovalWait <= 0 {
		o.ApprovalWait = 2 * time.Second
	}
	return o
}

// Orchestrator processes turns against sessions.
type Orchestrator struct {
	store      session.Store
	registry   *tools.Registry
	classifier *control.Classifier
	gate       *feedback.Gate
	exec       *executor
	logger     *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	turnCounter  metric.Int64Counter
	turnDuration metric.Float64Histogram
}

// New wires an Orchestrator. gate may be nil to run without human
// approval gating.
func New(
	store session.Store,
	registry *tools.Registry,
	gen generator,
	classifier *control.Classifier,
	validator *validate.Validator,
	guard *recovery.Guard,
	gate *feedback.Gate,
	logger *zap.Logger,
	opts Options,
) (*Orchestrator, error) {
	if store == nil || registry == nil || gen == nil || classifier == nil {
		return nil, fmt.Errorf("store, registry, generator, and classifier are required")
	}
	if validator == nil {
		validator = validate.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		store:      store,
		registry:   registry,
		classifier: classifier,
		gate:       gate,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		exec: &executor{
			registry:     registry,
			gen:          gen,
			guard:        guard,
			validator:    validator,
			gate:         gate,
			logger:       logger,
			workers:      opts.Workers,
			stepTimeout:  opts.StepTimeout,
			approvalWait: opts.ApprovalWait,
		},
	}
	o.initMetrics()

	if err := o.registerResetTool(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error
	o.turnCounter, err = o.meter.Int64Counter(
		"mockupd.orchestrator.turns_total",
		metric.WithDescription("Processed turns by intent and outcome"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		o.logger.Warn("failed to create turn counter", zap.Error(err))
	}
	o.turnDuration, err = o.meter.Float64Histogram(
		"mockupd.orchestrator.turn_duration_seconds",
		metric.WithDescription("End to end turn processing time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		o.logger.Warn("failed to create turn histogram", zap.Error(err))
	}
}

// registerResetTool exposes session reset as an approval-gated tool so
// it runs through the same plan machinery as everything else.
func (o *Orchestrator) registerResetTool() error {
	return o.registry.Register("reset_session",
		func(ctx context.Context, args map[string]any) (any, error) {
			id := args["session_id"].(string)
			if _, err := o.store.Reset(ctx, id); err != nil {
				return nil, tools.Fatal("reset_session", err)
			}
			return map[string]any{"session_id": id, "reset": true}, nil
		},
		tools.Spec{
			Description: "Restore a session to its initial phase, discarding all progress.",
			Params: []tools.ParamSpec{
				{Name: "session_id", Type: "string", Required: true},
			},
		})
}

// ProcessTurn runs one user message through the full pipeline. The
// returned result is always usable; the error is non-nil only when
// session persistence itself fails.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", req.SessionID))
	start := time.Now()

	o.store.Lock(req.SessionID)
	defer o.store.Unlock(req.SessionID)

	sess, err := o.store.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	cls, clsErr := o.classifier.Classify(ctx, sess.Phase, req.Message)
	sess.Append(session.Message{
		Sender:  session.SenderUser,
		Content: req.Message,
		Intent:  string(cls.Intent),
	})

	var result *TurnResult
	if clsErr != nil {
		// Classification infrastructure is down. Answer from the
		// degraded path rather than dropping the turn.
		o.logger.Warn("classification failed, serving degraded reply",
			zap.String("session_id", req.SessionID),
			zap.Error(clsErr))
		result = o.degradedResult(sess, cls)
	} else {
		result = o.runPlan(ctx, sess, cls, req)
	}

	sess.Append(session.Message{Sender: session.SenderSystem, Content: result.Reply})
	sess.Stats.Turns++
	sess.UpdatedAt = time.Now()
	if err := o.store.Save(ctx, sess); err != nil {
		return result, fmt.Errorf("save session: %w", err)
	}

	result.SessionID = sess.ID
	result.Phase = sess.Phase

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		attribute.String("intent", result.Intent),
		attribute.Bool("degraded", result.Degraded),
	)
	if o.turnCounter != nil {
		o.turnCounter.Add(ctx, 1, attrs)
	}
	if o.turnDuration != nil {
		o.turnDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	o.logger.Info("turn processed",
		zap.String("session_id", sess.ID),
		zap.String("intent", result.Intent),
		zap.String("phase", string(sess.Phase)),
		zap.Int("actions", len(result.Actions)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (o *Orchestrator) degradedResult(sess *session.Session, cls control.Classification) *TurnResult {
	return &TurnResult{
		Intent:     string(cls.Intent),
		Confidence: cls.Confidence,
		Reply:      "I'm having trouble understanding requests right now. Please try again in a moment.",
		Degraded:   true,
	}
}

func (o *Orchestrator) runPlan(ctx context.Context, sess *session.Session, cls control.Classification, req TurnRequest) *TurnResult {
	pc := control.PlanContext{
		SessionID:   sess.ID,
		Category:    sess.Context["category"],
		Message:     req.Message,
		Attachments: req.Attachments,
	}
	if sess.SelectedTemplate != nil {
		pc.TemplateID = sess.SelectedTemplate.ID
	}

	plan := control.BuildPlan(cls, sess.Phase, pc)
	if err := plan.Validate(); err != nil {
		o.logger.Error("planner produced an invalid plan",
			zap.String("intent", string(cls.Intent)),
			zap.Error(err))
		return o.degradedResult(sess, cls)
	}

	out := o.exec.execute(ctx, sess, plan)
	o.applyAnalysis(sess, plan, out)

	var transition *TransitionData
	if plan.Reset {
		o.applyReset(sess, plan, out)
	} else {
		transition = o.advance(sess, cls, plan, out)
	}

	var allFindings []validate.Result
	for _, a := range out.actions {
		allFindings = append(allFindings, a.Validation...)
	}
	return &TurnResult{
		Intent:          string(cls.Intent),
		Confidence:      cls.Confidence,
		Reply:           out.reply(plan),
		Actions:         out.actions,
		Validation:      validate.Summarize(allFindings),
		PendingFeedback: out.pending,
		Transition:      transition,
	}
}

// applyAnalysis folds a completed logo analysis into the session
// context so later turns can reuse the palette.
func (o *Orchestrator) applyAnalysis(sess *session.Session, plan *control.Plan, out *outcome) {
	idx := stepIndex(plan, "analyze_logo")
	if idx < 0 || !out.succeeded(idx) {
		return
	}
	analysis, ok := out.outputs[idx].(tools.LogoAnalysis)
	if !ok {
		return
	}
	sess.Context["logo_style"] = analysis.Style
	sess.Context["logo_colors"] = strings.Join(analysis.Colors, ",")
}

// applyReset folds a completed reset back into the in-memory session so
// the final Save persists the cleared state.
func (o *Orchestrator) applyReset(sess *session.Session, plan *control.Plan, out *outcome) {
	idx := stepIndex(plan, "reset_session")
	if idx < 0 || !out.succeeded(idx) {
		return
	}
	sess.Phase = session.PhaseInitial
	sess.Context = make(map[string]string)
	sess.History = nil
	sess.SelectedTemplate = nil
	sess.Stats = session.Stats{}
	o.logger.Info("session reset", zap.String("session_id", sess.ID))
}

// advance applies the phase transition table for the turn's intent.
// Phases only move forward; a transition that is not legal from the
// current phase is silently not taken. Transitions into confirmed and
// editing carry the selected template back to the client.
func (o *Orchestrator) advance(sess *session.Session, cls control.Classification, plan *control.Plan, out *outcome) *TransitionData {
	switch cls.Intent {
	case control.IntentCategorySelection:
		if !out.succeeded(stepIndex(plan, "set_category")) {
			return nil
		}
		sess.Context["category"] = cls.Category
		if templates, ok := out.outputs[stepIndex(plan, "query_templates")].([]tools.Template); ok && len(templates) > 0 {
			t := templates[0]
			sess.SelectedTemplate = &session.TemplateRef{
				ID: t.ID, Name: t.Name, Category: t.Category, Tags: t.Tags,
			}
		}
		if sess.Phase.CanAdvance(session.PhaseCategorySelected) {
			o.transition(sess, session.PhaseCategorySelected)
		}

	case control.IntentConfirmation:
		switch sess.Phase {
		case session.PhaseCategorySelected:
			if sess.SelectedTemplate != nil {
				sess.Context["confirmed_template"] = sess.SelectedTemplate.ID
				from := sess.Phase
				o.transition(sess, session.PhaseTemplateConfirmed)
				return o.transitionData(sess, from)
			}
		case session.PhaseTemplateConfirmed:
			sess.Context["editing_since"] = time.Now().UTC().Format(time.RFC3339)
			from := sess.Phase
			o.transition(sess, session.PhaseEditing)
			return o.transitionData(sess, from)
		}

	case control.IntentModificationRequest:
		if sess.Phase == session.PhaseTemplateConfirmed && out.succeeded(stepIndex(plan, "apply_modification")) {
			sess.Context["editing_since"] = time.Now().UTC().Format(time.RFC3339)
			from := sess.Phase
			o.transition(sess, session.PhaseEditing)
			return o.transitionData(sess, from)
		}

	case control.IntentFinalizeRequest:
		idx := stepIndex(plan, "generate_report")
		if sess.Phase == session.PhaseEditing && out.succeeded(idx) {
			if report, ok := out.outputs[idx].(tools.ReportHandle); ok {
				sess.Context["report_path"] = report.Path
			}
			o.transition(sess, session.PhaseFinalized)
		}
	}
	return nil
}

func (o *Orchestrator) transitionData(sess *session.Session, from session.Phase) *TransitionData {
	if sess.Phase == from {
		return nil
	}
	td := &TransitionData{
		From:     from,
		To:       sess.Phase,
		Template: sess.SelectedTemplate,
	}
	if sess.SelectedTemplate != nil {
		td.Summary = fmt.Sprintf("%s template %q after %d messages",
			sess.Context["category"], sess.SelectedTemplate.Name, len(sess.History))
	}
	return td
}

func (o *Orchestrator) transition(sess *session.Session, next session.Phase) {
	if !sess.Phase.CanAdvance(next) {
		return
	}
	o.logger.Info("phase transition",
		zap.String("session_id", sess.ID),
		zap.String("from", string(sess.Phase)),
		zap.String("to", string(next)))
	sess.Phase = next
}

func stepIndex(plan *control.Plan, name string) int {
	for i, s := range plan.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Status aggregates one session's state for operators. Unknown ids
// report session.ErrNotFound rather than creating a session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{
		SessionID:        sess.ID,
		Phase:            sess.Phase,
		Turns:            sess.Stats.Turns,
		Messages:         len(sess.History),
		SelectedTemplate: sess.SelectedTemplate,
		ToolStats:        o.registry.Statistics(),
		ValidationErrors: len(sess.Stats.ValidationErrors),
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
	}
	if o.gate != nil {
		pending, err := o.gate.Pending(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, p := range pending {
			status.PendingFeedback = append(status.PendingFeedback, p.ID)
		}
	}
	return status, nil
}

// Reset clears a session back to its initial phase without the
// approval gate. Exposed for the administrative API.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) (*session.Session, error) {
	o.store.Lock(sessionID)
	defer o.store.Unlock(sessionID)
	return o.store.Reset(ctx, sessionID)
}
