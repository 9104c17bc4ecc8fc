package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/craftlabs/mockupd/internal/control"
	"github.com/craftlabs/mockupd/internal/feedback"
	"github.com/craftlabs/mockupd/internal/gateway"
	"github.com/craftlabs/mockupd/internal/recovery"
	"github.com/craftlabs/mockupd/internal/session"
	"github.com/craftlabs/mockupd/internal/tools"
	"github.com/craftlabs/mockupd/internal/validate"
)

// generator is satisfied by *gateway.Gateway.
type generator interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.GeneratedContent, error)
}

// executor runs one plan's steps in dependency order. Independent ready
// steps run concurrently; results merge back in step index order so
// turn output is deterministic.
type executor struct {
	registry  *tools.Registry
	gen       generator
	guard     *recovery.Guard
	validator *validate.Validator
	gate      *feedback.Gate
	logger    *zap.Logger

	// statsMu serializes session stat appends from concurrent steps.
	statsMu sync.Mutex

	workers     int
	stepTimeout time.Duration
	// approvalWait bounds how long a turn blocks on a fresh approval
	// request before reporting it pending.
	approvalWait time.Duration
}

// outcome is the merged result of executing a plan.
type outcome struct {
	actions []Action
	// outputs holds each succeeded step's output by index.
	outputs map[int]any
	// pending lists feedback request ids still unresolved.
	pending []string
}

// succeeded reports whether step i completed successfully.
func (o *outcome) succeeded(i int) bool {
	return i >= 0 && i < len(o.actions) && o.actions[i].Status == StepSucceeded
}

func (e *executor) execute(ctx context.Context, sess *session.Session, plan *control.Plan) *outcome {
	out := &outcome{
		actions: make([]Action, len(plan.Steps)),
		outputs: make(map[int]any, len(plan.Steps)),
	}
	done := make([]bool, len(plan.Steps))

	for {
		ready := readySteps(plan, done, out)
		if len(ready) == 0 {
			break
		}

		// Tool arguments are checked up front, in index order, before
		// anything in the wave launches. The first error-level finding
		// fails its step and halts the whole plan: nothing after it
		// executes.
		findings, halted := e.checkWave(sess, plan, ready, done, out)
		if halted {
			for j, step := range plan.Steps {
				if !done[j] {
					out.actions[j] = skippedAction(step, "plan halted by validation error")
					done[j] = true
				}
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, i := range ready {
			i := i
			step := plan.Steps[i]
			g.Go(func() error {
				out.actions[i] = e.runStep(gctx, sess, step, findings[i], out)
				return nil
			})
		}
		_ = g.Wait()
		for _, i := range ready {
			done[i] = true
			if out.actions[i].FeedbackID != "" && out.actions[i].Status == StepSkipped {
				out.pending = append(out.pending, out.actions[i].FeedbackID)
			}
			if out.actions[i].Status == StepSucceeded {
				out.outputs[i] = out.actions[i].Output
			}
		}
	}

	// Anything not reached has an unsatisfiable dependency chain.
	for i, step := range plan.Steps {
		if !done[i] {
			out.actions[i] = skippedAction(step, "dependency did not succeed")
		}
	}
	return out
}

// readySteps returns indices of steps whose dependencies all succeeded
// and which have not run yet.
func readySteps(plan *control.Plan, done []bool, out *outcome) []int {
	var ready []int
	for i, step := range plan.Steps {
		if done[i] {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !done[dep] || !out.succeeded(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}

// checkWave validates tool arguments for every ready step in index
// order. If a step has an error-level finding it is marked failed and
// the second return is true; otherwise the per-step findings are
// returned for attachment to the executed actions.
func (e *executor) checkWave(sess *session.Session, plan *control.Plan, ready []int, done []bool, out *outcome) (map[int][]validate.Result, bool) {
	findings := make(map[int][]validate.Result, len(ready))
	for _, i := range ready {
		step := plan.Steps[i]
		if step.Kind != control.StepToolCall {
			continue
		}
		results := e.validator.Check(step.Tool, mergeArgs(step, out))
		findings[i] = results
		if !validate.HasError(results) {
			continue
		}
		e.statsMu.Lock()
		for _, f := range results {
			if f.Level == validate.LevelError {
				sess.Stats.ValidationErrors = append(sess.Stats.ValidationErrors, session.ValidationNote{
					Field:     f.Field,
					Level:     string(f.Level),
					Message:   f.Message,
					Timestamp: time.Now(),
				})
			}
		}
		e.statsMu.Unlock()
		a := failedAction(step, fmt.Errorf("validation rejected %s arguments", step.Tool))
		a.Validation = results
		out.actions[i] = a
		done[i] = true
		return nil, true
	}
	return findings, false
}

// mergeArgs combines a step's literal arguments with values pulled
// from earlier step outputs.
func mergeArgs(step control.Step, out *outcome) map[string]any {
	args := make(map[string]any, len(step.Args)+len(step.ArgsFrom))
	for k, v := range step.Args {
		args[k] = v
	}
	for k, src := range step.ArgsFrom {
		args[k] = out.outputs[src]
	}
	return args
}

func (e *executor) runStep(ctx context.Context, sess *session.Session, step control.Step, findings []validate.Result, out *outcome) Action {
	if step.RequiresApproval && e.gate != nil {
		action, approved := e.awaitApproval(ctx, sess, step)
		if !approved {
			return action
		}
	}

	switch step.Kind {
	case control.StepToolCall:
		return e.runTool(ctx, sess, step, findings, out)
	case control.StepLLMCall:
		return e.runLLM(ctx, step)
	default:
		return failedAction(step, fmt.Errorf("unknown step kind %q", step.Kind))
	}
}

// awaitApproval creates a feedback request and waits briefly for a
// decision. The second return is true only when the step may run.
func (e *executor) awaitApproval(ctx context.Context, sess *session.Session, step control.Step) (Action, bool) {
	req, err := e.gate.Create(ctx, sess.ID, step.Name, step.ApprovalCategory, step.Args)
	if err != nil {
		return failedAction(step, fmt.Errorf("create approval request: %w", err)), false
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.approvalWait)
	defer cancel()
	status, err := e.gate.Await(waitCtx, req.ID)
	if err != nil {
		a := skippedAction(step, "awaiting human approval")
		a.FeedbackID = req.ID
		return a, false
	}
	if !status.Allowed() {
		a := skippedAction(step, fmt.Sprintf("approval %s", status))
		a.FeedbackID = req.ID
		return a, false
	}
	return Action{}, true
}

func (e *executor) runTool(ctx context.Context, sess *session.Session, step control.Step, findings []validate.Result, out *outcome) Action {
	args := mergeArgs(step, out)

	var res tools.Result
	err := e.guard.Do(ctx, step.Tool, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		res = e.registry.Invoke(ctx, step.Tool, args)
		return res.Err
	})

	e.statsMu.Lock()
	sess.Stats.ToolCalls = append(sess.Stats.ToolCalls, session.ToolInvocationRecord{
		Tool:      step.Tool,
		Params:    args,
		Result:    res.Value,
		Latency:   res.Latency,
		Success:   err == nil,
		Error:     errString(err),
		Timestamp: time.Now(),
	})
	e.statsMu.Unlock()

	if err != nil {
		a := failedAction(step, err)
		a.Latency = res.Latency
		a.Validation = findings
		return a
	}
	return Action{
		Name:       step.Name,
		Kind:       string(step.Kind),
		Status:     StepSucceeded,
		Success:    true,
		Output:     res.Value,
		Latency:    res.Latency,
		Validation: findings,
	}
}

func (e *executor) runLLM(ctx context.Context, step control.Step) Action {
	req := gateway.Request{
		Prompt:    step.Prompt,
		Format:    gateway.FreeText,
		MaxTokens: 0,
	}
	if len(step.Schema.Fields) > 0 {
		req.Format = gateway.StructuredJSON
		req.Schema = step.Schema
	}

	var content *gateway.GeneratedContent
	start := time.Now()
	err := e.guard.Do(ctx, "llm", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		var cerr error
		content, cerr = e.gen.Call(ctx, req)
		return cerr
	})
	if err != nil {
		a := failedAction(step, err)
		a.Latency = time.Since(start)
		return a
	}

	var output any = content.Text
	if req.Format == gateway.StructuredJSON {
		output = content.Fields
	}
	return Action{
		Name:    step.Name,
		Kind:    string(step.Kind),
		Status:  StepSucceeded,
		Success: true,
		Output:  output,
		Latency: content.Latency,
	}
}

// reply extracts the user-facing text for the turn: the last successful
// free-text generation, or a canned line when none ran.
func (o *outcome) reply(plan *control.Plan) string {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		if plan.Steps[i].Kind != control.StepLLMCall || len(plan.Steps[i].Schema.Fields) > 0 {
			continue
		}
		if o.succeeded(i) {
			if text, ok := o.outputs[i].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	if len(o.pending) > 0 {
		return "That change needs approval before I can apply it. I'll hold it until someone signs off."
	}
	return "I couldn't complete that request. Could you rephrase it or try again?"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
