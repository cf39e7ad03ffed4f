package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ActionRequest is the input handed to an action handler. Params have already
// been rendered against the execution context.
type ActionRequest struct {
	ExecutionID     string
	StepExecutionID string
	Step            *repository.Step
	Context         map[string]any
	Params          map[string]any
}

// ActionResult is what an action produced. Output is stored in the execution
// context under the step id; Variables are assigned at the top level.
type ActionResult struct {
	Output    map[string]any
	Variables map[string]any
}

// ActionHandler executes one action type.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (*ActionResult, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, req ActionRequest) (*ActionResult, error)

func (f ActionFunc) Execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	return f(ctx, req)
}

// ActionRegistry maps action types to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register adds or replaces the handler for actionType.
func (r *ActionRegistry) Register(actionType string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

func (r *ActionRegistry) Get(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// DefaultActions registers the built-in notify, set and log actions.
func DefaultActions(notifier client.Notifier, m *metrics.Metrics, log *logger.Logger) *ActionRegistry {
	r := NewActionRegistry()
	r.Register("notify", &notifyAction{notifier: notifier, metrics: m, log: log.Component("action_notify")})
	r.Register("set", ActionFunc(setAction))
	r.Register("log", &logAction{log: log.Component("action_log")})
	return r
}

// ── notify ───────────────────────────────────────────────────────────────────

// notifyAction sends a notification to every recipient. Delivery failures are
// counted in the output but never fail the step.
//
//	params: recipients ([]string or string), subject, body
type notifyAction struct {
	notifier client.Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func (a *notifyAction) Execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	recipients := stringList(req.Params["recipients"])
	if len(recipients) == 0 {
		return nil, fmt.Errorf("notify action needs at least one recipient")
	}
	subject, _ := req.Params["subject"].(string)
	body, _ := req.Params["body"].(string)

	sent, failed := 0, 0
	for _, recipient := range recipients {
		err := a.notifier.Send(ctx, client.Notification{
			Recipient:   recipient,
			Subject:     subject,
			Body:        body,
			Event:       "workflow_notify",
			ExecutionID: req.ExecutionID,
			Data:        map[string]any{"step_id": req.Step.ID},
		})
		if err != nil {
			failed++
			a.metrics.NotificationFailures.Inc()
			a.log.Warn().Err(err).
				Str("execution_id", req.ExecutionID).
				Str("recipient", recipient).
				Msg("Notification failed (non-fatal)")
			continue
		}
		sent++
	}

	return &ActionResult{Output: map[string]any{"sent": sent, "failed": failed}}, nil
}

// ── set ──────────────────────────────────────────────────────────────────────

// setAction assigns every param as a top-level context variable.
func setAction(_ context.Context, req ActionRequest) (*ActionResult, error) {
	vars := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		vars[k] = v
	}
	return &ActionResult{Output: vars, Variables: vars}, nil
}

// ── log ──────────────────────────────────────────────────────────────────────

type logAction struct {
	log *logger.Logger
}

func (a *logAction) Execute(_ context.Context, req ActionRequest) (*ActionResult, error) {
	msg, _ := req.Params["message"].(string)
	a.log.Info().
		Str("execution_id", req.ExecutionID).
		Str("step_id", req.Step.ID).
		Msg(msg)
	return &ActionResult{Output: map[string]any{"message": msg}}, nil
}

// ── param rendering ──────────────────────────────────────────────────────────

var templateFuncs = sprig.TxtFuncMap()

// renderParams expands {{ }} templates in string params against vars. A
// reference to a missing key is an error.
func renderParams(params map[string]any, vars map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		rendered, err := renderValue(k, v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func renderValue(name string, v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(val)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		return buf.String(), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := renderValue(name, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		return renderParams(val, vars)
	default:
		return v, nil
	}
}

// stringList accepts a string, []string or []any of strings.
func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
