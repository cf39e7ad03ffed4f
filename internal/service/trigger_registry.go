package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-workflows/internal/condition"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ExecutionStarter starts executions. It is satisfied by *WorkflowEngine.
type ExecutionStarter interface {
	Start(ctx context.Context, req StartRequest) (*repository.WorkflowExecution, error)
}

// StartedExecution pairs a trigger with the execution it started.
type StartedExecution struct {
	TriggerID   string `json:"trigger_id"`
	ExecutionID string `json:"execution_id"`
}

// TriggerFailure records why a matching trigger did not start an execution.
type TriggerFailure struct {
	TriggerID string `json:"trigger_id"`
	Error     string `json:"error"`
}

// DispatchResult summarises one dispatched event.
type DispatchResult struct {
	Started  []StartedExecution `json:"started"`
	Failures []TriggerFailure   `json:"failures,omitempty"`
}

// compiledTrigger is an enabled trigger with its criteria compiled.
type compiledTrigger struct {
	trigger  *repository.Trigger
	criteria map[string]glob.Glob
}

// TriggerRegistry keeps the set of enabled triggers and starts executions for
// the events that match them. Each matching trigger starts its own execution;
// one trigger failing does not stop the others.
type TriggerRegistry struct {
	store   repository.Store
	starter ExecutionStarter
	clock   clock.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *logger.Logger

	mu       sync.RWMutex
	triggers map[string]*compiledTrigger
	order    []string
}

func NewTriggerRegistry(store repository.Store, starter ExecutionStarter, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *TriggerRegistry {
	return &TriggerRegistry{
		store:    store,
		starter:  starter,
		clock:    clk,
		metrics:  m,
		tracer:   tracer(),
		log:      log.Component("trigger_registry"),
		triggers: make(map[string]*compiledTrigger),
	}
}

// Load replaces the active set with the enabled triggers in storage. Triggers
// whose criteria no longer compile are skipped.
func (r *TriggerRegistry) Load(ctx context.Context) (int, error) {
	stored, err := r.store.ListTriggers(ctx, true)
	if err != nil {
		return 0, err
	}

	triggers := make(map[string]*compiledTrigger, len(stored))
	order := make([]string, 0, len(stored))
	for _, t := range stored {
		c, err := compileTrigger(t)
		if err != nil {
			r.log.Warn().Err(err).Str("trigger_id", t.ID).Msg("Skipping trigger with invalid criteria")
			continue
		}
		triggers[t.ID] = c
		order = append(order, t.ID)
	}

	r.mu.Lock()
	r.triggers, r.order = triggers, order
	r.mu.Unlock()

	r.log.Info().Int("triggers", len(order)).Msg("Triggers loaded")
	return len(order), nil
}

// Register validates and stores a trigger and adds it to the active set.
// Registered triggers start enabled.
func (r *TriggerRegistry) Register(ctx context.Context, t *repository.Trigger) (*repository.Trigger, error) {
	if !t.Kind.Valid() {
		return nil, errors.InvalidInput("kind", fmt.Sprintf("unknown trigger kind %q", t.Kind))
	}
	if t.DefinitionID == "" {
		return nil, errors.InvalidInput("definition_id", "is required")
	}
	if _, err := r.store.GetDefinition(ctx, t.DefinitionID, 0); err != nil {
		return nil, err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	t.Enabled = true
	t.CreatedAt = now
	t.UpdatedAt = now

	c, err := compileTrigger(t)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateTrigger(ctx, t); err != nil {
		return nil, err
	}
	r.activate(c)

	r.log.Info().
		Str("trigger_id", t.ID).
		Str("kind", string(t.Kind)).
		Str("definition_id", t.DefinitionID).
		Msg("Trigger registered")
	return t, nil
}

// Unregister deletes a trigger.
func (r *TriggerRegistry) Unregister(ctx context.Context, triggerID string) error {
	if err := r.store.DeleteTrigger(ctx, triggerID); err != nil {
		return err
	}
	r.deactivate(triggerID)
	r.log.Info().Str("trigger_id", triggerID).Msg("Trigger unregistered")
	return nil
}

// SetEnabled enables or disables a stored trigger.
func (r *TriggerRegistry) SetEnabled(ctx context.Context, triggerID string, enabled bool) error {
	if err := r.store.SetTriggerEnabled(ctx, triggerID, enabled); err != nil {
		return err
	}
	if !enabled {
		r.deactivate(triggerID)
		return nil
	}
	t, err := r.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	c, err := compileTrigger(t)
	if err != nil {
		return err
	}
	r.activate(c)
	return nil
}

// List returns every stored trigger, enabled or not.
func (r *TriggerRegistry) List(ctx context.Context) ([]*repository.Trigger, error) {
	return r.store.ListTriggers(ctx, false)
}

// Dispatch starts one execution for every enabled trigger of kind whose
// criteria match payload.
func (r *TriggerRegistry) Dispatch(ctx context.Context, kind repository.TriggerKind, payload map[string]any) (*DispatchResult, error) {
	if !kind.Valid() {
		return nil, errors.InvalidInput("kind", fmt.Sprintf("unknown trigger kind %q", kind))
	}
	ctx, span := r.tracer.Start(ctx, "TriggerRegistry.Dispatch",
		trace.WithAttributes(attribute.String("workflow.trigger_kind", string(kind))))
	defer span.End()

	var matched []*compiledTrigger
	r.mu.RLock()
	for _, id := range r.order {
		c := r.triggers[id]
		if c.trigger.Kind == kind && c.matches(payload) {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()

	result := &DispatchResult{Started: []StartedExecution{}}
	for _, c := range matched {
		r.fire(ctx, c, payload, result)
	}
	span.SetAttributes(
		attribute.Int("workflow.started", len(result.Started)),
		attribute.Int("workflow.failed", len(result.Failures)),
	)
	return result, nil
}

// DispatchEvent adapts Dispatch to event sources that only need a count. It
// returns an error when at least one matching trigger failed.
func (r *TriggerRegistry) DispatchEvent(ctx context.Context, kind string, payload map[string]any) (int, error) {
	result, err := r.Dispatch(ctx, repository.TriggerKind(kind), payload)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, f := range result.Failures {
		errs = append(errs, fmt.Errorf("trigger %s: %s", f.TriggerID, f.Error))
	}
	return len(result.Started), stderrors.Join(errs...)
}

// HandleWebhook fires one enabled webhook trigger if payload matches its
// criteria.
func (r *TriggerRegistry) HandleWebhook(ctx context.Context, triggerID string, payload map[string]any) (*DispatchResult, error) {
	r.mu.RLock()
	c, ok := r.triggers[triggerID]
	r.mu.RUnlock()
	if !ok {
		t, err := r.store.GetTrigger(ctx, triggerID)
		if err != nil {
			return nil, err
		}
		return nil, errors.InvalidState("trigger %s is disabled", t.ID)
	}
	if c.trigger.Kind != repository.TriggerWebhook {
		return nil, errors.InvalidInput("trigger", fmt.Sprintf("trigger %s is a %s trigger", triggerID, c.trigger.Kind))
	}
	if !c.matches(payload) {
		return nil, errors.InvalidInput("payload", "does not match the trigger criteria")
	}

	result := &DispatchResult{Started: []StartedExecution{}}
	r.fire(ctx, c, payload, result)
	return result, nil
}

func (r *TriggerRegistry) fire(ctx context.Context, c *compiledTrigger, payload map[string]any, result *DispatchResult) {
	t := c.trigger
	fail := func(err error) {
		result.Failures = append(result.Failures, TriggerFailure{TriggerID: t.ID, Error: err.Error()})
		r.metrics.TriggerDispatches.WithLabelValues(string(t.Kind), "failed").Inc()
		r.log.Warn().Err(err).
			Str("trigger_id", t.ID).
			Str("definition_id", t.DefinitionID).
			Msg("Trigger failed to start execution")
	}

	vars, err := buildTriggerContext(t, payload)
	if err != nil {
		fail(err)
		return
	}
	exec, err := r.starter.Start(ctx, StartRequest{
		DefinitionID: t.DefinitionID,
		Context:      vars,
		StartedBy:    "trigger:" + t.ID,
		TriggerID:    t.ID,
	})
	if err != nil {
		fail(err)
		return
	}

	result.Started = append(result.Started, StartedExecution{TriggerID: t.ID, ExecutionID: exec.ID})
	r.metrics.TriggerDispatches.WithLabelValues(string(t.Kind), "started").Inc()
	r.log.Info().
		Str("trigger_id", t.ID).
		Str("execution_id", exec.ID).
		Msg("Trigger started execution")
}

func (r *TriggerRegistry) activate(c *compiledTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[c.trigger.ID]; !ok {
		r.order = append(r.order, c.trigger.ID)
	}
	r.triggers[c.trigger.ID] = c
}

func (r *TriggerRegistry) deactivate(triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[triggerID]; !ok {
		return
	}
	delete(r.triggers, triggerID)
	for i, id := range r.order {
		if id == triggerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// exactPrefix marks a criterion value as a literal; the rest is matched
// verbatim, metacharacters included.
const exactPrefix = "="

func compileTrigger(t *repository.Trigger) (*compiledTrigger, error) {
	c := &compiledTrigger{trigger: t, criteria: make(map[string]glob.Glob, len(t.Criteria))}
	for path, pattern := range t.Criteria {
		if literal, ok := strings.CutPrefix(pattern, exactPrefix); ok {
			pattern = glob.QuoteMeta(literal)
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.InvalidInput("criteria", fmt.Sprintf("%s: invalid pattern %q: %v", path, pattern, err))
		}
		c.criteria[path] = g
	}
	return c, nil
}

// matches reports whether every criterion matches the payload value at its
// path. List values match when any element does.
func (c *compiledTrigger) matches(payload map[string]any) bool {
	for path, g := range c.criteria {
		v, ok := condition.Lookup(payload, path)
		if !ok || !matchValue(g, v) {
			return false
		}
	}
	return true
}

func matchValue(g glob.Glob, v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return g.Match(val)
	case []any:
		for _, item := range val {
			if matchValue(g, item) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range val {
			if g.Match(item) {
				return true
			}
		}
		return false
	case map[string]any:
		return false
	default:
		return g.Match(fmt.Sprint(val))
	}
}

// buildTriggerContext maps payload fields into the initial execution context.
// Without a mapping the whole payload becomes the context.
func buildTriggerContext(t *repository.Trigger, payload map[string]any) (map[string]any, error) {
	if len(t.ContextMapping) == 0 {
		return cloneContext(payload), nil
	}
	vars := make(map[string]any, len(t.ContextMapping))
	for name, path := range t.ContextMapping {
		v, ok := condition.Lookup(payload, path)
		if !ok {
			return nil, errors.InvalidInput("payload", fmt.Sprintf("missing %s for context variable %s", path, name))
		}
		vars[name] = cloneValue(v)
	}
	return vars, nil
}
