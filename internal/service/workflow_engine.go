package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-workflows/internal/condition"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/lock"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// EngineConfig tunes the WorkflowEngine.
type EngineConfig struct {
	// DefaultApprovalDue applies to approval steps that set neither due_in
	// nor a timeout.
	DefaultApprovalDue time.Duration
}

// ExecutionResumer re-enters the engine after an approval batch resolves or
// a delay elapses.
type ExecutionResumer interface {
	Resume(ctx context.Context, executionID string) error
}

// StartRequest describes a new execution.
type StartRequest struct {
	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version,omitempty"` // 0 = latest
	Context      map[string]any `json:"context,omitempty"`
	StartedBy    string         `json:"started_by,omitempty"`
	TriggerID    string         `json:"trigger_id,omitempty"`
}

// ExecutionView is an execution with its step executions in entry order.
type ExecutionView struct {
	Execution *repository.WorkflowExecution `json:"execution"`
	Steps     []*repository.StepExecution   `json:"steps"`
}

// WorkflowEngine owns the execution state machine. Mutations of one
// execution are serialized by a lock keyed on its id; different executions
// progress independently.
type WorkflowEngine struct {
	store     repository.Store
	locker    lock.Locker
	approvals *ApprovalCoordinator
	actions   *ActionRegistry
	audit     *AuditLog
	clock     clock.Clock
	cfg       EngineConfig
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *logger.Logger

	mu       sync.RWMutex
	compiled map[string]*compiledDefinition
}

// NewWorkflowEngine creates the engine and registers it as the resumer of
// approvals.
func NewWorkflowEngine(
	store repository.Store,
	locker lock.Locker,
	approvals *ApprovalCoordinator,
	actions *ActionRegistry,
	audit *AuditLog,
	clk clock.Clock,
	cfg EngineConfig,
	m *metrics.Metrics,
	log *logger.Logger,
) *WorkflowEngine {
	if cfg.DefaultApprovalDue <= 0 {
		cfg.DefaultApprovalDue = 72 * time.Hour
	}
	e := &WorkflowEngine{
		store:     store,
		locker:    locker,
		approvals: approvals,
		actions:   actions,
		audit:     audit,
		clock:     clk,
		cfg:       cfg,
		metrics:   m,
		tracer:    tracer(),
		log:       log.Component("workflow_engine"),
		compiled:  make(map[string]*compiledDefinition),
	}
	approvals.SetResumer(e)
	return e
}

// ── Definitions ───────────────────────────────────────────────────────────────

// PublishDefinition validates def and stores it as the next version of its id.
// Published versions are never modified.
func (e *WorkflowEngine) PublishDefinition(ctx context.Context, def *repository.WorkflowDefinition, publishedBy string) (*repository.WorkflowDefinition, error) {
	ctx, span := e.tracer.Start(ctx, "WorkflowEngine.PublishDefinition",
		trace.WithAttributes(attribute.String("workflow.definition_id", def.ID)))
	var err error
	defer func() { endSpan(span, err) }()

	compiled, err := compileDefinition(def, true)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx repository.Store) error {
		latest, err := tx.LatestDefinitionVersion(ctx, def.ID)
		if err != nil {
			return err
		}
		def.Version = latest + 1
		def.PublishedBy = publishedBy
		def.PublishedAt = e.now()
		return tx.CreateDefinition(ctx, def)
	})
	if err != nil {
		return nil, err
	}

	e.cache(compiled)
	e.log.Info().
		Str("definition_id", def.ID).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Workflow definition published")
	return def, nil
}

// GetDefinition returns a published definition; version 0 means latest.
func (e *WorkflowEngine) GetDefinition(ctx context.Context, id string, version int) (*repository.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, id, version)
}

func (e *WorkflowEngine) definition(ctx context.Context, id string, version int) (*compiledDefinition, error) {
	if version > 0 {
		e.mu.RLock()
		c, ok := e.compiled[definitionKey(id, version)]
		e.mu.RUnlock()
		if ok {
			return c, nil
		}
	}

	def, err := e.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	c, ok := e.compiled[definitionKey(def.ID, def.Version)]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err = compileDefinition(def, false)
	if err != nil {
		return nil, err
	}
	e.cache(c)
	return c, nil
}

func (e *WorkflowEngine) cache(c *compiledDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[definitionKey(c.def.ID, c.def.Version)] = c
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Start creates an execution in running state, enters the start step and
// advances until the execution waits or terminates.
func (e *WorkflowEngine) Start(ctx context.Context, req StartRequest) (*repository.WorkflowExecution, error) {
	ctx, span := e.tracer.Start(ctx, "WorkflowEngine.Start",
		trace.WithAttributes(attribute.String("workflow.definition_id", req.DefinitionID)))
	var err error
	defer func() { endSpan(span, err) }()

	if req.DefinitionID == "" {
		err = errors.InvalidInput("definition_id", "is required")
		return nil, err
	}
	c, err := e.definition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	exec := &repository.WorkflowExecution{
		ID:                uuid.NewString(),
		DefinitionID:      c.def.ID,
		DefinitionVersion: c.def.Version,
		Status:            repository.ExecutionRunning,
		Context:           cloneContext(req.Context),
		StartedBy:         req.StartedBy,
		TriggerID:         req.TriggerID,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	first := e.newStepExecution(exec, c.steps[c.start], now)
	exec.CurrentStepID = first.StepID
	exec.CurrentStepExecutionID = first.ID
	span.SetAttributes(attribute.String("workflow.execution_id", exec.ID))

	unlock, err := e.locker.Lock(ctx, lock.ExecutionKey(exec.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = e.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		return tx.CreateStepExecution(ctx, first)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ExecutionsStarted.WithLabelValues(exec.DefinitionID).Inc()
	e.audit.Record(ctx, exec.ID, "", actorOr(req.StartedBy), AuditExecutionStarted, nil,
		executionSnapshot(exec),
		map[string]any{"definition_version": exec.DefinitionVersion, "trigger_id": req.TriggerID})
	e.audit.Record(ctx, exec.ID, first.ID, systemActor, AuditStepEntered, nil,
		map[string]any{"step_id": first.StepID, "step_type": string(first.StepType)}, nil)
	e.log.Info().
		Str("execution_id", exec.ID).
		Str("definition_id", exec.DefinitionID).
		Int("version", exec.DefinitionVersion).
		Msg("Workflow execution started")

	if err = e.drive(ctx, exec.ID, c); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// Advance re-enters an execution. It is idempotent: an execution that is
// waiting for approvals or a delay stays where it is. Terminal executions
// are rejected with INVALID_STATE.
func (e *WorkflowEngine) Advance(ctx context.Context, executionID string) error {
	ctx, span := e.tracer.Start(ctx, "WorkflowEngine.Advance",
		trace.WithAttributes(attribute.String("workflow.execution_id", executionID)))
	err := e.advance(ctx, executionID, true)
	endSpan(span, err)
	return err
}

// Resume is Advance for internal callbacks: a terminal execution is a no-op,
// so a batch resolving after cancellation changes nothing.
func (e *WorkflowEngine) Resume(ctx context.Context, executionID string) error {
	ctx, span := e.tracer.Start(ctx, "WorkflowEngine.Resume",
		trace.WithAttributes(attribute.String("workflow.execution_id", executionID)))
	err := e.advance(ctx, executionID, false)
	endSpan(span, err)
	return err
}

func (e *WorkflowEngine) advance(ctx context.Context, executionID string, rejectTerminal bool) error {
	unlock, err := e.locker.Lock(ctx, lock.ExecutionKey(executionID))
	if err != nil {
		return err
	}
	defer unlock()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		if rejectTerminal {
			return errors.InvalidState("execution %s is %s", executionID, exec.Status)
		}
		e.log.Debug().Str("execution_id", executionID).Str("status", string(exec.Status)).
			Msg("Resume ignored for terminal execution")
		return nil
	}

	c, err := e.definition(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return err
	}
	return e.drive(ctx, executionID, c)
}

// Cancel moves a non-terminal execution to cancelled. The in-flight step is
// cancelled and its outstanding approval requests expire.
func (e *WorkflowEngine) Cancel(ctx context.Context, executionID, reason, actor string) error {
	ctx, span := e.tracer.Start(ctx, "WorkflowEngine.Cancel",
		trace.WithAttributes(attribute.String("workflow.execution_id", executionID)))
	var err error
	defer func() { endSpan(span, err) }()

	unlock, err := e.locker.Lock(ctx, lock.ExecutionKey(executionID))
	if err != nil {
		return err
	}
	defer unlock()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		err = errors.InvalidState("execution %s is already %s", executionID, exec.Status)
		return err
	}
	before := executionSnapshot(exec)

	now := e.now()
	expired := 0
	err = e.store.InTx(ctx, func(tx repository.Store) error {
		if exec.CurrentStepExecutionID != "" {
			stepExec, err := tx.GetStepExecution(ctx, exec.CurrentStepExecutionID)
			if err != nil {
				return err
			}
			if stepExec.Status.InFlight() {
				if stepExec.BatchID != "" {
					if expired, err = e.approvals.expireBatch(ctx, tx, stepExec.BatchID, now); err != nil {
						return err
					}
				}
				stepExec.Status = repository.StepCancelled
				stepExec.Error = reason
				stepExec.FinishedAt = &now
				if err := tx.UpdateStepExecution(ctx, stepExec); err != nil {
					return err
				}
			}
		}
		exec.Status = repository.ExecutionCancelled
		exec.Error = reason
		exec.UpdatedAt = now
		exec.CompletedAt = &now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}

	e.metrics.ExecutionsFinished.WithLabelValues(string(repository.ExecutionCancelled)).Inc()
	e.audit.Record(ctx, exec.ID, exec.CurrentStepExecutionID, actorOr(actor), AuditExecutionCancelled,
		before, executionSnapshot(exec),
		map[string]any{"reason": reason, "expired_requests": expired})
	e.log.Info().
		Str("execution_id", exec.ID).
		Str("reason", reason).
		Int("expired_requests", expired).
		Msg("Workflow execution cancelled")
	return nil
}

// GetStatus returns an execution and its step executions.
func (e *WorkflowEngine) GetStatus(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{Execution: exec, Steps: steps}, nil
}

// ResumeDueDelays resumes every execution whose delay step has elapsed and
// returns how many were resumed.
func (e *WorkflowEngine) ResumeDueDelays(ctx context.Context) (int, error) {
	due, err := e.store.ListDueDelays(ctx, e.now())
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs []error
	for _, stepExec := range due {
		if err := e.Resume(ctx, stepExec.ExecutionID); err != nil {
			e.log.Warn().Err(err).Str("execution_id", stepExec.ExecutionID).Msg("Failed to resume delayed execution")
			errs = append(errs, err)
			continue
		}
		resumed++
	}
	return resumed, stderrors.Join(errs...)
}

// ── State machine ────────────────────────────────────────────────────────────

// stepResult is the evaluation of the in-flight step.
type stepResult struct {
	wait    bool
	outcome string
	output  map[string]any
	vars    map[string]any
	err     error
	// fatal failures end the execution regardless of transitions.
	fatal bool
}

// drive evaluates the in-flight step and follows transitions until the
// execution waits or terminates. Callers hold the execution lock. An acyclic
// definition finishes at most one step per iteration, so the loop is bounded
// by the step count.
func (e *WorkflowEngine) drive(ctx context.Context, executionID string, c *compiledDefinition) error {
	budget := len(c.steps)
	for i := 0; ; i++ {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}
		stepExec, err := e.store.GetStepExecution(ctx, exec.CurrentStepExecutionID)
		if err != nil {
			return err
		}
		step := c.steps[exec.CurrentStepID]

		var res stepResult
		switch {
		case i >= budget:
			res = stepResult{outcome: repository.OutcomeError, fatal: true,
				err: errors.Definition("execution %s exceeded %d steps", exec.ID, budget)}
		case step == nil:
			res = stepResult{outcome: repository.OutcomeError, fatal: true,
				err: errors.Definition("step %s is not part of definition %s", exec.CurrentStepID, c.def.ID)}
		default:
			res, err = e.evaluate(ctx, exec, stepExec, step, c)
			if err != nil {
				return err
			}
		}
		if res.wait {
			return nil
		}
		if err := e.finishStep(ctx, exec, stepExec, c, res); err != nil {
			return err
		}
	}
}

// evaluate runs the in-flight step. A returned error is a persistence
// failure; step failures are reported in the result.
func (e *WorkflowEngine) evaluate(
	ctx context.Context,
	exec *repository.WorkflowExecution,
	stepExec *repository.StepExecution,
	step *repository.Step,
	c *compiledDefinition,
) (stepResult, error) {
	if stepExec.Status == repository.StepWaitingApproval {
		return e.approvalOutcome(ctx, stepExec)
	}
	if stepExec.Status != repository.StepRunning {
		return stepResult{}, errors.InvalidState("step execution %s is %s", stepExec.ID, stepExec.Status)
	}

	switch step.Type {
	case repository.StepTypeAction:
		return e.runAction(ctx, exec, stepExec, step), nil
	case repository.StepTypeCondition:
		return e.runCondition(exec, step, c), nil
	case repository.StepTypeApproval:
		return e.enterApproval(ctx, exec, stepExec, step)
	case repository.StepTypeDelay:
		return e.runDelay(ctx, stepExec, step)
	default:
		return stepResult{
			outcome: repository.OutcomeError,
			err:     errors.UnsupportedStep(step.ID, string(step.Type)),
			fatal:   true,
		}, nil
	}
}

func (e *WorkflowEngine) runAction(ctx context.Context, exec *repository.WorkflowExecution, stepExec *repository.StepExecution, step *repository.Step) stepResult {
	if step.Action == nil {
		return stepResult{outcome: repository.OutcomeError, fatal: true,
			err: errors.Definition("action step %s has no action", step.ID)}
	}
	handler, ok := e.actions.Get(step.Action.Type)
	if !ok {
		return stepResult{outcome: repository.OutcomeError, fatal: true,
			err: errors.Newf(errors.ErrCodeUnsupportedStep, "step %s uses unknown action %q", step.ID, step.Action.Type)}
	}

	params, err := renderParams(step.Action.Params, exec.Context)
	if err != nil {
		return stepResult{outcome: repository.OutcomeError, err: fmt.Errorf("action %s: %w", step.ID, err)}
	}

	actx := ctx
	if step.Timeout != nil && step.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, step.Timeout.Duration)
		defer cancel()
	}

	result, err := handler.Execute(actx, ActionRequest{
		ExecutionID:     exec.ID,
		StepExecutionID: stepExec.ID,
		Step:            step,
		Context:         exec.Context,
		Params:          params,
	})
	if err != nil {
		return stepResult{outcome: repository.OutcomeError, err: fmt.Errorf("action %s (%s): %w", step.ID, step.Action.Type, err)}
	}
	if result == nil {
		result = &ActionResult{}
	}
	return stepResult{outcome: repository.OutcomeSuccess, output: result.Output, vars: result.Variables}
}

func (e *WorkflowEngine) runCondition(exec *repository.WorkflowExecution, step *repository.Step, c *compiledDefinition) stepResult {
	cond, ok := c.conditions[step.ID]
	if !ok {
		return stepResult{outcome: repository.OutcomeError, fatal: true,
			err: errors.Definition("condition step %s has no expression", step.ID)}
	}
	result, err := cond.Evaluate(exec.Context)
	if err != nil {
		return stepResult{outcome: repository.OutcomeError, err: errors.ConditionEvaluation(err, step.ID)}
	}
	outcome := repository.OutcomeFalse
	if result {
		outcome = repository.OutcomeTrue
	}
	return stepResult{outcome: outcome, output: map[string]any{"result": result}}
}

func (e *WorkflowEngine) enterApproval(ctx context.Context, exec *repository.WorkflowExecution, stepExec *repository.StepExecution, step *repository.Step) (stepResult, error) {
	cfg := step.Approval
	if cfg == nil {
		return stepResult{outcome: repository.OutcomeError, fatal: true,
			err: errors.Definition("approval step %s has no configuration", step.ID)}, nil
	}

	approvers := append([]string(nil), cfg.Approvers...)
	if cfg.ApproversFrom != "" {
		if v, ok := condition.Lookup(exec.Context, cfg.ApproversFrom); ok {
			approvers = append(approvers, stringList(v)...)
		}
	}
	approvers = dedupe(approvers)
	if len(approvers) == 0 {
		return stepResult{outcome: repository.OutcomeError,
			err: errors.InvalidInput("approvers", fmt.Sprintf("step %s resolved no approvers", step.ID))}, nil
	}

	policy := cfg.Policy
	if policy == "" {
		policy = repository.PolicyAny
	}
	due := e.cfg.DefaultApprovalDue
	switch {
	case cfg.DueIn != nil && cfg.DueIn.Duration > 0:
		due = cfg.DueIn.Duration
	case step.Timeout != nil && step.Timeout.Duration > 0:
		due = step.Timeout.Duration
	}

	if _, err := e.approvals.open(ctx, exec, stepExec, approvers, policy, e.now().Add(due), cfg.EscalateTo); err != nil {
		return stepResult{}, err
	}
	e.log.Info().
		Str("execution_id", exec.ID).
		Str("step_id", step.ID).
		Str("policy", string(policy)).
		Int("approvers", len(approvers)).
		Msg("Waiting for approval")
	return stepResult{wait: true}, nil
}

func (e *WorkflowEngine) approvalOutcome(ctx context.Context, stepExec *repository.StepExecution) (stepResult, error) {
	batch, err := e.store.GetBatch(ctx, stepExec.BatchID)
	if err != nil {
		return stepResult{}, err
	}
	switch batch.Status {
	case repository.BatchApproved:
		return stepResult{outcome: repository.OutcomeApproved,
			output: map[string]any{"batch_id": batch.ID, "decision": repository.OutcomeApproved}}, nil
	case repository.BatchRejected:
		return stepResult{outcome: repository.OutcomeRejected,
			output: map[string]any{"batch_id": batch.ID, "decision": repository.OutcomeRejected}}, nil
	default:
		return stepResult{wait: true}, nil
	}
}

func (e *WorkflowEngine) runDelay(ctx context.Context, stepExec *repository.StepExecution, step *repository.Step) (stepResult, error) {
	now := e.now()
	if stepExec.ResumeAt == nil {
		if step.Delay == nil || step.Delay.Duration.Duration <= 0 {
			return stepResult{outcome: repository.OutcomeError, fatal: true,
				err: errors.Definition("delay step %s has no duration", step.ID)}, nil
		}
		resumeAt := now.Add(step.Delay.Duration.Duration)
		stepExec.ResumeAt = &resumeAt
		if err := e.store.UpdateStepExecution(ctx, stepExec); err != nil {
			return stepResult{}, err
		}
		e.log.Debug().
			Str("execution_id", stepExec.ExecutionID).
			Str("step_id", step.ID).
			Time("resume_at", resumeAt).
			Msg("Delay scheduled")
		return stepResult{wait: true}, nil
	}
	if now.Before(*stepExec.ResumeAt) {
		return stepResult{wait: true}, nil
	}
	return stepResult{outcome: repository.OutcomeCompleted, output: map[string]any{"resumed_at": now}}, nil
}

// finishStep records the outcome of the in-flight step and enters the next
// step or finishes the execution, in one transaction.
func (e *WorkflowEngine) finishStep(
	ctx context.Context,
	exec *repository.WorkflowExecution,
	stepExec *repository.StepExecution,
	c *compiledDefinition,
	res stepResult,
) error {
	now := e.now()
	before := executionSnapshot(exec)

	output := res.output
	stepExec.Outcome = res.outcome
	stepExec.FinishedAt = &now
	stepExec.Status = repository.StepCompleted
	if res.err != nil {
		stepExec.Status = repository.StepFailed
		stepExec.Error = res.err.Error()
		if output == nil {
			output = map[string]any{}
		}
		output["error"] = res.err.Error()
	}
	stepExec.Output = output

	exec.Context = cloneContext(exec.Context)
	for k, v := range res.vars {
		exec.Context[k] = v
	}
	if output != nil {
		exec.Context[stepExec.StepID] = cloneContext(output)
	}

	var next string
	if !res.fatal {
		next = c.next(stepExec.StepID, res.outcome)
	}

	var nextExec *repository.StepExecution
	switch {
	case next != "":
		nextExec = e.newStepExecution(exec, c.steps[next], now)
		exec.CurrentStepID = next
		exec.CurrentStepExecutionID = nextExec.ID
		exec.Status = repository.ExecutionRunning
	case res.err != nil:
		exec.Status = repository.ExecutionFailed
		exec.Error = res.err.Error()
		exec.CompletedAt = &now
	default:
		exec.Status = repository.ExecutionCompleted
		exec.CompletedAt = &now
	}
	exec.UpdatedAt = now

	err := e.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateStepExecution(ctx, stepExec); err != nil {
			return err
		}
		if nextExec != nil {
			if err := tx.CreateStepExecution(ctx, nextExec); err != nil {
				return err
			}
		}
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}

	e.metrics.StepsExecuted.WithLabelValues(string(stepExec.StepType), res.outcome).Inc()
	stepAction := AuditStepCompleted
	if res.err != nil {
		stepAction = AuditStepFailed
	}
	e.audit.Record(ctx, exec.ID, stepExec.ID, systemActor, stepAction, nil,
		map[string]any{"step_id": stepExec.StepID, "status": string(stepExec.Status), "outcome": res.outcome},
		errorMetadata(res.err))

	if nextExec != nil {
		e.audit.Record(ctx, exec.ID, nextExec.ID, systemActor, AuditStepEntered, nil,
			map[string]any{"step_id": nextExec.StepID, "step_type": string(nextExec.StepType)},
			map[string]any{"from_step_id": stepExec.StepID, "outcome": res.outcome})
		return nil
	}

	action := AuditExecutionCompleted
	if exec.Status == repository.ExecutionFailed {
		action = AuditExecutionFailed
	}
	e.metrics.ExecutionsFinished.WithLabelValues(string(exec.Status)).Inc()
	e.audit.Record(ctx, exec.ID, stepExec.ID, systemActor, action, before, executionSnapshot(exec), errorMetadata(res.err))

	evt := e.log.Info()
	if res.err != nil {
		evt = e.log.Warn().Err(res.err)
	}
	evt.Str("execution_id", exec.ID).
		Str("status", string(exec.Status)).
		Str("last_step_id", stepExec.StepID).
		Msg("Workflow execution finished")
	return nil
}

func (e *WorkflowEngine) newStepExecution(exec *repository.WorkflowExecution, step *repository.Step, now time.Time) *repository.StepExecution {
	return &repository.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		Status:      repository.StepRunning,
		Input:       cloneContext(exec.Context),
		StartedAt:   now,
	}
}

func (e *WorkflowEngine) now() time.Time { return e.clock.Now().UTC() }

func executionSnapshot(exec *repository.WorkflowExecution) map[string]any {
	return map[string]any{
		"status":          string(exec.Status),
		"current_step_id": exec.CurrentStepID,
	}
}

func errorMetadata(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": err.Error(), "code": string(errors.CodeOf(err))}
}

func actorOr(actor string) string {
	if actor == "" {
		return systemActor
	}
	return actor
}
