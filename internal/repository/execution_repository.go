package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// ── workflow_executions ──────────────────────────────────────────────────────

// CreateExecution inserts a new execution row.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	contextJSON, err := marshalJSON(nonNilMap(exec.Context))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_executions
		    (id, definition_id, definition_version,
		     current_step_id, current_step_execution_id,
		     status, context, error, started_by, trigger_id,
		     started_at, updated_at, completed_at)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13)
	`

	_, err = s.q.Exec(ctx, query,
		exec.ID,
		exec.DefinitionID,
		exec.DefinitionVersion,
		nullable(exec.CurrentStepID),
		nullable(exec.CurrentStepExecutionID),
		exec.Status,
		contextJSON,
		nullable(exec.Error),
		nullable(exec.StartedBy),
		nullable(exec.TriggerID),
		exec.StartedAt,
		exec.UpdatedAt,
		exec.CompletedAt,
	)
	return translate(err, "workflow_execution", exec.ID, "failed to create workflow execution")
}

// GetExecution retrieves an execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	query := `
		SELECT id, definition_id, definition_version,
		       current_step_id, current_step_execution_id,
		       status, context, error, started_by, trigger_id,
		       started_at, updated_at, completed_at
		FROM workflow_executions
		WHERE id = $1
	`

	exec, err := s.scanExecution(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "workflow_execution", id, "failed to get workflow execution")
	}
	return exec, nil
}

// UpdateExecution writes the mutable columns of an execution.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *WorkflowExecution) error {
	contextJSON, err := marshalJSON(nonNilMap(exec.Context))
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_executions
		SET current_step_id           = $2,
		    current_step_execution_id = $3,
		    status                    = $4,
		    context                   = $5,
		    error                     = $6,
		    updated_at                = $7,
		    completed_at              = $8
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = s.q.QueryRow(ctx, query,
		exec.ID,
		nullable(exec.CurrentStepID),
		nullable(exec.CurrentStepExecutionID),
		exec.Status,
		contextJSON,
		nullable(exec.Error),
		exec.UpdatedAt,
		exec.CompletedAt,
	).Scan(&returnedID)
	return translate(err, "workflow_execution", exec.ID, "failed to update workflow execution")
}

func (s *PostgresStore) scanExecution(row rowScanner) (*WorkflowExecution, error) {
	exec := &WorkflowExecution{}
	var (
		currentStep, currentStepExec, errMsg, startedBy, triggerID *string
		contextJSON                                                []byte
	)

	err := row.Scan(
		&exec.ID,
		&exec.DefinitionID,
		&exec.DefinitionVersion,
		&currentStep,
		&currentStepExec,
		&exec.Status,
		&contextJSON,
		&errMsg,
		&startedBy,
		&triggerID,
		&exec.StartedAt,
		&exec.UpdatedAt,
		&exec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.CurrentStepID = deref(currentStep)
	exec.CurrentStepExecutionID = deref(currentStepExec)
	exec.Error = deref(errMsg)
	exec.StartedBy = deref(startedBy)
	exec.TriggerID = deref(triggerID)
	if err := unmarshalJSON(contextJSON, &exec.Context); err != nil {
		return nil, err
	}
	exec.Context = nonNilMap(exec.Context)
	return exec, nil
}

// ── workflow_step_executions ─────────────────────────────────────────────────

const stepExecutionColumns = `
	id, execution_id, step_id, step_type, status, outcome,
	input, output, error, batch_id, resume_at, started_at, finished_at
`

// CreateStepExecution inserts a step execution.
func (s *PostgresStore) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_step_executions (` + stepExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = s.q.Exec(ctx, query,
		step.ID,
		step.ExecutionID,
		step.StepID,
		step.StepType,
		step.Status,
		nullable(step.Outcome),
		inputJSON,
		outputJSON,
		nullable(step.Error),
		nullable(step.BatchID),
		step.ResumeAt,
		step.StartedAt,
		step.FinishedAt,
	)
	return translate(err, "step_execution", step.ID, "failed to create step execution")
}

// GetStepExecution retrieves a step execution by id.
func (s *PostgresStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + ` FROM workflow_step_executions WHERE id = $1`

	step, err := s.scanStepExecution(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "step_execution", id, "failed to get step execution")
	}
	return step, nil
}

// UpdateStepExecution writes status, outcome, output and timestamps. A
// finished step execution is never updated again.
func (s *PostgresStore) UpdateStepExecution(ctx context.Context, step *StepExecution) error {
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_step_executions
		SET status      = $2,
		    outcome     = $3,
		    output      = $4,
		    error       = $5,
		    batch_id    = $6,
		    resume_at   = $7,
		    finished_at = $8
		WHERE id = $1
		  AND finished_at IS NULL
		RETURNING id
	`

	var returnedID string
	err = s.q.QueryRow(ctx, query,
		step.ID,
		step.Status,
		nullable(step.Outcome),
		outputJSON,
		nullable(step.Error),
		nullable(step.BatchID),
		step.ResumeAt,
		step.FinishedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.InvalidState("step execution %s is finished or missing", step.ID)
	}
	return translate(err, "step_execution", step.ID, "failed to update step execution")
}

// ListStepExecutions returns the step executions of an execution in entry order.
func (s *PostgresStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	query := `
		SELECT ` + stepExecutionColumns + `
		FROM workflow_step_executions
		WHERE execution_id = $1
		ORDER BY seq ASC
	`
	return s.queryStepExecutions(ctx, query, executionID)
}

// ListDueDelays returns in-flight delay steps whose resume time has passed.
func (s *PostgresStore) ListDueDelays(ctx context.Context, now time.Time) ([]*StepExecution, error) {
	query := `
		SELECT ` + stepExecutionColumns + `
		FROM workflow_step_executions
		WHERE status = 'running'
		  AND step_type = 'delay'
		  AND resume_at <= $1
		ORDER BY resume_at ASC
	`
	return s.queryStepExecutions(ctx, query, now)
}

func (s *PostgresStore) queryStepExecutions(ctx context.Context, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list step executions")
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step, err := s.scanStepExecution(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan step execution")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate step executions")
	}
	return steps, nil
}

func (s *PostgresStore) scanStepExecution(row rowScanner) (*StepExecution, error) {
	step := &StepExecution{}
	var (
		outcome, errMsg, batchID *string
		inputJSON, outputJSON    []byte
	)

	err := row.Scan(
		&step.ID,
		&step.ExecutionID,
		&step.StepID,
		&step.StepType,
		&step.Status,
		&outcome,
		&inputJSON,
		&outputJSON,
		&errMsg,
		&batchID,
		&step.ResumeAt,
		&step.StartedAt,
		&step.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Outcome = deref(outcome)
	step.Error = deref(errMsg)
	step.BatchID = deref(batchID)
	if err := unmarshalJSON(inputJSON, &step.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputJSON, &step.Output); err != nil {
		return nil, err
	}
	return step, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
